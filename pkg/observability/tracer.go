package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// GetTracer returns a tracer from the global provider. With no provider
// installed this is a noop tracer.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

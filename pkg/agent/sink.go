package agent

import "github.com/tinkerbay/agentd/pkg/protocol"

// Sink delivers outbound frames to the client. The server implementation
// journals a frame before putting it on the socket, which is what gives the
// journal its replay guarantee. Three granularities exist because streaming
// fragments are delivered but never journaled, while the coalesced assistant
// message produced at turn end is journaled but never re-delivered.
type Sink interface {
	// Send journals the frame and delivers it to the client.
	Send(frame protocol.Frame) error

	// SendTransient delivers without journaling. Streaming fragments and the
	// explain-flow answer take this path; neither belongs to the transcript.
	SendTransient(frame protocol.Frame) error

	// Record journals without delivering (the coalesced assistant message;
	// the client already saw its fragments).
	Record(frame protocol.Frame) error
}

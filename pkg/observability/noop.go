package observability

import "time"

// NoopMetrics discards all recordings. It is the default until a registry is
// wired in.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTurn(duration time.Duration, err error)                       {}
func (n *NoopMetrics) RecordToolExecution(tool string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordLLMCall(model string, duration time.Duration, err error)      {}
func (n *NoopMetrics) RecordCompaction(oldTokens, newTokens int)                          {}
func (n *NoopMetrics) RecordJournalWrite(err error)                                       {}

package audit

// Logger records audit events.
type Logger interface {
	// Log records an audit event.
	Log(event Event)

	// Close flushes pending writes and releases the log.
	Close() error
}

// NoopLogger discards everything. Used when auditing is disabled and by
// peers, which do not keep an audit trail.
type NoopLogger struct{}

// Log does nothing.
func (n *NoopLogger) Log(_ Event) {}

// Close does nothing.
func (n *NoopLogger) Close() error {
	return nil
}

var _ Logger = (*NoopLogger)(nil)

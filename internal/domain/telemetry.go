package domain

// Telemetry records lifecycle events. Implementations must never block the
// caller.
type Telemetry interface {
	LogEvent(id, stage, message string, pl float64)
	LogError(err error, context, id string)
}

package app

// StopReason is logged when the app stops.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSignal       StopReason = "signal"
	StopAppStop      StopReason = "app_stop"
	StopStartFailure StopReason = "start_failure"
)

package events

import "time"

// StatusEvent reports a save-state transition of an edit session
type StatusEvent struct {
	SessionID string
	RecordID  *uint64
	State     string
	Previous  string
	Trigger   string
	Err       string
	Timestamp time.Time
}

// StatusConsumer processes status events
type StatusConsumer interface {
	// Name returns the consumer name for logging
	Name() string

	// ProcessStatus handles one event. Errors are logged and counted.
	ProcessStatus(event StatusEvent) error
}

// Stats tracks bus counters
type Stats struct {
	Published uint64
	Dropped   uint64
	Processed uint64
	Failed    uint64
}

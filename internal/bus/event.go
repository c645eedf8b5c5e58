package bus

import "time"

// Event kinds published by the notifier and the status machine.
const (
	KindRecordChanged  = "record.changed"
	KindSummaryChanged = "summary.changed"
	KindStatusChanged  = "daemon.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

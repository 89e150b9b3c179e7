package fluentd

import "time"

// Timing says which clock, if any, an event carries.
type Timing int

const (
	// TimingNone leaves the time to the transport's ingestion clock.
	TimingNone Timing = iota
	// TimingEventTime carries a nanosecond domain time.
	TimingEventTime
	// TimingTimestamp carries an epoch-seconds timestamp.
	TimingTimestamp
)

func (t Timing) String() string {
	switch t {
	case TimingEventTime:
		return "event-time"
	case TimingTimestamp:
		return "timestamp"
	default:
		return "none"
	}
}

// Event is one record converted for emission. Tag is never empty.
type Event struct {
	Tag    string
	Time   time.Time // meaningful unless Timing is TimingNone
	Timing Timing
	Data   map[string]any
}

package fluentd

import (
	"fluentsink/sink"
)

// Converter maps host records to events. It holds only configuration and
// is safe for concurrent use.
type Converter struct {
	tag   TagConfig
	time  TimeConfig
	nulls NullPolicy
}

func NewConverter(cfg Config) *Converter {
	return &Converter{tag: cfg.Tag, time: cfg.Time, nulls: cfg.NullFields}
}

// Convert never fails: payloads it cannot structure are wrapped under
// "message".
func (c *Converter) Convert(rec sink.Record) Event {
	data := c.payload(rec)
	ev := Event{Tag: c.tagFor(rec, data), Data: data}

	if t, ok := c.eventTime(data); ok {
		ev.Time, ev.Timing = t, TimingEventTime
	} else if !rec.Timestamp.IsZero() {
		ev.Time, ev.Timing = rec.Timestamp, TimingTimestamp
		if c.time.RecordAsEventTime {
			ev.Timing = TimingEventTime
		}
	}
	return ev
}

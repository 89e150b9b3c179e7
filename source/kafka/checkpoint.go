package kafka

import (
	"maps"
	"time"

	"fluentsink/sink"
)

// Tracker remembers, per partition, the offset to resume from after the
// highest record handed to the sink, and decides when a commit is due.
// It is owned by a single goroutine.
type Tracker struct {
	every   time.Duration
	now     func() time.Time
	last    time.Time
	dirty   bool
	offsets map[sink.TopicPartition]sink.OffsetAndMetadata
}

func NewTracker(commitEvery time.Duration) *Tracker {
	t := &Tracker{
		every:   commitEvery,
		now:     time.Now,
		offsets: make(map[sink.TopicPartition]sink.OffsetAndMetadata),
	}
	t.last = t.now()
	return t
}

// Track records that rec was put. Offsets never move backwards.
func (t *Tracker) Track(rec sink.Record) {
	tp := rec.TopicPartition()
	next := rec.Offset + 1
	if cur, ok := t.offsets[tp]; ok && cur.Offset >= next {
		return
	}
	t.offsets[tp] = sink.OffsetAndMetadata{Offset: next}
	t.dirty = true
}

// Due reports whether new offsets were tracked and the commit interval has
// elapsed since the last commit.
func (t *Tracker) Due() bool {
	return t.dirty && t.now().Sub(t.last) >= t.every
}

// Pending reports whether offsets were tracked since the last commit.
func (t *Tracker) Pending() bool { return t.dirty }

// Snapshot copies the current offsets.
func (t *Tracker) Snapshot() map[sink.TopicPartition]sink.OffsetAndMetadata {
	return maps.Clone(t.offsets)
}

// Committed marks the snapshot as durable.
func (t *Tracker) Committed() {
	t.dirty = false
	t.last = t.now()
}

// Forget drops partitions the member no longer owns.
func (t *Tracker) Forget(tps ...sink.TopicPartition) {
	for _, tp := range tps {
		delete(t.offsets, tp)
	}
}

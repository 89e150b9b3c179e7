package forward

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

// EventTime is the forward protocol's nanosecond timestamp, carried as
// msgpack ext type 0 with big-endian seconds and nanoseconds.
type EventTime struct {
	time.Time
}

func (tm *EventTime) MarshalMsgpack() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, uint32(tm.Unix()))
	binary.BigEndian.PutUint32(b[4:], uint32(tm.Nanosecond()))
	return b, nil
}

func (tm *EventTime) UnmarshalMsgpack(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("forward: event time ext has %d bytes, want 8", len(b))
	}
	sec := binary.BigEndian.Uint32(b)
	nsec := binary.BigEndian.Uint32(b[4:])
	tm.Time = time.Unix(int64(sec), int64(nsec)).UTC()
	return nil
}

func init() {
	msgpack.RegisterExt(0, (*EventTime)(nil))
}

// encodeEntry packs one [time, record] pair. t is either *EventTime or
// epoch seconds.
func encodeEntry(t any, record map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.EncodeArrayLen(2); err != nil {
		return nil, err
	}
	switch v := t.(type) {
	case *EventTime:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	case int64:
		if err := enc.EncodeInt(v); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("forward: unsupported entry time %T", t)
	}
	if err := enc.Encode(record); err != nil {
		return nil, fmt.Errorf("forward: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeMessage writes a PackedForward message:
// [tag, bin(entries), {"size": n, "chunk"?: id, "compressed"?: "gzip"}].
func encodeMessage(w io.Writer, tag string, entries []byte, count int, chunkID string, compress Compression) error {
	opt := map[string]any{"size": count}
	if chunkID != "" {
		opt["chunk"] = chunkID
	}
	if compress == CompressGzip {
		var zb bytes.Buffer
		zw := gzip.NewWriter(&zb)
		if _, err := zw.Write(entries); err != nil {
			return fmt.Errorf("forward: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("forward: gzip: %w", err)
		}
		entries = zb.Bytes()
		opt["compressed"] = string(CompressGzip)
	}

	enc := msgpack.NewEncoder(w)
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString(tag); err != nil {
		return err
	}
	if err := enc.EncodeBytes(entries); err != nil {
		return err
	}
	return enc.Encode(opt)
}

func decodeAck(r io.Reader) (string, error) {
	dec := msgpack.NewDecoder(r)
	m, err := dec.DecodeMap()
	if err != nil {
		return "", fmt.Errorf("forward: read ack: %w", err)
	}
	ack, _ := m["ack"].(string)
	return ack, nil
}

// Entry is one decoded [time, record] pair.
type Entry struct {
	Time      time.Time
	EventTime bool // true when carried as EventTime, false for epoch seconds
	Record    map[string]any
}

// Message is one decoded PackedForward message.
type Message struct {
	Tag     string
	Entries []Entry
	Option  map[string]any
}

// ReadMessage decodes one PackedForward message from dec, inflating gzip
// payloads. It is the receiving half of the client's wire format.
func ReadMessage(dec *msgpack.Decoder) (Message, error) {
	var m Message
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return m, err
	}
	if n < 2 || n > 3 {
		return m, fmt.Errorf("forward: message has %d elements", n)
	}
	if m.Tag, err = dec.DecodeString(); err != nil {
		return m, err
	}
	packed, err := dec.DecodeBytes()
	if err != nil {
		return m, err
	}
	if n == 3 {
		if m.Option, err = dec.DecodeMap(); err != nil {
			return m, err
		}
	}
	if c, _ := m.Option["compressed"].(string); c == string(CompressGzip) {
		zr, err := gzip.NewReader(bytes.NewReader(packed))
		if err != nil {
			return m, err
		}
		if packed, err = io.ReadAll(zr); err != nil {
			return m, err
		}
	}
	m.Entries, err = decodeEntries(packed)
	return m, err
}

func decodeEntries(packed []byte) ([]Entry, error) {
	r := bytes.NewReader(packed)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	var out []Entry
	for r.Len() > 0 {
		if _, err := dec.DecodeArrayLen(); err != nil {
			return out, err
		}
		tv, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return out, err
		}
		var e Entry
		switch t := tv.(type) {
		case *EventTime:
			e.Time, e.EventTime = t.Time, true
		case EventTime:
			e.Time, e.EventTime = t.Time, true
		case int64:
			e.Time = time.Unix(t, 0).UTC()
		case uint64:
			e.Time = time.Unix(int64(t), 0).UTC()
		default:
			return out, fmt.Errorf("forward: unexpected entry time %T", tv)
		}
		rv, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return out, err
		}
		e.Record, _ = rv.(map[string]any)
		out = append(out, e)
	}
	return out, nil
}

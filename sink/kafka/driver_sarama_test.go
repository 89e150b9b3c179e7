package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"fluentsink/sink"
)

func TestDeadLetterPublishesRecordWithHeaders(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != "dlq" {
			return errors.New("wrong topic " + m.Topic)
		}
		if v, _ := m.Value.Encode(); string(v) != `{"a":1}` {
			return errors.New("wrong value " + string(v))
		}
		return nil
	})

	d := newDeadLetter(mp, "dlq")
	d.Send(sink.Record{
		Topic:     "orders",
		Partition: 3,
		Offset:    42,
		Key:       "k1",
		Value:     map[string]any{"a": 1},
		Timestamp: time.Unix(100, 0),
		Headers:   map[string][]byte{"trace": []byte("abc")},
	}, errors.New("buffer full"))

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.Sent() != 1 || d.Failed() != 0 {
		t.Fatalf("sent=%d failed=%d", d.Sent(), d.Failed())
	}
}

func TestDeadLetterCountsPublishErrors(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	mp.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	d := newDeadLetter(mp, "dlq")
	d.Send(sink.Record{Topic: "t", Value: []byte("raw")}, nil)
	_ = d.Close()
	if d.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", d.Failed())
	}
}

func TestHeaders(t *testing.T) {
	h := headers(sink.Record{
		Topic:     "orders",
		Partition: 1,
		Offset:    9,
		Headers:   map[string][]byte{"b": []byte("2"), "a": []byte("1")},
	}, errors.New("boom"))

	want := map[string]string{
		"a":             "1",
		"b":             "2",
		HeaderError:     "boom",
		HeaderTopic:     "orders",
		HeaderPartition: "1",
		HeaderOffset:    "9",
	}
	if len(h) != len(want) {
		t.Fatalf("headers = %d, want %d", len(h), len(want))
	}
	if string(h[0].Key) != "a" || string(h[1].Key) != "b" {
		t.Fatalf("source headers not sorted: %s, %s", h[0].Key, h[1].Key)
	}
	for _, rh := range h {
		if want[string(rh.Key)] != string(rh.Value) {
			t.Fatalf("header %s = %q, want %q", rh.Key, rh.Value, want[string(rh.Key)])
		}
	}
}

func TestEncode(t *testing.T) {
	if encode(nil) != nil {
		t.Fatalf("nil should encode to nil")
	}
	b, _ := encode([]byte("x")).Encode()
	if string(b) != "x" {
		t.Fatalf("bytes = %q", b)
	}
	b, _ = encode(map[string]any{"a": 1}).Encode()
	if string(b) != `{"a":1}` {
		t.Fatalf("json = %q", b)
	}
}

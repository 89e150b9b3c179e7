package kafka

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"

	"fluentsink/internal/logging"
	"fluentsink/sink"
)

// Header names added to dead-lettered messages.
const (
	HeaderError     = "fluentsink.error"
	HeaderTopic     = "fluentsink.source.topic"
	HeaderPartition = "fluentsink.source.partition"
	HeaderOffset    = "fluentsink.source.offset"
)

type Config struct {
	Brokers []string
	Topic   string
	Acks    int16 // 0, 1, -1
	Version string
}

// DeadLetter republishes records the sink gave up on to a Kafka topic,
// with the failure and source coordinates as headers.
type DeadLetter struct {
	topic string
	p     sarama.AsyncProducer
	log   *slog.Logger
	done  chan struct{}

	sent   atomic.Int64
	failed atomic.Int64
}

func NewDeadLetter(cfg Config) (*DeadLetter, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "fluentsink-deadletter"
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Errors = true
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("deadletter: %w", err)
		}
		sc.Version = v
	}
	p, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("deadletter: %w", err)
	}
	return newDeadLetter(p, cfg.Topic), nil
}

func newDeadLetter(p sarama.AsyncProducer, topic string) *DeadLetter {
	d := &DeadLetter{
		topic: topic,
		p:     p,
		log:   logging.For("deadletter"),
		done:  make(chan struct{}),
	}
	go d.drainErrors()
	return d
}

func (d *DeadLetter) drainErrors() {
	defer close(d.done)
	for pe := range d.p.Errors() {
		d.failed.Add(1)
		d.log.Error("dead-letter publish failed", "topic", d.topic, "err", pe.Err)
	}
}

// Send queues rec for the dead-letter topic. It does not wait for the
// broker.
func (d *DeadLetter) Send(rec sink.Record, cause error) {
	d.p.Input() <- &sarama.ProducerMessage{
		Topic:     d.topic,
		Key:       encode(rec.Key),
		Value:     encode(rec.Value),
		Headers:   headers(rec, cause),
		Timestamp: rec.Timestamp,
	}
	d.sent.Add(1)
}

// Sent and Failed count messages handed to the producer and publish errors.
func (d *DeadLetter) Sent() int64   { return d.sent.Load() }
func (d *DeadLetter) Failed() int64 { return d.failed.Load() }

func (d *DeadLetter) Close() error {
	err := d.p.Close()
	<-d.done
	return err
}

func encode(v any) sarama.Encoder {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return sarama.ByteEncoder(x)
	case string:
		return sarama.StringEncoder(x)
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return sarama.StringEncoder(fmt.Sprint(v))
	}
	return sarama.ByteEncoder(b)
}

func headers(rec sink.Record, cause error) []sarama.RecordHeader {
	keys := make([]string, 0, len(rec.Headers))
	for k := range rec.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]sarama.RecordHeader, 0, len(keys)+4)
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: rec.Headers[k]})
	}
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	return append(out,
		sarama.RecordHeader{Key: []byte(HeaderError), Value: []byte(msg)},
		sarama.RecordHeader{Key: []byte(HeaderTopic), Value: []byte(rec.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderPartition), Value: []byte(strconv.Itoa(int(rec.Partition)))},
		sarama.RecordHeader{Key: []byte(HeaderOffset), Value: []byte(strconv.FormatInt(rec.Offset, 10))},
	)
}

package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"fluentsink/internal/logging"
	"fluentsink/sink"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-multierror"
)

func init() { Register("sarama", func() Source { return &SaramaDriver{} }) }

type SaramaDriver struct {
	cfg   Config
	cl    sarama.Client
	group sarama.ConsumerGroup
	bp    *Controller

	mu       sync.Mutex // guards sess and onRevoke
	sess     sarama.ConsumerGroupSession
	onRevoke func([]sink.TopicPartition)
}

func (d *SaramaDriver) Configure(config Config) error {
	sarama.Logger = slog.NewLogLogger(logging.For("sarama").Handler(), slog.LevelDebug)
	d.cfg = config
	d.bp = NewController(config.BackPressure.Capacity)

	sc, err := saramaConfig(config)
	if err != nil {
		return err
	}
	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	return err
}

func saramaConfig(config Config) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = config.ClientID
	sc.Consumer.Return.Errors = true
	// Offsets are committed explicitly after a successful sink flush.
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc, sc.Validate()
}

// OnRevoke registers fn to be called with the partitions a rebalance takes
// away from this member.
func (d *SaramaDriver) OnRevoke(fn func([]sink.TopicPartition)) {
	d.mu.Lock()
	d.onRevoke = fn
	d.mu.Unlock()
}

func (d *SaramaDriver) Run(ctx context.Context, emit EmitFunc) error {
	handler := &groupHandler{driver: d, emit: emit}

	go func() {
		for err := range d.group.Errors() {
			logging.L().Warn("sarama-driver: consumer error", "err", err)
		}
	}()

	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Commit marks offsets on the live session and commits them synchronously.
// Without a session (between rebalances) the call is a no-op; the offsets
// are committed again with the next snapshot.
func (d *SaramaDriver) Commit(offsets map[sink.TopicPartition]sink.OffsetAndMetadata) error {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		logging.L().Debug("sarama-driver: no session; commit deferred", "partitions", len(offsets))
		return nil
	}
	for tp, om := range offsets {
		sess.MarkOffset(tp.Topic, tp.Partition, om.Offset, om.Metadata)
	}
	sess.Commit()
	return nil
}

func (d *SaramaDriver) Release(n int) { d.bp.Release(int64(n)) }

func (d *SaramaDriver) Close() error {
	if d.bp != nil {
		d.bp.Close()
	}
	var result *multierror.Error
	if d.group != nil {
		result = multierror.Append(result, d.group.Close())
	}
	if d.cl != nil && !d.cl.Closed() {
		result = multierror.Append(result, d.cl.Close())
	}
	return result.ErrorOrNil()
}

type groupHandler struct {
	driver *SaramaDriver
	emit   EmitFunc
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.driver.mu.Lock()
	h.driver.sess = sess
	h.driver.mu.Unlock()
	logging.L().Info("sarama-driver: session started", "member", sess.MemberID(), "generation", sess.GenerationID())
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.driver.mu.Lock()
	h.driver.sess = nil
	fn := h.driver.onRevoke
	h.driver.mu.Unlock()

	revoked := claimed(sess.Claims())
	if fn != nil && len(revoked) > 0 {
		fn(revoked)
	}
	logging.L().Info("sarama-driver: rebalance: released partitions", "count", len(revoked))
	return nil
}

func (h *groupHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.driver.bp.Acquire(ctx); err != nil {
				if errors.Is(err, ErrControllerClosed) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := h.emit(ctx, toRecord(msg)); err != nil {
				h.driver.bp.Release(1)
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// toRecord converts a consumed message. Key and value stay raw bytes; the
// sink decides how to interpret them.
func toRecord(msg *sarama.ConsumerMessage) sink.Record {
	rec := sink.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Headers:   toHeaderMap(msg.Headers),
	}
	if msg.Key != nil {
		rec.Key = msg.Key
	}
	if msg.Value != nil {
		rec.Value = msg.Value
	}
	// Pre-0.10 message formats carry no timestamp.
	if msg.Timestamp.Unix() > 0 {
		rec.Timestamp = msg.Timestamp
		rec.TimestampType = sink.CreateTime
	}
	return rec
}

func claimed(claims map[string][]int32) []sink.TopicPartition {
	var out []sink.TopicPartition
	for topic, parts := range claims {
		for _, p := range parts {
			out = append(out, sink.TopicPartition{Topic: topic, Partition: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}

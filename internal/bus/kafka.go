package bus

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka bus adapter.
type KafkaConfig struct {
	Brokers  []string `toml:"brokers"`
	GroupID  string   `toml:"group_id"`
	ClientID string   `toml:"client_id,omitempty"`
}

// Check validates the configuration.
func (c *KafkaConfig) Check() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: no brokers")
	}
	if c.GroupID == "" {
		return errors.New("kafka: group_id is not set")
	}
	return nil
}

func (c *KafkaConfig) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	return opts
}

// KafkaPublisher publishes messages as Kafka records, with attributes
// mapped to record headers.
type KafkaPublisher struct {
	cl *kgo.Client
}

// NewKafkaPublisher connects a producer client.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(cfg.clientOpts()...)
	if err != nil {
		return nil, errors.Wrap(err, "kafka: connect")
	}
	return &KafkaPublisher{cl: cl}, nil
}

// Publish produces one record synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	rec := recordFromMessage(topic, msg)
	if err := p.cl.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return errors.Wrap(err, "kafka: publish to "+topic)
	}
	return nil
}

// Close flushes and releases the producer.
func (p *KafkaPublisher) Close() {
	p.cl.Close()
}

// KafkaSubscriber consumes a topic within a consumer group.  Offsets are
// marked only after the handler returns nil, so unhandled records come
// back after a rebalance or restart.
type KafkaSubscriber struct {
	cfg KafkaConfig
}

// NewKafkaSubscriber prepares a consumer for Subscribe.
func NewKafkaSubscriber(cfg KafkaConfig) (*KafkaSubscriber, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &KafkaSubscriber{cfg: cfg}, nil
}

// Subscribe polls topic and hands each record to h, blocking until ctx is
// done.
//
// Committed offsets are per-partition watermarks, so a failed record must
// not be followed by marked successors: the partition stops at the first
// handler error and consumption rewinds to the failed offset, which is
// then redelivered on the next poll.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic string, h Handler) error {
	opts := append(s.cfg.clientOpts(),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(s.cfg.GroupID+"-"+topic),
		kgo.AutoCommitMarks(),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "kafka: connect")
	}
	defer cl.Close()

	for {
		fetches := cl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(t string, partition int32, err error) {
			slog.Error("kafka fetch error", "topic", t, "partition", partition, "error", err)
		})

		rewind := make(map[string]map[int32]kgo.EpochOffset)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			handled, failed := consumePartition(ctx, h, p.Records)
			if len(handled) > 0 {
				cl.MarkCommitRecords(handled...)
			}
			if failed != nil {
				if rewind[p.Topic] == nil {
					rewind[p.Topic] = make(map[int32]kgo.EpochOffset)
				}
				rewind[p.Topic][p.Partition] = *failed
			}
		})
		if len(rewind) > 0 {
			cl.SetOffsets(rewind)
		}
	}
}

// consumePartition hands one partition's records to h in order, stopping
// at the first failure.  It returns the prefix of successfully handled
// records and, when a record failed, the offset to resume that partition
// from.
func consumePartition(ctx context.Context, h Handler, recs []*kgo.Record) ([]*kgo.Record, *kgo.EpochOffset) {
	for i, rec := range recs {
		if err := h(ctx, messageFromRecord(rec)); err != nil {
			slog.Error("message handling failed", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			return recs[:i], &kgo.EpochOffset{Epoch: rec.LeaderEpoch, Offset: rec.Offset}
		}
	}
	return recs, nil
}

func recordFromMessage(topic string, msg Message) *kgo.Record {
	rec := &kgo.Record{Topic: topic, Value: msg.Payload}
	for k, v := range msg.Attrs {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}

func messageFromRecord(rec *kgo.Record) Message {
	msg := Message{Payload: rec.Value}
	if len(rec.Headers) > 0 {
		msg.Attrs = make(map[string]string, len(rec.Headers))
		for _, hdr := range rec.Headers {
			msg.Attrs[hdr.Key] = string(hdr.Value)
		}
	}
	return msg
}

package streaming

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is a consumed or produced broker record, narrowed from kgo.Record
// to the fields the engine needs, so the batch-processing logic in
// engine.go does not depend directly on franz-go's types and can be
// exercised with a fake in tests.
type Record struct {
	Key         []byte
	Value       []byte
	Topic       string
	Partition   int32
	Offset      int64
	TimestampMS int64
}

// Consumer is the narrow surface the engine polls for records and commits
// offsets through.
type Consumer interface {
	PollRecords(ctx context.Context) ([]Record, error)
	CommitRecords(ctx context.Context, records []Record) error
	Close()
}

// Producer is the narrow surface the engine sends outgoing and DLQ records
// through.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
	Close()
}

// kgoConsumer adapts a *kgo.Client to Consumer.
type kgoConsumer struct{ cl *kgo.Client }

// NewKgoConsumer wraps cl (built by broker.Factory.ConsumerGroup).
func NewKgoConsumer(cl *kgo.Client) Consumer { return &kgoConsumer{cl: cl} }

func (c *kgoConsumer) PollRecords(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("streaming: poll fetches: %w", errs[0].Err)
	}
	var out []Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, Record{
			Key:         r.Key,
			Value:       r.Value,
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			TimestampMS: r.Timestamp.UnixMilli(),
		})
	})
	return out, nil
}

// CommitRecords marks the records for the client's 5s mark-based
// auto-commit loop (broker.Factory.ConsumerGroup configures
// kgo.AutoCommitMarks), so only fully handled batches ever advance the
// group's offsets.
func (c *kgoConsumer) CommitRecords(_ context.Context, records []Record) error {
	kr := make([]*kgo.Record, len(records))
	for i, r := range records {
		kr[i] = &kgo.Record{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
	}
	c.cl.MarkCommitRecords(kr...)
	return nil
}

func (c *kgoConsumer) Close() { c.cl.Close() }

// kgoProducer adapts a *kgo.Client to Producer.
type kgoProducer struct{ cl *kgo.Client }

// NewKgoProducer wraps cl (built by broker.Factory.Producer).
func NewKgoProducer(cl *kgo.Client) Producer { return &kgoProducer{cl: cl} }

func (p *kgoProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	results := p.cl.ProduceSync(ctx, &kgo.Record{Topic: topic, Key: key, Value: value})
	if err := results.FirstErr(); err != nil {
		if isBrokerMessageTooLarge(err) {
			return fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
		}
		return fmt.Errorf("streaming: produce to %q: %w", topic, err)
	}
	return nil
}

func (p *kgoProducer) Close() { p.cl.Close() }

func isBrokerMessageTooLarge(err error) bool {
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Code == 10 // MESSAGE_TOO_LARGE
	}
	return errors.Is(err, kerr.MessageTooLarge)
}

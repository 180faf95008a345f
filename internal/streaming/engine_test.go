package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moosestack/moose-core/internal/catalog"
)

type fakeConsumer struct {
	mu      sync.Mutex
	batches [][]Record
	polled  int
	closed  bool
}

func (c *fakeConsumer) PollRecords(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.polled < len(c.batches) {
		b := c.batches[c.polled]
		c.polled++
		return b, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (c *fakeConsumer) CommitRecords(context.Context, []Record) error { return nil }
func (c *fakeConsumer) Close()                                       { c.mu.Lock(); c.closed = true; c.mu.Unlock() }

type fakeProducer struct {
	mu     sync.Mutex
	sent   []OutMessage
	fail   error
	closed bool
}

func (p *fakeProducer) Produce(_ context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, OutMessage{Topic: topic, Key: key, Value: value})
	return nil
}
func (p *fakeProducer) Close() { p.mu.Lock(); p.closed = true; p.mu.Unlock() }

func recordFor(t *testing.T, payload map[string]any) Record {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Record{Value: data, Partition: 0, Offset: 1, TimestampMS: 1000}
}

func TestEngineProcessBatchTransformsAndSends(t *testing.T) {
	reg := catalog.New()
	reg.RegisterTransformBinding("orders.raw", "orders.clean", catalog.BoundHandler{
		Name: "double",
		Fn: func(_ catalog.TransformContext, input map[string]any) ([]map[string]any, error) {
			out := map[string]any{}
			for k, v := range input {
				out[k] = v
			}
			out["seen"] = true
			return []map[string]any{out, nil}, nil
		},
	}, nil)

	producer := &fakeProducer{}
	eng, err := New(reg, &fakeConsumer{}, producer, nil, "orders.raw", "orders.clean", 4)
	require.NoError(t, err)

	rec := recordFor(t, map[string]any{"id": 1})
	require.NoError(t, eng.processBatch(context.Background(), []Record{rec}))

	producer.mu.Lock()
	defer producer.mu.Unlock()
	require.Len(t, producer.sent, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(producer.sent[0].Value, &got))
	require.Equal(t, true, got["seen"])
}

func TestEngineHandlerThrowPublishesToDLQ(t *testing.T) {
	reg := catalog.New()
	reg.RegisterTransformBinding("orders.raw", "orders.clean", catalog.BoundHandler{
		Name:            "boom",
		DeadLetterQueue: "orders.dlq",
		Fn: func(catalog.TransformContext, map[string]any) ([]map[string]any, error) {
			return nil, errors.New("handler exploded")
		},
	}, nil)

	dlq := &fakeDLQ{}
	eng, err := New(reg, &fakeConsumer{}, &fakeProducer{}, dlq, "orders.raw", "orders.clean", 2)
	require.NoError(t, err)

	rec := recordFor(t, map[string]any{"id": 7})
	err = eng.processBatch(context.Background(), []Record{rec})
	// The throw is dead-lettered AND surfaced, so the batch is not committed.
	require.ErrorContains(t, err, "handler exploded")

	require.Len(t, dlq.records, 1)
	require.Equal(t, "ERR_HANDLER_THREW", dlq.records[0].ErrorType)
	require.Equal(t, []string{"orders.dlq"}, dlq.topics)
}

func TestEngineHandlerThrowUsesThatHandlersDLQ(t *testing.T) {
	reg := catalog.New()
	reg.RegisterTransformBinding("orders.raw", "orders.clean", catalog.BoundHandler{
		Name:            "ok",
		DeadLetterQueue: "ok.dlq",
		Fn: func(catalog.TransformContext, map[string]any) ([]map[string]any, error) {
			return nil, nil
		},
	}, nil)
	reg.RegisterTransformBinding("orders.raw", "orders.clean", catalog.BoundHandler{
		Name:            "boom",
		DeadLetterQueue: "boom.dlq",
		Fn: func(catalog.TransformContext, map[string]any) ([]map[string]any, error) {
			return nil, errors.New("nope")
		},
	}, nil)

	dlq := &fakeDLQ{}
	eng, err := New(reg, &fakeConsumer{}, &fakeProducer{}, dlq, "orders.raw", "orders.clean", 2)
	require.NoError(t, err)

	rec := recordFor(t, map[string]any{"id": 1})
	require.Error(t, eng.processBatch(context.Background(), []Record{rec}))
	require.Equal(t, []string{"boom.dlq"}, dlq.topics)
}

func TestProcessBatchPreservesPartitionOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []any

	reg := catalog.New()
	reg.RegisterTransformBinding("orders.raw", "", catalog.BoundHandler{
		Name: "record",
		Fn: func(_ catalog.TransformContext, input map[string]any) ([]map[string]any, error) {
			// Stall the first record: if records in one partition ran
			// concurrently, the later ones would finish first.
			if input["id"] == float64(1) {
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			seen = append(seen, input["id"])
			mu.Unlock()
			return nil, nil
		},
	}, nil)

	eng, err := New(reg, &fakeConsumer{}, &fakeProducer{}, nil, "orders.raw", "", 8)
	require.NoError(t, err)

	var records []Record
	for i := 1; i <= 4; i++ {
		data, err := json.Marshal(map[string]any{"id": i})
		require.NoError(t, err)
		records = append(records, Record{Value: data, Partition: 2, Offset: int64(i)})
	}
	require.NoError(t, eng.processBatch(context.Background(), records))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []any{float64(1), float64(2), float64(3), float64(4)}, seen)
}

func TestEngineRunStopsOnContextCancel(t *testing.T) {
	consumer := &fakeConsumer{}
	reg := catalog.New()
	eng, err := New(reg, consumer, &fakeProducer{}, nil, "orders.raw", "", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(DrainWindow + time.Second):
		t.Fatal("Run did not stop after context cancel")
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	require.True(t, consumer.closed)
}

func TestSendChunkOversizeSingletonUsesOversizePath(t *testing.T) {
	dlq := &fakeDLQ{}
	eng, err := New(catalog.New(), &fakeConsumer{}, &failingProducer{}, dlq, "s", "t", 1)
	require.NoError(t, err)

	rec := Record{Partition: 0, Offset: 0, TimestampMS: 0}
	err = eng.sendChunk(context.Background(), []OutMessage{{Value: []byte("x"), Original: map[string]any{"a": 1}}}, rec)
	require.Error(t, err) // message has no DLQ of its own, so the oversize path has nowhere to dead-letter it
	require.Empty(t, dlq.records)
}

func TestSendFailureDeadLettersEachMessagesOwnOriginal(t *testing.T) {
	reg := catalog.New()
	reg.RegisterTransformBinding("s", "t", catalog.BoundHandler{
		Name:            "explode",
		DeadLetterQueue: "s.dlq",
		Fn: func(_ catalog.TransformContext, input map[string]any) ([]map[string]any, error) {
			return []map[string]any{
				{"out": "first"},
				{"out": "second"},
				{"out": "third"},
			}, nil
		},
	}, nil)

	dlq := &fakeDLQ{}
	producer := &fakeProducer{fail: errors.New("broker down")}
	// A tiny byte ceiling forces each output into its own chunk, so every
	// chunk must dead-letter the payload it actually carries.
	eng, err := New(reg, &fakeConsumer{}, producer, dlq, "s", "t", 1, WithMaxBatchBytes(1))
	require.NoError(t, err)

	rec := recordFor(t, map[string]any{"id": 1})
	require.NoError(t, eng.processBatch(context.Background(), []Record{rec}))

	require.Len(t, dlq.records, 3)
	got := make([]string, len(dlq.records))
	for i, r := range dlq.records {
		got[i] = r.OriginalRecord["out"].(string)
	}
	require.Equal(t, []string{"first", "second", "third"}, got)
}

type failingProducer struct{}

func (f *failingProducer) Produce(context.Context, string, []byte, []byte) error {
	return ErrMessageTooLarge
}
func (f *failingProducer) Close() {}

// Package streaming implements the per-binding streaming transform engine:
// one Engine instance owns a consumer group for a base source topic, fans
// consumed records out to the registered transform handlers with bounded
// concurrency, and sends each handler's output (chunked and, if necessary,
// bisected) to its base target topic or dead-letter queue.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moosestack/moose-core/internal/catalog"
	"github.com/moosestack/moose-core/internal/telemetry"
)

// HeartbeatEvery bounds how many processed messages may pass between
// liveness heartbeats; the batch loop also always heartbeats after the
// final message of a batch.
const HeartbeatEvery = 100

// DrainWindow is how long Stop waits for in-flight sends to land after the
// consumer is closed and before the producer is closed.
const DrainWindow = 2 * time.Second

// Engine runs the batch-processing loop for one (baseSource, baseTarget)
// transform binding.
type Engine struct {
	baseSource string
	baseTarget string

	registry *catalog.Registry
	consumer Consumer
	producer Producer
	dlq      DLQPublisher

	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	maxBatchBytes int
	sem           *semaphore.Weighted
	live          *liveness
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the engine's structured logger.
func WithLogger(l telemetry.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithTracer overrides the engine's tracer.
func WithTracer(t telemetry.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithMetrics overrides the engine's metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithMaxBatchBytes overrides the default outgoing chunk byte ceiling.
func WithMaxBatchBytes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBatchBytes = n
		}
	}
}

// defaultMaxBatchBytes mirrors a conservative broker-side message.max.bytes
// default; production deployments should override it from broker config.
const defaultMaxBatchBytes = 1 << 20

// New builds an Engine for the (baseSource, baseTarget) binding.
func New(reg *catalog.Registry, consumer Consumer, producer Producer, dlq DLQPublisher, baseSource, baseTarget string, maxConcurrency int, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("streaming: registry is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("streaming: consumer is required")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	e := &Engine{
		baseSource:    baseSource,
		baseTarget:    baseTarget,
		registry:      reg,
		consumer:      consumer,
		producer:      producer,
		dlq:           dlq,
		logger:        telemetry.NewNoopLogger(),
		tracer:        telemetry.NewNoopTracer(),
		metrics:       telemetry.NewNoopMetrics(),
		maxBatchBytes: defaultMaxBatchBytes,
		sem:           semaphore.NewWeighted(int64(maxConcurrency)),
		live:          newLiveness(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run drives the batch loop until ctx is canceled or a fatal poll error
// occurs.
func (e *Engine) Run(ctx context.Context) error {
	defer e.live.stop()
	for {
		select {
		case <-ctx.Done():
			return e.Stop(context.Background())
		default:
		}

		if !e.live.isRunning() {
			return e.Stop(context.Background())
		}
		if e.live.isStale() {
			// Skip the batch so offsets are not advanced past unprocessed
			// data; an external supervisor decides whether a persistently
			// stale worker gets replaced.
			e.logger.Warn(ctx, "batch skipped: worker stale", "source", e.baseSource, "target", e.baseTarget)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		records, err := e.consumer.PollRecords(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return e.Stop(context.Background())
			}
			return fmt.Errorf("streaming: poll binding %s->%s: %w", e.baseSource, e.baseTarget, err)
		}
		if len(records) == 0 {
			continue
		}

		if err := e.processBatch(ctx, records); err != nil {
			e.logger.Error(ctx, "batch processing failed", "source", e.baseSource, "target", e.baseTarget, "error", err)
			continue
		}

		if err := e.consumer.CommitRecords(ctx, records); err != nil {
			e.logger.Error(ctx, "commit failed", "source", e.baseSource, "target", e.baseTarget, "error", err)
		}
	}
}

// PartitionConcurrency bounds how many partitions one worker processes
// side by side within a batch. Ordering comes first: records within one
// partition always run sequentially in arrival order, so their outputs are
// produced in source order; only whole partitions run concurrently.
const PartitionConcurrency = 3

// processBatch groups a polled batch by source partition and processes
// each partition's records strictly in arrival order, with up to
// PartitionConcurrency partitions in flight at once. Every in-flight
// message also holds a slot of the engine-wide concurrency gate. Liveness
// heartbeats fire at least every HeartbeatEvery processed messages and
// always after the batch's last one.
func (e *Engine) processBatch(ctx context.Context, records []Record) error {
	binding, ok := e.registry.Binding(e.baseSource, e.baseTarget)
	if !ok || len(binding.Handlers) == 0 {
		e.live.heartbeat()
		return nil
	}
	tree, _ := e.registry.MutationTree(e.baseSource)

	var order []int32
	byPartition := make(map[int32][]Record)
	for _, rec := range records {
		if _, seen := byPartition[rec.Partition]; !seen {
			order = append(order, rec.Partition)
		}
		byPartition[rec.Partition] = append(byPartition[rec.Partition], rec)
	}

	partSem := semaphore.NewWeighted(PartitionConcurrency)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		processed atomic.Int64
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, p := range order {
		recs := byPartition[p]
		if err := partSem.Acquire(ctx, 1); err != nil {
			fail(err)
			break
		}
		wg.Add(1)
		go func(recs []Record) {
			defer wg.Done()
			defer partSem.Release(1)
			for _, rec := range recs {
				if err := e.sem.Acquire(ctx, 1); err != nil {
					fail(err)
					return
				}
				err := e.processOne(ctx, binding, tree, rec)
				e.sem.Release(1)
				if err != nil {
					fail(err)
				}
				if processed.Add(1)%HeartbeatEvery == 0 {
					e.live.heartbeat()
				}
			}
		}(recs)
	}
	wg.Wait()
	e.live.heartbeat()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// processOne revives one consumed record, starts every bound handler in
// registration order and awaits them all, flattens handler output one
// level (dropping nil entries), and sends the result in output order. A
// handler failure is dead-lettered to that handler's
// own DLQ and returned, so the batch is not committed; the remaining bound
// handlers for the same input still run to completion first.
func (e *Engine) processOne(ctx context.Context, binding *catalog.TransformBinding, tree []catalog.FieldMutations, rec Record) error {
	payload, schemaID, stripped := stripSchemaRegistryEnvelope(rec.Value)
	_ = schemaID
	if !stripped {
		payload = rec.Value
	}

	input, err := decodeRecord(payload)
	if err != nil {
		return e.poisonRecord(ctx, binding, rec, fmt.Errorf("streaming: decode record: %w", err))
	}
	if tree != nil {
		catalog.Apply(tree, input)
	}
	e.metrics.IncCounter("streaming.count_in", 1)

	mctx := &messageContext{ctx: ctx, partition: rec.Partition, offset: rec.Offset, timestampMS: rec.TimestampMS}

	type handlerResult struct {
		produced []map[string]any
		err      error
	}
	results := make([]handlerResult, len(binding.Handlers))
	var wg sync.WaitGroup
	for i, h := range binding.Handlers {
		wg.Add(1)
		go func(i int, fn catalog.TransformFunc) {
			defer wg.Done()
			produced, err := fn(mctx, input)
			results[i] = handlerResult{produced: produced, err: err}
		}(i, h.Fn)
	}
	wg.Wait()

	var firstErr error
	var outputs []map[string]any
	for i, res := range results {
		if res.err != nil {
			err := e.handlerThrow(ctx, binding.Handlers[i], rec, input, res.err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, o := range res.produced {
			if o == nil {
				continue
			}
			outputs = append(outputs, o)
		}
	}
	if firstErr != nil {
		return firstErr
	}
	if len(outputs) == 0 || binding.BaseTarget == "" {
		return nil
	}
	return e.send(ctx, binding, rec, outputs)
}

// poisonRecord dead-letters a record that could not even be decoded. With
// no handler to attribute it to, the binding's first configured DLQ takes
// it; a successfully dead-lettered poison record does not fail the batch,
// since reprocessing it can never succeed.
func (e *Engine) poisonRecord(ctx context.Context, binding *catalog.TransformBinding, rec Record, cause error) error {
	dlqTopic := firstDLQTopic(binding.Handlers)
	if dlqTopic == "" || e.dlq == nil {
		e.logger.Warn(ctx, "undecodable record with no dead-letter queue configured", "source", e.baseSource, "error", cause)
		return nil
	}
	built := buildDLQRecord(nil, rec.Partition, rec.Offset, rec.TimestampMS, "ERR_DECODE_FAILED", cause)
	return publishToDLQ(ctx, e.dlq, dlqTopic, built)
}

// handlerThrow dead-letters a record whose handler failed, using that
// handler's own DLQ, then returns the original error so the outer handler
// logs it and the batch is not committed. A DLQ publish failure on this
// path is logged and swallowed — the documented asymmetry with the
// oversize-send path, where it propagates.
func (e *Engine) handlerThrow(ctx context.Context, h catalog.BoundHandler, rec Record, original map[string]any, cause error) error {
	if h.DeadLetterQueue == "" || e.dlq == nil {
		e.logger.Warn(ctx, "transform handler failed with no dead-letter queue configured", "source", e.baseSource, "handler", h.Name, "error", cause)
		return cause
	}
	safe, err := marshalRecord(original)
	if err != nil {
		safe = original
	}
	built := buildDLQRecord(safe, rec.Partition, rec.Offset, rec.TimestampMS, "ERR_HANDLER_THREW", cause)
	if pubErr := publishToDLQ(ctx, e.dlq, h.DeadLetterQueue, built); pubErr != nil {
		e.logger.Error(ctx, "dead-letter publish failed", "topic", h.DeadLetterQueue, "handler", h.Name, "error", pubErr)
	}
	return cause
}

func firstDLQTopic(handlers []catalog.BoundHandler) string {
	for _, h := range handlers {
		if h.DeadLetterQueue != "" {
			return h.DeadLetterQueue
		}
	}
	return ""
}

// send chunks outputs under the byte ceiling and sends each chunk,
// bisecting any chunk the broker rejects as too large.
func (e *Engine) send(ctx context.Context, binding *catalog.TransformBinding, rec Record, outputs []map[string]any) error {
	if e.producer == nil {
		return fmt.Errorf("streaming: no producer configured for target %q", binding.BaseTarget)
	}
	dlqTopic := firstDLQTopic(binding.Handlers)

	messages := make([]OutMessage, 0, len(outputs))
	for _, o := range outputs {
		value, err := marshalOutput(o)
		if err != nil {
			return fmt.Errorf("streaming: marshal output record: %w", err)
		}
		messages = append(messages, OutMessage{Value: value, Topic: binding.BaseTarget, DeadLetterQueue: dlqTopic, Original: o})
	}

	for _, c := range chunk(messages, e.maxBatchBytes) {
		if err := e.sendChunk(ctx, c, rec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sendChunk(ctx context.Context, chunkMsgs []OutMessage, rec Record) error {
	sendFn := func(msgs []OutMessage) error {
		for _, m := range msgs {
			if err := e.producer.Produce(ctx, m.Topic, m.Key, m.Value); err != nil {
				return err
			}
			e.metrics.IncCounter("streaming.count_out", 1)
			e.metrics.IncCounter("streaming.bytes", float64(len(m.Value)))
		}
		return nil
	}

	err := bisect(chunkMsgs, sendFn)
	if err == nil {
		return nil
	}
	if !isMessageTooLarge(err) {
		if e.dlq != nil {
			return handleSendFailure(ctx, e.dlq, chunkMsgs, rec.Partition, rec.Offset, rec.TimestampMS, err)
		}
		return err
	}
	// bisect only surfaces MESSAGE_TOO_LARGE once it has reduced the chunk
	// to a single message (bisect's base case sends directly at len==1),
	// so this is the oversize-singleton path.
	if len(chunkMsgs) == 1 && e.dlq != nil {
		return handleOversizeSingletonFailure(ctx, e.dlq, chunkMsgs[0], rec.Partition, rec.Offset, rec.TimestampMS, err)
	}
	return err
}

// Stop closes the consumer, waits out the drain window, and closes the
// producer. There is no separate pause step: closing the consumer is what
// stops consumption. Neither Close reports an error, so nothing is logged
// and Stop always returns nil.
func (e *Engine) Stop(ctx context.Context) error {
	e.live.stop()
	if e.consumer != nil {
		e.consumer.Close()
	}

	select {
	case <-ctx.Done():
	case <-time.After(DrainWindow):
	}

	if e.producer != nil {
		e.producer.Close()
	}
	return nil
}

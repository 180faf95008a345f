package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moosestack/moose-core/internal/catalog"
)

// DLQPublisher sends a built DLQ record to its configured topic.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, topic string, record catalog.DLQRecord) error
}

// producerDLQ publishes DLQ records as UTF-8 JSON through the shared
// producer, the DLQ topic payload shape requires.
type producerDLQ struct{ p Producer }

// NewProducerDLQ adapts a Producer into a DLQPublisher.
func NewProducerDLQ(p Producer) DLQPublisher { return producerDLQ{p: p} }

func (d producerDLQ) PublishDLQ(ctx context.Context, topic string, rec catalog.DLQRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("streaming: marshal dlq record: %w", err)
	}
	return d.p.Produce(ctx, topic, nil, data)
}

// buildDLQRecord assembles a DLQ record from a failed input record and
// the error that caused it to be dead-lettered, carrying the source
// partition/offset/timestamp so the record can be traced back.
func buildDLQRecord(original map[string]any, partition int32, offset int64, timestampMS int64, errType string, cause error) catalog.DLQRecord {
	rec := make(map[string]any, len(original)+3)
	for k, v := range original {
		rec[k] = v
	}
	rec[catalog.MetaSourcePartition] = partition
	rec[catalog.MetaSourceOffset] = offset
	rec[catalog.MetaSourceTimestamp] = timestampMS

	return catalog.DLQRecord{
		OriginalRecord: rec,
		ErrorMessage:   cause.Error(),
		ErrorType:      errType,
		FailedAt:       time.Now().UnixMilli(),
		Source:         "transform",
	}
}

// publishToDLQ publishes a built record to topic, marshaling it to JSON,
// the DLQ topic payload shape requires.
func publishToDLQ(ctx context.Context, pub DLQPublisher, topic string, rec catalog.DLQRecord) error {
	if topic == "" {
		return fmt.Errorf("streaming: no dead-letter queue configured")
	}
	if err := pub.PublishDLQ(ctx, topic, rec); err != nil {
		return fmt.Errorf("streaming: publish dlq record to %q: %w", topic, err)
	}
	return nil
}

// handleSendFailure covers the ordinary send-failure path (the oversize
// path is handled separately): every message in the failed chunk is
// dead-lettered if it has a configured queue, and the send error is
// suppressed only when every message had a queue and every publish
// succeeded. Anything less rethrows so the consumer does not commit. The
// asymmetry with the oversize path is deliberate; see DESIGN.md.
func handleSendFailure(ctx context.Context, pub DLQPublisher, messages []OutMessage, partition int32, offset int64, timestampMS int64, sendErr error) error {
	allHandled := true
	for _, m := range messages {
		if m.DeadLetterQueue == "" {
			allHandled = false
			continue
		}
		rec := buildDLQRecord(m.Original, partition, offset, timestampMS, "ERR_SEND_FAILED", sendErr)
		if err := publishToDLQ(ctx, pub, m.DeadLetterQueue, rec); err != nil {
			allHandled = false
		}
	}
	if allHandled {
		return nil
	}
	return fmt.Errorf("streaming: send failed and not every message could be dead-lettered: %w", sendErr)
}

// handleOversizeSingletonFailure implements the oversize-bisection path's
// DLQ policy: a size-1 message that still fails with MESSAGE_TOO_LARGE is
// fatal for that message. Unlike handleSendFailure, a DLQ publish failure
// here is always rethrown, so the caller (and ultimately the consumer)
// knows the batch was not fully handled.
func handleOversizeSingletonFailure(ctx context.Context, pub DLQPublisher, m OutMessage, partition int32, offset int64, timestampMS int64, sendErr error) error {
	if m.DeadLetterQueue == "" {
		return fmt.Errorf("streaming: message too large and no dead-letter queue configured: %w", sendErr)
	}
	rec := buildDLQRecord(m.Original, partition, offset, timestampMS, "ERR_MSG_SIZE_TOO_LARGE", sendErr)
	if err := publishToDLQ(ctx, pub, m.DeadLetterQueue, rec); err != nil {
		return fmt.Errorf("streaming: oversize message dead-letter publish failed: %w", err)
	}
	return nil
}

// marshalRecord is a small helper shared by the handler-throw DLQ path to
// turn a transform's input record into JSON-compatible form before
// building a DLQRecord (the registry stores records as map[string]any
// already, so this mostly exists to centralize the json round-trip used
// for defensive copying).
func marshalRecord(rec map[string]any) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

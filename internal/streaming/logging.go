package streaming

import (
	"context"

	"github.com/moosestack/moose-core/internal/telemetry"
)

// payloadLoggingConsumer decorates a Consumer with per-record payload
// logging, gated behind the streaming-functions --log-payloads flag.
type payloadLoggingConsumer struct {
	inner  Consumer
	logger telemetry.Logger
}

// NewPayloadLoggingConsumer wraps inner so every polled record's payload is
// logged at debug level.
func NewPayloadLoggingConsumer(inner Consumer, logger telemetry.Logger) Consumer {
	return &payloadLoggingConsumer{inner: inner, logger: logger}
}

func (c *payloadLoggingConsumer) PollRecords(ctx context.Context) ([]Record, error) {
	records, err := c.inner.PollRecords(ctx)
	for _, r := range records {
		c.logger.Debug(ctx, "consumed record",
			"topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "payload", string(r.Value))
	}
	return records, err
}

func (c *payloadLoggingConsumer) CommitRecords(ctx context.Context, records []Record) error {
	return c.inner.CommitRecords(ctx, records)
}

func (c *payloadLoggingConsumer) Close() { c.inner.Close() }

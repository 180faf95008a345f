package mgmt

import (
	"context"
	"sync"
	"time"

	"github.com/moosestack/moose-core/internal/telemetry"
)

// Counter names the streaming engine emits that the bridge folds into a
// MetricsEntry.
const (
	CounterIn    = "streaming.count_in"
	CounterOut   = "streaming.count_out"
	CounterBytes = "streaming.bytes"
)

// Bridge adapts the telemetry.Metrics seam onto the management channel: it
// accumulates the streaming engine's throughput counters and flushes one
// MetricsEntry per second while any counter is non-zero. Counter
// names outside the streaming set are ignored; timers and gauges pass
// through to a delegate so a worker can report to the management channel
// and a real metrics backend at once.
type Bridge struct {
	client       *Client
	functionName string
	delegate     telemetry.Metrics
	logger       telemetry.Logger

	mu       sync.Mutex
	countIn  float64
	countOut float64
	bytes    int64
}

// NewBridge builds a Bridge flushing through client under functionName.
// delegate may be nil.
func NewBridge(client *Client, functionName string, delegate telemetry.Metrics, logger telemetry.Logger) *Bridge {
	if delegate == nil {
		delegate = telemetry.NewNoopMetrics()
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bridge{client: client, functionName: functionName, delegate: delegate, logger: logger}
}

// IncCounter implements telemetry.Metrics.
func (b *Bridge) IncCounter(name string, value float64, tags ...string) {
	b.mu.Lock()
	switch name {
	case CounterIn:
		b.countIn += value
	case CounterOut:
		b.countOut += value
	case CounterBytes:
		b.bytes += int64(value)
	}
	b.mu.Unlock()
	b.delegate.IncCounter(name, value, tags...)
}

// RecordTimer implements telemetry.Metrics.
func (b *Bridge) RecordTimer(name string, d time.Duration, tags ...string) {
	b.delegate.RecordTimer(name, d, tags...)
}

// RecordGauge implements telemetry.Metrics.
func (b *Bridge) RecordGauge(name string, value float64, tags ...string) {
	b.delegate.RecordGauge(name, value, tags...)
}

// Run flushes accumulated counters every second until ctx is done, then
// performs one final flush so short-lived workers still report their tail.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush(ctx)
		case <-ctx.Done():
			b.flush(context.Background())
			return
		}
	}
}

// flush posts and resets the counters if any is non-zero.
func (b *Bridge) flush(ctx context.Context) {
	b.mu.Lock()
	entry := MetricsEntry{
		CountIn:      b.countIn,
		CountOut:     b.countOut,
		Bytes:        b.bytes,
		FunctionName: b.functionName,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	b.countIn, b.countOut, b.bytes = 0, 0, 0
	b.mu.Unlock()

	if entry.CountIn == 0 && entry.CountOut == 0 && entry.Bytes == 0 {
		return
	}
	if err := b.client.PostMetrics(ctx, entry); err != nil {
		b.logger.Warn(ctx, "metrics flush failed", "function", b.functionName, "error", err)
	}
}

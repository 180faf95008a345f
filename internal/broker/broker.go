// Package broker implements the Broker Client Factory: authenticated
// producer and consumer-group client builders over the configured message
// broker (Redpanda/Kafka). It is the sole place SASL and
// TLS wiring is assembled, so the gateway and streaming engine never touch
// transport credentials directly.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/moosestack/moose-core/internal/config"
)

// Producer retry discipline: application-level batching
// already supplies ordering, so idempotency is disabled and the producer
// leans on a deep retry budget with a capped backoff instead.
const (
	ProducerRetries    = 150
	ProducerMaxBackoff = time.Second

	sessionTimeout     = 30 * time.Second
	groupHeartbeat     = 3 * time.Second
	autoCommitInterval = 5 * time.Second

	// partitionConcurrency bounds concurrent fetches only; ordered
	// per-partition processing is the streaming engine's job
	// (streaming.PartitionConcurrency).
	partitionConcurrency = 3
)

// Factory builds kgo.Client instances sharing one broker configuration. A
// single Factory is constructed per process; producers and per-binding
// consumer groups are opened from it on demand.
type Factory struct {
	cfg            config.BrokerConfig
	clientIDPrefix string
}

// Option configures a Factory.
type Option func(*Factory)

// WithClientIDPrefix sets the client-id prefix applied to every minted
// client, conventionally the worker's HOSTNAME.
func WithClientIDPrefix(p string) Option {
	return func(f *Factory) { f.clientIDPrefix = p }
}

// NewFactory validates the broker configuration and returns a Factory able
// to mint producer and consumer clients from it.
func NewFactory(cfg config.BrokerConfig, opts ...Option) (*Factory, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("broker: broker address is required")
	}
	f := &Factory{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Factory) baseOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(strings.Split(f.cfg.Broker, ",")...),
	}
	if f.clientIDPrefix != "" {
		opts = append(opts, kgo.ClientID(f.clientIDPrefix+"-moose"))
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	meter := kotel.NewMeter(kotel.MeterProvider(otel.GetMeterProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(tracer), kotel.WithMeter(meter))
	opts = append(opts, kgo.WithHooks(kotelService.Hooks()...))

	if strings.EqualFold(f.cfg.SecurityProtocol, "SASL_SSL") || strings.EqualFold(f.cfg.SecurityProtocol, "SSL") {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{}))
	}

	if f.cfg.SASLUsername != "" {
		mechanism, err := f.saslMechanism()
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mechanism))
	}

	return opts, nil
}

func (f *Factory) saslMechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(f.cfg.SASLMechanism) {
	case "", "PLAIN":
		return plain.Auth{User: f.cfg.SASLUsername, Pass: f.cfg.SASLPassword}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: f.cfg.SASLUsername, Pass: f.cfg.SASLPassword}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: f.cfg.SASLUsername, Pass: f.cfg.SASLPassword}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("broker: unsupported sasl mechanism %q", f.cfg.SASLMechanism)
	}
}

// Producer opens a new producer client with idempotency disabled, acks=all,
// and a deep capped-backoff retry budget. Each topic binding
// in the streaming engine shares one producer per process.
func (f *Factory) Producer(ctx context.Context) (*kgo.Client, error) {
	opts, err := f.baseOpts()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
		kgo.RecordRetries(ProducerRetries),
		kgo.RetryBackoffFn(producerBackoff),
		kgo.DefaultProduceTopicAlways(),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: new producer: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("broker: ping producer: %w", err)
	}
	return cl, nil
}

// producerBackoff doubles from 100ms per retry, capped at
// ProducerMaxBackoff.
func producerBackoff(tries int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < tries && d < ProducerMaxBackoff; i++ {
		d *= 2
	}
	if d > ProducerMaxBackoff {
		d = ProducerMaxBackoff
	}
	return d
}

// ConsumerGroup opens a consumer bound to the conventional group name
// "flow-<source>-<target>" used by the streaming engine's per-binding
// consumer groups: 30s session timeout, 3s group heartbeat, 5s mark-based
// auto-commit, starting from the beginning on first subscription. Offsets
// advance only for records the engine explicitly marks after a fully
// handled batch.
func (f *Factory) ConsumerGroup(ctx context.Context, source, target string, topics ...string) (*kgo.Client, error) {
	opts, err := f.baseOpts()
	if err != nil {
		return nil, err
	}
	group := ConsumerGroupName(source, target)
	opts = append(opts,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.SessionTimeout(sessionTimeout),
		kgo.HeartbeatInterval(groupHeartbeat),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(autoCommitInterval),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.MaxConcurrentFetches(partitionConcurrency),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: new consumer %q: %w", group, err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("broker: ping consumer %q: %w", group, err)
	}
	return cl, nil
}

// ConsumerGroupName returns the conventional consumer-group identifier for
// one streaming transform binding.
func ConsumerGroupName(source, target string) string {
	return fmt.Sprintf("flow-%s-%s", source, target)
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strconv"

	"github.com/moosestack/moose-core/internal/broker"
	"github.com/moosestack/moose-core/internal/catalog"
	"github.com/moosestack/moose-core/internal/config"
	"github.com/moosestack/moose-core/internal/mgmt"
	"github.com/moosestack/moose-core/internal/streaming"
	"github.com/moosestack/moose-core/internal/supervisor"
	"github.com/moosestack/moose-core/internal/telemetry"
)

// topicJSON is the wire shape of the <source-topic-json> / --target-topic
// arguments.
type topicJSON struct {
	Name            string `json:"name"`
	Partitions      int    `json:"partitions"`
	RetentionMS     int64  `json:"retention_ms"`
	MaxMessageBytes int    `json:"max_message_bytes"`
	Namespace       string `json:"namespace,omitempty"`
	Version         string `json:"version,omitempty"`
}

func (t topicJSON) descriptor() catalog.TopicDescriptor {
	return catalog.TopicDescriptor{
		Name:            t.Name,
		Partitions:      t.Partitions,
		RetentionMS:     t.RetentionMS,
		MaxMessageBytes: t.MaxMessageBytes,
		Namespace:       t.Namespace,
		Version:         t.Version,
	}
}

func parseTopicJSON(raw string) (catalog.TopicDescriptor, error) {
	var t topicJSON
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return catalog.TopicDescriptor{}, fmt.Errorf("parse topic json %q: %w", raw, err)
	}
	if t.Name == "" {
		return catalog.TopicDescriptor{}, fmt.Errorf("topic json %q has no name", raw)
	}
	return t.descriptor(), nil
}

func runStreamingFunctions(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("streaming-functions: expected <source-topic-json> <function-file> <broker-csv> <max-subscribers>")
	}
	sourceJSON, functionFile, brokerCSV, maxSubsStr := args[0], args[1], args[2], args[3]
	maxSubscribers, err := strconv.Atoi(maxSubsStr)
	if err != nil {
		return fmt.Errorf("streaming-functions: max-subscribers %q: %w", maxSubsStr, err)
	}

	fs := flag.NewFlagSet("streaming-functions", flag.ContinueOnError)
	targetJSON := fs.String("target-topic", "", "target topic JSON descriptor")
	saslUsername := fs.String("sasl-username", "", "broker SASL username")
	saslPassword := fs.String("sasl-password", "", "broker SASL password")
	saslMechanism := fs.String("sasl-mechanism", "", "broker SASL mechanism")
	securityProtocol := fs.String("security-protocol", "", "broker security protocol")
	logPayloads := fs.Bool("log-payloads", false, "log consumed record payloads")
	isWorker, _ := addWorkerFlags(fs)
	if err := fs.Parse(args[4:]); err != nil {
		return err
	}

	source, err := parseTopicJSON(sourceJSON)
	if err != nil {
		return err
	}
	var target catalog.TopicDescriptor
	if *targetJSON != "" {
		if target, err = parseTopicJSON(*targetJSON); err != nil {
			return err
		}
	}

	cfg, err := processConfig()
	if err != nil {
		return err
	}
	cfg.Broker.Broker = brokerCSV
	if *saslUsername != "" {
		cfg.Broker.SASLUsername = *saslUsername
	}
	if *saslPassword != "" {
		cfg.Broker.SASLPassword = *saslPassword
	}
	if *saslMechanism != "" {
		cfg.Broker.SASLMechanism = *saslMechanism
	}
	if *securityProtocol != "" {
		cfg.Broker.SecurityProtocol = *securityProtocol
	}

	ctx, stop, logger := rootContext()
	defer stop()

	if !*isWorker {
		sup, err := supervisor.New(supervisor.Options{
			Spawner:        supervisor.ExecSpawner{Args: append([]string{"streaming-functions"}, args...)},
			MaxWorkerCount: maxSubscribers,
			CPURatio:       supervisor.StreamingCPURatio,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		postStartupLog(ctx, cfg, "streaming-functions", fmt.Sprintf("transform workers starting for %s", source.Name))
		return sup.Run(ctx)
	}

	return runStreamingWorker(ctx, cfg, source, target, functionFile, *logPayloads, logger)
}

func runStreamingWorker(ctx context.Context, cfg config.Config, source, target catalog.TopicDescriptor, functionFile string, logPayloads bool, logger telemetry.Logger) error {
	reg, err := buildRegistryFromModule(functionFile)
	if err != nil {
		return err
	}

	baseSource, err := source.StreamName()
	if err != nil {
		return err
	}
	baseTarget := ""
	if target.Name != "" {
		if baseTarget, err = target.StreamName(); err != nil {
			return err
		}
	}

	factory, err := broker.NewFactory(cfg.Broker, broker.WithClientIDPrefix(cfg.HostnamePrefix))
	if err != nil {
		return err
	}
	consumerClient, err := factory.ConsumerGroup(ctx, baseSource, baseTarget, source.Name)
	if err != nil {
		return err
	}
	producerClient, err := factory.Producer(ctx)
	if err != nil {
		consumerClient.Close()
		return err
	}

	consumer := streaming.NewKgoConsumer(consumerClient)
	producer := streaming.NewKgoProducer(producerClient)
	if logPayloads {
		consumer = streaming.NewPayloadLoggingConsumer(consumer, logger)
	}

	flowName := broker.ConsumerGroupName(baseSource, baseTarget)
	bridge := mgmt.NewBridge(mgmt.NewClient(cfg.ManagementPort), flowName, telemetry.NewOtelMetrics("moose.streaming"), logger)
	go bridge.Run(ctx)

	maxBytes := target.MaxMessageBytes
	eng, err := streaming.New(reg, consumer, producer, streaming.NewProducerDLQ(producer),
		baseSource, baseTarget, cfg.StreamingMaxConcurrency,
		streaming.WithLogger(logger),
		streaming.WithTracer(telemetry.NewOtelTracer("moose.streaming")),
		streaming.WithMetrics(bridge),
		streaming.WithMaxBatchBytes(maxBytes),
	)
	if err != nil {
		return err
	}
	return eng.Run(ctx)
}

package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moosestack/moose-core/internal/config"
)

func TestNewFactoryRequiresBroker(t *testing.T) {
	_, err := NewFactory(config.BrokerConfig{})
	require.Error(t, err)
}

func TestConsumerGroupName(t *testing.T) {
	require.Equal(t, "flow-Orders-OrdersEnriched", ConsumerGroupName("Orders", "OrdersEnriched"))
}

func TestSaslMechanismDefaultsToPlain(t *testing.T) {
	f, err := NewFactory(config.BrokerConfig{Broker: "b:9092", SASLUsername: "u", SASLPassword: "p"})
	require.NoError(t, err)
	m, err := f.saslMechanism()
	require.NoError(t, err)
	require.Equal(t, "PLAIN", m.Name())
}

func TestSaslMechanismScram(t *testing.T) {
	f, err := NewFactory(config.BrokerConfig{Broker: "b:9092", SASLMechanism: "SCRAM-SHA-512"})
	require.NoError(t, err)
	m, err := f.saslMechanism()
	require.NoError(t, err)
	require.Equal(t, "SCRAM-SHA-512", m.Name())
}

func TestProducerBackoffCapped(t *testing.T) {
	require.Equal(t, 100*time.Millisecond, producerBackoff(1))
	require.Equal(t, 200*time.Millisecond, producerBackoff(2))
	require.Equal(t, 800*time.Millisecond, producerBackoff(4))
	require.Equal(t, ProducerMaxBackoff, producerBackoff(5))
	require.Equal(t, ProducerMaxBackoff, producerBackoff(150))
}

func TestSaslMechanismUnsupported(t *testing.T) {
	f, err := NewFactory(config.BrokerConfig{Broker: "b:9092", SASLMechanism: "GSSAPI"})
	require.NoError(t, err)
	_, err = f.saslMechanism()
	require.Error(t, err)
}

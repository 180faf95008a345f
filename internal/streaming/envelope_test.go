package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripSchemaRegistryEnvelope(t *testing.T) {
	value := append([]byte{0x00, 0x00, 0x00, 0x00, 0x2a}, []byte(`{"a":1}`)...)

	payload, schemaID, stripped := stripSchemaRegistryEnvelope(value)
	require.True(t, stripped)
	require.Equal(t, uint32(42), schemaID)
	require.Equal(t, `{"a":1}`, string(payload))
}

func TestStripSchemaRegistryEnvelopeNotPresent(t *testing.T) {
	value := []byte(`{"a":1}`)
	_, _, stripped := stripSchemaRegistryEnvelope(value)
	require.False(t, stripped)
}

func TestStripSchemaRegistryEnvelopeTooShort(t *testing.T) {
	_, _, stripped := stripSchemaRegistryEnvelope([]byte{0x00, 0x01})
	require.False(t, stripped)
}

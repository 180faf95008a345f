package streaming

import "encoding/binary"

// schemaRegistryMagicByte marks a message value as carrying a Confluent-
// style schema-registry envelope: 1 magic byte + 4-byte big-endian schema
// id.
const schemaRegistryMagicByte = 0x00

// schemaRegistryEnvelopeLen is the total envelope length stripped before
// JSON decoding.
const schemaRegistryEnvelopeLen = 5

// stripSchemaRegistryEnvelope removes the 5-byte envelope if present,
// returning the remaining payload and the schema id it carried (0 if none).
func stripSchemaRegistryEnvelope(value []byte) (payload []byte, schemaID uint32, stripped bool) {
	if len(value) < schemaRegistryEnvelopeLen || value[0] != schemaRegistryMagicByte {
		return value, 0, false
	}
	id := binary.BigEndian.Uint32(value[1:5])
	return value[schemaRegistryEnvelopeLen:], id, true
}

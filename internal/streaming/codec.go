package streaming

import "encoding/json"

// decodeRecord parses a consumed record's JSON payload into the map shape
// catalog.Apply and TransformFunc expect.
func decodeRecord(payload []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// marshalOutput serializes one handler-produced record back to JSON bytes
// for the outgoing message.
func marshalOutput(rec map[string]any) ([]byte, error) {
	return json.Marshal(rec)
}

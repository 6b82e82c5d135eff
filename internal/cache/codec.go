package cache

import (
	"encoding/json"
)

// Codec is the serialization boundary between cached values and stored payloads.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec stores values as JSON documents.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// assignRaw hands the undecoded payload to destinations that can hold it.
func assignRaw(payload []byte, dst any) bool {
	switch d := dst.(type) {
	case *string:
		*d = string(payload)
	case *[]byte:
		*d = append([]byte(nil), payload...)
	case *json.RawMessage:
		*d = append(json.RawMessage(nil), payload...)
	case *any:
		*d = string(payload)
	default:
		return false
	}
	return true
}

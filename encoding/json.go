package encoding

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON is the jsoniter configuration used for every JSON payload. It matches
// encoding/json semantics, including json.Marshaler support.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalJSON encodes v as JSON.
func MarshalJSON(v interface{}) ([]byte, error) {
	return JSON.Marshal(v)
}

// UnmarshalJSON decodes JSON data into v.
func UnmarshalJSON(data []byte, v interface{}) error {
	return JSON.Unmarshal(data, v)
}

// ToJSON renders a payload of the given content type as JSON text. JSON
// payloads are validated and returned unchanged; msgpack payloads are decoded
// loosely and re-encoded.
func ToJSON(contentType string, data []byte) ([]byte, error) {
	codec, err := CodecForContentType(contentType)
	if err != nil {
		return nil, err
	}

	if codec.Name() == CodecJSON {
		if !JSON.Valid(data) {
			return nil, errInvalidJSON
		}
		return data, nil
	}

	var v interface{}
	if err := codec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return MarshalJSON(v)
}

package store

import (
	"encoding/json"
	"fmt"
)

// codecVersion prefixes every stored value. Bumping it lets a future
// decoder branch on the wire format without guessing.
const codecVersion byte = 1

// Encode marshals v into the versioned wire form.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, codecVersion)
	return append(buf, data...), nil
}

// Decode unmarshals the versioned wire form into v.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("decode: empty value")
	}
	if data[0] != codecVersion {
		return fmt.Errorf("decode: unknown codec version %d", data[0])
	}
	if err := json.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

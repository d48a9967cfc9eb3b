package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec uses encoding/json. Encode does not HTML-escape, so payloads handed to the
// child process keep '<', '>' and '&' as written.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a newline; commands are single-line.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// Package codec reads carrier files and turns them into validated envelopes.
//
// Reading is split in two stages so a write still in progress is never confused with a
// producer bug:
//
//	Load:     bytes → UTF-8 → JSON syntax   (failure = ErrIncomplete, retry on next event)
//	Validate: JSON → carrier schema → envelope variant (failure = *SchemaError, log and drop)
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}

// Package codec is the generic serialize/deserialize service used for envelopes and for
// structural coercion of arguments.
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

// Default is the codec spoken on the wire.
var Default Codec = &JSONCodec{}

func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return Default
	}
	return nil
}

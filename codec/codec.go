// Package codec serializes message.RPCMessage frame bodies.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// GetCodec returns the codec for a frame's codec byte. Unknown values fall
// back to binary; the frame decoder has already rejected them.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &BinaryCodec{}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

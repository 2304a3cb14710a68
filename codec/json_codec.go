package codec

import (
	"encoding/json"

	"github.com/jmgilman/go/errors"
)

// JSONCodec uses encoding/json. An RPCMessage exception is written in its
// compact form through ApplicationException.MarshalJSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "JSONCodec: encode")
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "JSONCodec: decode")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

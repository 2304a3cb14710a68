package codec

import (
	"encoding/binary"

	"envelope-rpc/message"

	"github.com/jmgilman/go/errors"
)

// BinaryCodec lays an RPCMessage out as length-prefixed sections:
//
//	u16 len | ServiceMethod | u32 len | Payload | u32 len | Exception (compact JSON)
//
// A zero exception length means no exception.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.Newf(errors.CodeInvalidInput, "BinaryCodec: v must be *RPCMessage, got %T", v)
	}
	if len(msg.ServiceMethod) > 0xFFFF {
		return nil, errors.Newf(errors.CodeInvalidInput, "BinaryCodec: service method too long: %d bytes", len(msg.ServiceMethod))
	}

	var exc []byte
	if msg.Exception != nil {
		exc = []byte(msg.Exception.ToJSONString(false))
	}

	total := 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 4 + len(exc)
	buf := make([]byte, 0, total)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(exc)))
	buf = append(buf, exc...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.Newf(errors.CodeInvalidInput, "BinaryCodec: v must be *RPCMessage, got %T", v)
	}

	r := reader{data: data}
	method := r.next(int(r.u16()))
	payload := r.next(int(r.u32()))
	exc := r.next(int(r.u32()))
	if r.short {
		return errors.Newf(errors.CodeInvalidInput, "BinaryCodec: truncated message (%d bytes)", len(data))
	}

	msg.ServiceMethod = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Exception = nil
	if len(exc) > 0 {
		e, err := message.ParseApplicationException(message.TextInput(string(exc)))
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidInput, "BinaryCodec: bad exception section")
		}
		msg.Exception = e
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks length-prefixed sections and records a short read instead
// of panicking on truncated input.
type reader struct {
	data  []byte
	off   int
	short bool
}

func (r *reader) next(n int) []byte {
	if r.short || n < 0 || len(r.data)-r.off < n {
		r.short = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

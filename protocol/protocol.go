// Package protocol implements the binary frame that carries RPC messages.
//
// A fixed 14-byte header is followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│st│   seq   │ bodyLen │    body ...    │
//	│ erp  │02│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// st is the service call type (call=1, reply=2, exception=3, oneway=4),
// or 0 for a heartbeat frame.
package protocol

import (
	"encoding/binary"
	"io"

	"envelope-rpc/enum"
	"envelope-rpc/message"

	"github.com/jmgilman/go/errors"
)

// Magic bytes "erp" identify a frame and reject stray connections
// (e.g. HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x65 // 'e'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x02
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (callType) + 4 (seq) + 4 (bodyLen)
)

// MaxBodySize bounds the body a frame may announce. Decode rejects larger
// frames before allocating for them.
const MaxBodySize = 16 << 20

// CallTypeHeartbeat tags keepalive frames. It is not a service call type
// and frames carrying it have no body.
const CallTypeHeartbeat message.ServiceCallType = 0

// Codec type constants, mirrored from the codec package to avoid a circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte                    // 0=JSON, 1=Binary
	CallType  message.ServiceCallType // Role of the frame, or CallTypeHeartbeat
	Seq       uint32                  // Matches a response to its request
	BodyLen   uint32
}

// IsHeartbeat reports whether the frame is a keepalive.
func (h *Header) IsHeartbeat() bool {
	return h.CallType == CallTypeHeartbeat
}

// Encode writes a complete frame (header + body) to w.
// Callers sharing w across goroutines must serialize calls, otherwise
// frames from different requests interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if int(h.BodyLen) != len(body) {
		return errors.Newf(errors.CodeInvalidInput, "header announces %d body bytes, got %d", h.BodyLen, len(body))
	}
	if len(body) > MaxBodySize {
		return errors.Newf(errors.CodeInvalidInput, "body of %d bytes exceeds %d", len(body), MaxBodySize)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.CallType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	// One write per frame so a frame never reaches the wire half written
	// when the writer is unbuffered.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type and call type.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Newf(errors.CodeInvalidInput, "invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.Newf(errors.CodeInvalidInput, "unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, errors.Newf(errors.CodeInvalidInput, "unsupported codec type: %d", headerBuf[4])
	}

	callType, err := decodeCallType(headerBuf[5])
	if err != nil {
		return nil, nil, err
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, errors.Newf(errors.CodeInvalidInput, "body of %d bytes exceeds %d", bodyLen, MaxBodySize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		CallType:  callType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

// decodeCallType is strict: a frame of unknown role cannot be interpreted.
func decodeCallType(b byte) (message.ServiceCallType, error) {
	if message.ServiceCallType(b) == CallTypeHeartbeat {
		return CallTypeHeartbeat, nil
	}
	t, res := message.ParseServiceCallType(enum.Number(int64(b)), false)
	if !res.Ok() {
		return 0, errors.Newf(errors.CodeInvalidInput, "unsupported call type: %d", b)
	}
	return t, nil
}

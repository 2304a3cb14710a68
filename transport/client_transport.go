// Package transport implements the client-side transport layer with multiplexing and heartbeat.
//
// ClientTransport runs many concurrent calls over a single TCP connection.
// Each call frame gets a unique sequence number and a background goroutine
// (recvLoop) routes every REPLY or EXCEPTION frame back to its caller.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── reply(seq=2) → pending[2] chan → goroutine-2 wakes up
//
// ONEWAY frames are written and forgotten: they get a sequence number but
// no pending entry, because the server never answers them.
package transport

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"envelope-rpc/codec"
	"envelope-rpc/message"
	"envelope-rpc/protocol"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is how often an idle-or-not transport sends a keepalive frame.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrClosed is returned by Send on a transport whose connection is gone.
var ErrClosed = errors.New(errors.CodeNetwork, "transport closed")

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithLogger sets the transport logger. The default is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval. A non-positive
// interval disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *ClientTransport) {
		t.heartbeat = d
	}
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.CodecType
	seq       uint32     // guarded by sending
	pending   sync.Map   // map[uint32]chan *message.RPCMessage
	sending   sync.Mutex // one frame (header + body) at a time on conn
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewClientTransport wraps conn and starts two background goroutines:
//   - recvLoop reads responses and dispatches them to pending callers
//   - heartbeatLoop sends periodic heartbeat frames to detect dead connections
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     codecType,
		done:      make(chan struct{}),
		heartbeat: DefaultHeartbeatInterval,
		logger:    zap.L(),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Send encodes args into a frame of the given call type and writes it.
//
// For CALL frames the returned channel receives exactly one response: the
// server's REPLY or EXCEPTION, or an INTERNAL_ERROR exception if the
// connection breaks first. For ONEWAY frames the channel is nil.
func (t *ClientTransport) Send(callType message.ServiceCallType, serviceMethod string, args any) (uint32, <-chan *message.RPCMessage, error) {
	if !callType.IsRequest() {
		return 0, nil, errors.Newf(errors.CodeInvalidInput, "cannot send a %s frame from a client", callType)
	}
	if t.closed.Load() {
		return 0, nil, ErrClosed
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, errors.Wrap(err, errors.CodeInvalidInput, "encode args")
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		CallType:  callType,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	var respChan chan *message.RPCMessage
	if callType.ExpectsReply() {
		// Registered before the write so recvLoop cannot miss a fast reply.
		respChan = make(chan *message.RPCMessage, 1)
		t.pending.Store(seq, respChan)
		// recvLoop may have drained pending between the check above and the Store.
		if t.closed.Load() {
			t.pending.Delete(seq)
			return 0, nil, ErrClosed
		}
	}

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, errors.Wrap(err, errors.CodeNetwork, "write frame")
	}
	return seq, respChan, nil
}

// Cancel forgets a pending call, e.g. after its caller gave up waiting.
// A response arriving later is dropped.
func (t *ClientTransport) Cancel(seq uint32) {
	t.pending.Delete(seq)
}

// recvLoop is the only reader of conn, since frame boundaries can only be
// found by reading sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.IsHeartbeat() {
			continue
		}

		channel, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			t.logger.Debug("dropping response without a pending call", zap.Uint32("seq", header.Seq))
			continue
		}
		channel.(chan *message.RPCMessage) <- t.decodeResponse(header, body)
	}
}

// decodeResponse turns a frame into the message delivered to the caller.
// Anything that is not a well-formed REPLY or EXCEPTION becomes an
// exception message so the caller always gets exactly one answer.
func (t *ClientTransport) decodeResponse(header *protocol.Header, body []byte) *message.RPCMessage {
	resp := &message.RPCMessage{}
	switch header.CallType {
	case message.CallTypeReply, message.CallTypeException:
	default:
		return message.NewExceptionMessage("", message.NewApplicationExceptionf(message.ExceptionInvalidMessageType,
			"unexpected %s frame in response to a call", header.CallType))
	}

	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
		return message.NewExceptionMessage("", message.NewApplicationExceptionf(message.ExceptionProtocolError,
			"unable to decode response: %v", err))
	}
	if header.CallType == message.CallTypeException && resp.Exception == nil {
		resp.Exception = message.NewApplicationExceptionf(message.ExceptionUnknown, "exception frame without an exception")
	}
	return resp
}

// fail marks the transport closed and answers every pending caller with
// an INTERNAL_ERROR exception so none of them blocks forever.
func (t *ClientTransport) fail(err error) {
	t.closed.Store(true)
	t.closeOnce.Do(func() { close(t.done) })
	t.conn.Close()
	if !errors.Is(err, net.ErrClosed) {
		t.logger.Warn("connection lost", zap.String("remote", t.conn.RemoteAddr().String()), zap.Error(err))
	}

	exc := message.NewApplicationExceptionf(message.ExceptionInternalError, "connection lost: %v", err)
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		value.(chan *message.RPCMessage) <- message.NewExceptionMessage("", exc)
		return true
	})
}

// Closed reports whether the connection is gone.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Close closes the connection. Pending calls receive an INTERNAL_ERROR exception.
func (t *ClientTransport) Close() error {
	t.closed.Store(true)
	t.closeOnce.Do(func() { close(t.done) })
	return t.conn.Close()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop writes bodyless heartbeat frames so the peer and any
// middlebox see traffic on idle connections.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	header := &protocol.Header{CallType: protocol.CallTypeHeartbeat}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return // recvLoop notices the broken connection
		}
	}
}

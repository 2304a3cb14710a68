package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"envelope-rpc/codec"
	"envelope-rpc/message"
	"envelope-rpc/protocol"
	"envelope-rpc/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct {
	notified atomic.Int32
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("division by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func (a *Arith) Legacy(args *Args, reply *Reply) error {
	return message.NewApplicationExceptionf(message.ExceptionUnsupportedClientType, "client too old")
}

func (a *Arith) Crash(args *Args, reply *Reply) error {
	panic("boom")
}

func (a *Arith) Slow(args *Args, reply *Reply) error {
	time.Sleep(time.Duration(args.A) * time.Millisecond)
	reply.Result = args.A
	return nil
}

func (a *Arith) Notify(args *Args, reply *Reply) error {
	a.notified.Add(1)
	return nil
}

func startServer(t *testing.T, arith *Arith, opts ...Option) (*Server, string) {
	t.Helper()
	svr := NewServer(opts...)
	require.NoError(t, svr.Register(arith))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln, "", nil)
	<-svr.Ready()

	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, codecType byte, callType message.ServiceCallType, seq uint32, serviceMethod string, args any) {
	t.Helper()
	payload, err := json.Marshal(args)
	require.NoError(t, err)
	body, err := codec.GetCodec(codec.CodecType(codecType)).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	require.NoError(t, err)
	sendRaw(t, conn, codecType, callType, seq, body)
}

func sendRaw(t *testing.T, conn net.Conn, codecType byte, callType message.ServiceCallType, seq uint32, body []byte) {
	t.Helper()
	header := protocol.Header{
		CodecType: codecType,
		CallType:  callType,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	require.NoError(t, protocol.Encode(conn, &header, body))
}

func receive(t *testing.T, conn net.Conn) (*protocol.Header, *message.RPCMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	header, body, err := protocol.Decode(conn)
	require.NoError(t, err)

	var resp message.RPCMessage
	require.NoError(t, codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp))
	return header, &resp
}

func TestServerCall(t *testing.T) {
	for _, codecType := range []byte{protocol.CodecTypeJSON, protocol.CodecTypeBinary} {
		t.Run(codec.CodecType(codecType).String(), func(t *testing.T) {
			_, addr := startServer(t, &Arith{}, WithLogger(zap.NewNop()))
			conn := dial(t, addr)

			send(t, conn, codecType, message.CallTypeCall, 123, "Arith.Add", &Args{1, 2})
			header, resp := receive(t, conn)

			assert.Equal(t, uint32(123), header.Seq)
			assert.Equal(t, codecType, header.CodecType)
			assert.Equal(t, message.CallTypeReply, header.CallType)
			require.Nil(t, resp.Exception)

			var reply Reply
			require.NoError(t, json.Unmarshal(resp.Payload, &reply))
			assert.Equal(t, 3, reply.Result)
		})
	}
}

func TestServerExceptions(t *testing.T) {
	_, addr := startServer(t, &Arith{}, WithLogger(zap.NewNop()))

	tests := []struct {
		name          string
		serviceMethod string
		args          any
		wantType      message.ApplicationExceptionType
		wantMessage   string
	}{
		{"unknown service", "Nope.Add", &Args{}, message.ExceptionUnknownMethod, `unknown service "Nope"`},
		{"unknown method", "Arith.Pow", &Args{}, message.ExceptionUnknownMethod, `unknown method "Pow" on service "Arith"`},
		{"malformed service method", "ArithAdd", &Args{}, message.ExceptionUnknownMethod, `invalid service method "ArithAdd"`},
		{"too many dots", "Arith.Add.More", &Args{}, message.ExceptionUnknownMethod, `invalid service method "Arith.Add.More"`},
		{"bad args", "Arith.Add", "not an object", message.ExceptionProtocolError, ""},
		{"handler error", "Arith.Div", &Args{1, 0}, message.ExceptionInternalError, "division by zero"},
		{"application exception", "Arith.Legacy", &Args{}, message.ExceptionUnsupportedClientType, "client too old"},
		{"panic", "Arith.Crash", &Args{}, message.ExceptionInternalError, "panic in Arith.Crash: boom"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, addr)
			send(t, conn, protocol.CodecTypeJSON, message.CallTypeCall, uint32(i+1), tt.serviceMethod, tt.args)
			header, resp := receive(t, conn)

			assert.Equal(t, message.CallTypeException, header.CallType)
			assert.Equal(t, uint32(i+1), header.Seq)
			require.NotNil(t, resp.Exception)
			assert.Equal(t, tt.wantType, resp.Exception.ExceptionType())
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, resp.Exception.Message())
			}
			assert.Equal(t, tt.serviceMethod, resp.ServiceMethod)
		})
	}
}

func TestServerRejectsNonRequestFrames(t *testing.T) {
	_, addr := startServer(t, &Arith{}, WithLogger(zap.NewNop()))
	conn := dial(t, addr)

	for i, callType := range []message.ServiceCallType{message.CallTypeReply, message.CallTypeException} {
		seq := uint32(i + 10)
		send(t, conn, protocol.CodecTypeJSON, callType, seq, "Arith.Add", &Args{1, 2})
		header, resp := receive(t, conn)

		assert.Equal(t, seq, header.Seq)
		assert.Equal(t, message.CallTypeException, header.CallType)
		require.NotNil(t, resp.Exception)
		assert.Equal(t, message.ExceptionInvalidMessageType, resp.Exception.ExceptionType())
	}
}

func TestServerUndecodableBody(t *testing.T) {
	_, addr := startServer(t, &Arith{}, WithLogger(zap.NewNop()))
	conn := dial(t, addr)

	sendRaw(t, conn, protocol.CodecTypeJSON, message.CallTypeCall, 7, []byte("not json"))
	header, resp := receive(t, conn)

	assert.Equal(t, message.CallTypeException, header.CallType)
	require.NotNil(t, resp.Exception)
	assert.Equal(t, message.ExceptionProtocolError, resp.Exception.ExceptionType())
}

func TestServerOneway(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	arith := &Arith{}
	_, addr := startServer(t, arith, WithLogger(zap.New(core)))
	conn := dial(t, addr)

	send(t, conn, protocol.CodecTypeJSON, message.CallTypeOneway, 1, "Arith.Notify", &Args{})
	send(t, conn, protocol.CodecTypeJSON, message.CallTypeOneway, 2, "Arith.Missing", &Args{})
	sendRaw(t, conn, protocol.CodecTypeJSON, protocol.CallTypeHeartbeat, 0, nil)
	send(t, conn, protocol.CodecTypeJSON, message.CallTypeCall, 3, "Arith.Add", &Args{2, 2})

	// Oneway frames and heartbeats are never answered, so the first frame
	// back belongs to the call.
	header, resp := receive(t, conn)
	assert.Equal(t, uint32(3), header.Seq)
	assert.Nil(t, resp.Exception)

	require.Eventually(t, func() bool { return arith.notified.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("oneway call failed").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerRegistryLifecycle(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithLogger(zap.NewNop()))
	require.NoError(t, svr.Register(&Arith{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(ln, addr, reg) }()
	<-svr.Ready()

	instances, err := reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, addr, instances[0].Addr)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-served)

	instances, err = reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestNewServiceRejects(t *testing.T) {
	type empty struct{}
	for name, rcvr := range map[string]any{
		"nil":        nil,
		"struct":     Arith{},
		"no methods": &empty{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewService(rcvr)
			assert.Error(t, err)
		})
	}
}

func TestServerShutdownDrainsConnections(t *testing.T) {
	svr := NewServer(WithLogger(zap.NewNop()))
	require.NoError(t, svr.Register(&Arith{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln, "", nil)
	<-svr.Ready()
	conn := dial(t, ln.Addr().String())

	send(t, conn, protocol.CodecTypeJSON, message.CallTypeCall, 1, "Arith.Slow", &Args{A: 300})
	require.Eventually(t, func() bool {
		svr.mu.Lock()
		defer svr.mu.Unlock()
		return len(svr.conns) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() { shutdown <- svr.Shutdown(2 * time.Second) }()
	require.Eventually(t, svr.shutdown.Load, time.Second, 5*time.Millisecond)

	// Arrives after shutdown began: dropped, never answered.
	send(t, conn, protocol.CodecTypeJSON, message.CallTypeCall, 2, "Arith.Add", &Args{1, 2})

	header, resp := receive(t, conn)
	assert.Equal(t, uint32(1), header.Seq)
	require.Nil(t, resp.Exception)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = protocol.Decode(conn)
	require.Error(t, err, "the connection must close instead of answering seq 2")

	require.NoError(t, <-shutdown)
}

func TestServerShutdownRefusesNewConnections(t *testing.T) {
	svr, addr := startServer(t, &Arith{}, WithLogger(zap.NewNop()))
	conn := dial(t, addr)
	require.NoError(t, svr.Shutdown(time.Second))

	// An idle connection is closed by Shutdown.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := protocol.Decode(conn)
	require.Error(t, err)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

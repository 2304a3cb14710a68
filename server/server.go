// Package server implements the RPC server with service registration, a
// middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each CALL/ONEWAY frame: go handleRequest
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → REPLY or EXCEPTION frame
//
// Every failure the server can attribute to a request is answered with an
// EXCEPTION frame carrying an ApplicationException, never by dropping the
// connection. Only frame-level corruption closes it.
package server

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"envelope-rpc/codec"
	"envelope-rpc/message"
	"envelope-rpc/middleware"
	"envelope-rpc/protocol"
	"envelope-rpc/registry"

	"github.com/jmgilman/go/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RegistrationTTL is the lease, in seconds, of a registry entry.
const RegistrationTTL = 10

// Server registers services and answers calls on a listener.
type Server struct {
	serviceMap    map[string]*service
	listener      net.Listener
	wg            sync.WaitGroup
	shutdown      atomic.Bool
	mu            sync.Mutex            // orders wg.Add against Shutdown's wg.Wait
	conns         map[net.Conn]struct{} // guarded by mu
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	registry      registry.Registry
	advertiseAddr string // Routable address put in the registry, unlike ":8080"
	logger        *zap.Logger
	ready         chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. The default is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
		logger:     zap.L(),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register makes the exported RPC methods of rcvr (e.g. &Arith{}) callable
// as "Arith.Method". Register before Serve.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use appends a middleware. Middlewares run in the order they were added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address, registers every service under advertiseAddr
// when reg is non-nil, and accepts connections until Shutdown.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.listener = listener
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for serviceName := range svr.serviceMap {
			err := reg.Register(context.Background(), serviceName, registry.ServiceInstance{Addr: advertiseAddr}, RegistrationTTL)
			if err != nil {
				listener.Close()
				return errors.Wrapf(err, errors.CodeUnavailable, "register %s at %s", serviceName, advertiseAddr)
			}
		}
	}
	close(svr.ready)
	svr.logger.Info("rpc server listening", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if !svr.track(conn) {
			conn.Close()
			continue
		}
		go svr.handleConn(conn)
	}
}

// track records an open connection, or reports false once Shutdown began.
func (svr *Server) track(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

// beginRequest counts an in-flight request. It refuses once Shutdown has
// started waiting, so wg.Add never races wg.Wait.
func (svr *Server) beginRequest() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

// Ready is closed once the server is accepting connections.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Addr returns the listener address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn reads frames sequentially, as frame boundaries require, and
// processes each request in its own goroutine. All responses on the
// connection share writeMu so frames never interleave. Frames read after
// Shutdown began are dropped; the connection closes once the requests
// already running on it have answered.
func (svr *Server) handleConn(conn net.Conn) {
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			svr.logger.Debug("closing connection", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			return
		}
		if header.IsHeartbeat() {
			continue
		}
		if !svr.beginRequest() {
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			svr.handleRequest(header, body, conn, writeMu)
		}()
	}
}

// handleRequest decodes, dispatches and answers one frame. The protocol
// layer stays outside the middleware chain so middleware only wraps
// business logic.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := message.RPCMessage{}

	var resp *message.RPCMessage
	switch {
	case !header.CallType.IsRequest():
		resp = message.NewExceptionMessage("", message.NewApplicationExceptionf(message.ExceptionInvalidMessageType,
			"invalid call type %s for a request", header.CallType))
	default:
		if err := c.Decode(body, &req); err != nil {
			resp = message.NewExceptionMessage("", message.NewApplicationExceptionf(message.ExceptionProtocolError,
				"unable to decode request: %v", err))
		} else {
			resp = svr.handler(context.Background(), &req)
		}
	}

	if header.CallType == message.CallTypeOneway {
		if resp != nil && resp.Exception != nil {
			svr.logger.Warn("oneway call failed",
				zap.String("service_method", req.ServiceMethod),
				zap.Stringer("exception", resp.Exception),
			)
		}
		return
	}
	if resp == nil {
		resp = message.NewExceptionMessage(req.ServiceMethod,
			message.NewApplicationExceptionf(message.ExceptionMissingResult, "handler returned no response"))
	}
	svr.writeResponse(header, c, resp, conn, writeMu)
}

func (svr *Server) writeResponse(header *protocol.Header, c codec.Codec, resp *message.RPCMessage, conn net.Conn, writeMu *sync.Mutex) {
	result, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("failed to encode response", zap.Uint32("seq", header.Seq), zap.Error(err))
		resp = message.NewExceptionMessage(resp.ServiceMethod, message.NewApplicationExceptionf(message.ExceptionProtocolError,
			"unable to encode response: %v", err))
		if result, err = c.Encode(resp); err != nil {
			return
		}
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		CallType:  resp.ReplyCallType(),
		Seq:       header.Seq, // echoed so the client can route the response
		BodyLen:   uint32(len(result)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Warn("failed to write response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// Shutdown stops the server gracefully:
//  1. deregister every service so clients stop routing here,
//  2. flag the shutdown, then close the listener,
//  3. wait for in-flight requests, at most timeout,
//  4. close the remaining client connections.
//
// Deregistration errors are collected and returned; they do not stop the shutdown.
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	if svr.registry != nil {
		for serviceName := range svr.serviceMap {
			errs = multierr.Append(errs, svr.registry.Deregister(ctx, serviceName, svr.advertiseAddr))
		}
	}

	// The flag goes first: Accept fails as soon as the listener closes.
	// Under mu, so no request is counted once Wait may have started.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	svr.mu.Unlock()
	if svr.listener != nil {
		errs = multierr.Append(errs, svr.listener.Close())
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, errors.New(errors.CodeTimeout, "timeout waiting for ongoing requests to finish"))
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return errs
}

// businessHandler dispatches a request to its service method.
//
// Flow: parse "Service.Method" → find service and method → decode args →
// reflect.Call → encode reply. Each failure maps to an exception type.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	fail := func(t message.ApplicationExceptionType, format string, args ...any) *message.RPCMessage {
		return message.NewExceptionMessage(req.ServiceMethod, message.NewApplicationExceptionf(t, format, args...))
	}

	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" || methodName == "" || strings.Contains(methodName, ".") {
		return fail(message.ExceptionUnknownMethod, "invalid service method %q", req.ServiceMethod)
	}

	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return fail(message.ExceptionUnknownMethod, "unknown service %q", serviceName)
	}
	method, ok := svc.method[methodName]
	if !ok {
		return fail(message.ExceptionUnknownMethod, "unknown method %q on service %q", methodName, serviceName)
	}

	argv := svc.newArg(method)
	replyv := svc.newReply(method)

	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return fail(message.ExceptionProtocolError, "unable to decode args of %s: %v", req.ServiceMethod, err)
	}

	if err := svc.Call(method, argv, replyv); err != nil {
		if exc, ok := message.AsApplicationException(err); ok {
			return message.NewExceptionMessage(req.ServiceMethod, exc)
		}
		return fail(message.ExceptionInternalError, "%v", err)
	}

	replyMessage, err := json.Marshal(replyv.Interface())
	if err != nil {
		return fail(message.ExceptionProtocolError, "unable to encode reply of %s: %v", req.ServiceMethod, err)
	}
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyMessage,
	}
}

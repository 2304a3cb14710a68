// Package client calls remote services found through a registry.
//
//	Call → middleware chain → roundTrip:
//	  Discover(service) → Balancer.Pick → Pool.Get → ClientTransport.Send(CALL) → wait
//
// Every failure, local or remote, reaches the caller as an
// *message.ApplicationException, so callers inspect one error shape.
package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"envelope-rpc/codec"
	"envelope-rpc/loadbalance"
	"envelope-rpc/message"
	"envelope-rpc/middleware"
	"envelope-rpc/registry"
	"envelope-rpc/transport"

	"github.com/jmgilman/go/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds the client settings. Start from DefaultConfig.
type Config struct {
	// CodecType encodes request bodies. Responses use whatever the server sent.
	CodecType codec.CodecType

	// PoolSize is the number of multiplexed connections per server address.
	PoolSize int

	// Timeout bounds a Call whose context has no deadline. Zero disables it.
	Timeout time.Duration

	// HeartbeatInterval is passed to every transport. Zero or negative disables heartbeats.
	HeartbeatInterval time.Duration

	// Logger defaults to zap.L().
	Logger *zap.Logger
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		CodecType:         codec.CodecTypeJSON,
		PoolSize:          4,
		Timeout:           5 * time.Second,
		HeartbeatInterval: transport.DefaultHeartbeatInterval,
	}
}

// Client discovers instances on every call, so registry changes take
// effect immediately.
type Client struct {
	registry    registry.Registry
	balancer    loadbalance.Balancer
	cfg         Config
	logger      *zap.Logger
	middlewares []middleware.Middleware

	mu      sync.Mutex
	pools   map[string]*transport.Pool // one pool per server address
	handler middleware.HandlerFunc
	closed  bool
}

// NewClient creates a client. A nil balancer means round robin.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, cfg Config) *Client {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Client{
		registry: reg,
		balancer: bal,
		cfg:      cfg,
		logger:   logger,
		pools:    make(map[string]*transport.Pool),
	}
}

// Use appends a middleware around the network round trip of Call. Add
// all middlewares before the first Call.
func (c *Client) Use(mw middleware.Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mw)
	c.handler = nil
}

type routingKey struct{}

// WithRoutingKey sets the key a key-based balancer hashes for calls made
// with ctx. Without it the service method name is used.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKey{}, key)
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the
// result into reply. A non-nil error is always an *message.ApplicationException.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return message.NewApplicationExceptionf(message.ExceptionProtocolError, "unable to encode args: %v", err)
	}

	req := &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}
	resp := c.chain()(ctx, req)
	if resp == nil {
		return message.NewApplicationExceptionf(message.ExceptionMissingResult, "%s returned no response", serviceMethod)
	}
	if resp.Exception != nil {
		return resp.Exception
	}
	if resp.ServiceMethod != serviceMethod {
		return message.NewApplicationExceptionf(message.ExceptionWrongMethodName,
			"reply for %q to a call of %q", resp.ServiceMethod, serviceMethod)
	}
	if len(resp.Payload) == 0 {
		return message.NewApplicationExceptionf(message.ExceptionMissingResult, "%s returned an empty result", serviceMethod)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return message.NewApplicationExceptionf(message.ExceptionProtocolError, "unable to decode reply of %s: %v", serviceMethod, err)
	}
	return nil
}

// Notify sends a one-way call and returns once the frame is written. The
// server never answers, so handler failures are not reported back.
func (c *Client) Notify(ctx context.Context, serviceMethod string, args any) error {
	t, err := c.transportFor(ctx, serviceMethod)
	if err != nil {
		return err
	}
	if _, _, err := t.Send(message.CallTypeOneway, serviceMethod, args); err != nil {
		return message.NewApplicationExceptionf(message.ExceptionInternalError, "notify %s: %v", serviceMethod, err)
	}
	return nil
}

// Close closes every pooled connection. The client cannot be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	var errs error
	for addr, p := range c.pools {
		errs = multierr.Append(errs, p.Close())
		delete(c.pools, addr)
	}
	return errs
}

func (c *Client) chain() middleware.HandlerFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
	}
	return c.handler
}

// roundTrip is the innermost handler: one CALL frame out, one response back.
func (c *Client) roundTrip(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	t, err := c.transportFor(ctx, req.ServiceMethod)
	if err != nil {
		exc, _ := message.AsApplicationException(err)
		return message.NewExceptionMessage(req.ServiceMethod, exc)
	}

	seq, ch, err := t.Send(message.CallTypeCall, req.ServiceMethod, json.RawMessage(req.Payload))
	if err != nil {
		return message.NewExceptionMessage(req.ServiceMethod,
			message.NewApplicationExceptionf(message.ExceptionInternalError, "send %s: %v", req.ServiceMethod, err))
	}

	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		t.Cancel(seq)
		return message.NewExceptionMessage(req.ServiceMethod,
			message.NewApplicationExceptionf(message.ExceptionInternalError, "call %s timed out: %v", req.ServiceMethod, ctx.Err()))
	}
}

// transportFor resolves serviceMethod to a live transport. Its errors are
// always *message.ApplicationException.
func (c *Client) transportFor(ctx context.Context, serviceMethod string) (*transport.ClientTransport, error) {
	serviceName, methodName, ok := strings.Cut(serviceMethod, ".")
	if !ok || serviceName == "" || methodName == "" {
		return nil, message.NewApplicationExceptionf(message.ExceptionUnknownMethod, "invalid service method %q", serviceMethod)
	}

	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, message.NewApplicationExceptionf(message.ExceptionInternalError, "discover %s: %v", serviceName, err)
	}

	key, _ := ctx.Value(routingKey{}).(string)
	if key == "" {
		key = serviceMethod
	}
	instance, err := c.balancer.Pick(key, instances)
	if err != nil {
		return nil, message.NewApplicationExceptionf(message.ExceptionInternalError, "pick instance of %s: %v", serviceName, err)
	}

	p, err := c.pool(instance.Addr)
	if err != nil {
		return nil, message.NewApplicationExceptionf(message.ExceptionInternalError, "%v", err)
	}
	t, err := p.Get()
	if err != nil {
		c.logger.Warn("no connection to instance",
			zap.String("service_method", serviceMethod),
			zap.String("addr", instance.Addr),
			zap.Error(err),
		)
		return nil, message.NewApplicationExceptionf(message.ExceptionInternalError, "connect %s: %v", instance.Addr, err)
	}
	return t, nil
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New(errors.CodeUnavailable, "client closed")
	}
	p, ok := c.pools[addr]
	if !ok {
		dial := transport.DialTCP(addr, c.cfg.CodecType,
			transport.WithLogger(c.logger),
			transport.WithHeartbeatInterval(c.cfg.HeartbeatInterval),
		)
		p = transport.NewPool(addr, c.cfg.PoolSize, dial)
		c.pools[addr] = p
	}
	return p, nil
}

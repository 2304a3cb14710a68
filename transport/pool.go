package transport

import (
	"net"
	"sync"

	"envelope-rpc/codec"

	"github.com/jmgilman/go/errors"
	"go.uber.org/multierr"
)

// Pool keeps up to size multiplexed transports to one address and hands
// them out in round-robin order. Transports are shared, not borrowed:
// every caller may Send on the one it gets.
//
// Connections are created lazily and a transport found closed is redialed
// in place, so a restarted server is picked up on the next Get.
type Pool struct {
	mu         sync.Mutex
	addr       string
	size       int
	next       int
	closed     bool
	transports []*ClientTransport
	dial       func() (*ClientTransport, error)
}

// NewPool creates a pool of at most size transports to addr. dial builds
// one transport; Get calls it under the pool lock.
func NewPool(addr string, size int, dial func() (*ClientTransport, error)) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		addr: addr,
		size: size,
		dial: dial,
	}
}

// DialTCP returns a dial function for NewPool that opens a TCP connection
// and wraps it in a ClientTransport.
func DialTCP(addr string, codecType codec.CodecType, opts ...Option) func() (*ClientTransport, error) {
	return func() (*ClientTransport, error) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeNetwork, "dial %s", addr)
		}
		return NewClientTransport(conn, codecType, opts...), nil
	}
}

// Get returns a live transport:
//  1. below size, dial a new one
//  2. otherwise take the next one in round-robin order
//  3. if that one is closed, replace it
func (p *Pool) Get() (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	if len(p.transports) < p.size {
		t, err := p.dial()
		if err != nil {
			return nil, err
		}
		p.transports = append(p.transports, t)
		return t, nil
	}

	idx := p.next % len(p.transports)
	p.next++
	t := p.transports[idx]
	if !t.Closed() {
		return t, nil
	}

	t, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.transports[idx] = t
	return t, nil
}

// Len returns the number of transports created so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// Addr returns the address the pool dials.
func (p *Pool) Addr() string {
	return p.addr
}

// Close closes every transport. Later Gets fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs error
	for _, t := range p.transports {
		if !t.Closed() {
			errs = multierr.Append(errs, t.Close())
		}
	}
	p.transports = nil
	return errs
}

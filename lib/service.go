package lib

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Service is a listening endpoint. Connections are created in LISTEN on
// an inbound SYN, tracked here while they complete the handshake, and
// queued for Accept once ESTABLISHED.
type Service struct {
	stack   *Stack
	local   netip.AddrPort
	backlog int
	log     *logrus.Entry

	mu       sync.Mutex
	waitCh   chan struct{}
	synQueue map[connKey]*Connection // handshake in progress
	ready    []*Connection           // established, not yet accepted
	closed   bool
}

func newService(s *Stack, local netip.AddrPort, backlog int) *Service {
	return &Service{
		stack:    s,
		local:    local,
		backlog:  backlog,
		log:      s.log.WithField("listener", local.String()),
		waitCh:   make(chan struct{}),
		synQueue: make(map[connKey]*Connection),
	}
}

// Addr returns the local endpoint.
func (l *Service) Addr() net.Addr { return net.TCPAddrFromAddrPort(l.local) }

func (l *Service) AddrPort() netip.AddrPort { return l.local }

func (l *Service) wakeup() {
	close(l.waitCh)
	l.waitCh = make(chan struct{})
}

// handleSyn creates a connection for a new peer and hands it the SYN.
func (l *Service) handleSyn(key connKey, seg *Segment) Delivery {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Dropped
	}
	if len(l.synQueue)+len(l.ready) >= l.backlog {
		l.mu.Unlock()
		l.log.Debug("backlog full, dropping SYN")
		l.stack.stats.Dropped.Add(1)
		return Dropped
	}
	c := newConnection(l.stack, key, &l.stack.cfg.Connection)
	c.parent = l
	c.state = StateListen
	if err := l.stack.registry.add(c); err != nil {
		// a retransmitted SYN raced us to it
		l.mu.Unlock()
		if existing := l.stack.registry.lookup(key); existing != nil {
			return existing.deliver(seg)
		}
		return Dropped
	}
	l.synQueue[key] = c
	l.mu.Unlock()

	l.stack.stats.PassiveOpens.Add(1)
	return c.deliver(seg)
}

// established moves c to the accept queue. Called with c locked.
func (l *Service) established(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	delete(l.synQueue, c.key)
	l.ready = append(l.ready, c)
	l.wakeup()
}

// forget drops c from both queues. Called with c locked.
func (l *Service) forget(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.synQueue, c.key)
	for i, r := range l.ready {
		if r == c {
			l.ready = append(l.ready[:i], l.ready[i+1:]...)
			break
		}
	}
}

// Accept waits for an established connection.
func (l *Service) Accept(ctx context.Context) (*Connection, error) {
	l.mu.Lock()
	for {
		if l.closed {
			l.mu.Unlock()
			return nil, ErrListenerClosed
		}
		if len(l.ready) > 0 {
			break
		}
		ch := l.waitCh
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, errors.Wrap(ErrInterrupted, ctx.Err().Error())
		}
		l.mu.Lock()
	}
	c := l.ready[0]
	l.ready[0] = nil
	l.ready = l.ready[1:]
	l.mu.Unlock()

	c.lock()
	c.parent = nil
	c.unlock()
	l.log.WithField("peer", c.key.remote.String()).Debug("connection accepted")
	return c, nil
}

// Pending returns the number of connections waiting for Accept.
func (l *Service) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready)
}

// Close stops listening. Connections not yet accepted are reset and
// aborted.
func (l *Service) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	orphans := append([]*Connection(nil), l.ready...)
	for _, c := range l.synQueue {
		orphans = append(orphans, c)
	}
	l.ready = nil
	l.synQueue = make(map[connKey]*Connection)
	l.wakeup()
	l.mu.Unlock()

	l.stack.registry.removeListener(l)
	for _, c := range orphans {
		c.lock()
		c.sendReset()
		c.abort(ErrNotConnected)
		c.unlock()
	}
	l.log.WithField("aborted", len(orphans)).Info("listener closed")
	return nil
}

// Package ipnet provides IP layers for a streamtcp stack: an in-memory
// network for tests and simulations and a raw IPv4 socket network.
package ipnet

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler receives one packet. It owns payload.
type Handler func(src, dst netip.Addr, payload []byte)

// Packet is a datagram travelling through a Loopback.
type Packet struct {
	Src, Dst netip.Addr
	Payload  []byte
}

// Verdict is what a filter decides for a packet.
type Verdict int

const (
	Deliver   Verdict = iota
	Drop              // lose it
	Duplicate         // deliver it twice
	Hold              // keep it until Release
)

// Filter inspects every packet written to a Loopback. It runs on the
// writer's goroutine and must not write packets itself.
type Filter func(Packet) Verdict

// Loopback is an in-memory network. Packets are delivered in order by a
// single goroutine, so writers never block on the receiving side. A
// filter can lose, duplicate or hold packets; held packets are released
// in reverse order, which reorders them.
type Loopback struct {
	mtu int
	log logrus.FieldLogger

	mu       sync.Mutex
	handlers map[netip.Addr]Handler
	filter   Filter
	pending  []Packet
	held     []Packet
	paused   bool
	closed   bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewLoopback(mtu int, logger logrus.FieldLogger) *Loopback {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &Loopback{
		mtu:      mtu,
		log:      logger.WithField("net", "loopback"),
		handlers: make(map[netip.Addr]Handler),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Attach registers h for packets sent to addr. The unspecified address
// catches packets no other handler claims.
func (l *Loopback) Attach(addr netip.Addr, h func(src, dst netip.Addr, payload []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("loopback closed")
	}
	if _, ok := l.handlers[addr]; ok {
		return errors.Errorf("address %s already attached", addr)
	}
	l.handlers[addr] = h
	return nil
}

func (l *Loopback) Detach(addr netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, addr)
}

func (l *Loopback) MTU(netip.Addr) int { return l.mtu }

// WritePacket queues a copy of payload for delivery.
func (l *Loopback) WritePacket(src, dst netip.Addr, payload []byte) error {
	if len(payload)+20 > l.mtu {
		return errors.Errorf("packet of %d bytes exceeds mtu %d", len(payload)+20, l.mtu)
	}
	p := Packet{Src: src, Dst: dst, Payload: append([]byte(nil), payload...)}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("loopback closed")
	}
	v := Deliver
	if l.filter != nil {
		v = l.filter(p)
	}
	switch v {
	case Drop:
		l.dropped.Add(1)
		return nil
	case Hold:
		l.held = append(l.held, p)
		return nil
	case Duplicate:
		dup := p
		dup.Payload = append([]byte(nil), p.Payload...)
		l.enqueue(dup)
	}
	l.enqueue(p)
	return nil
}

func (l *Loopback) enqueue(p Packet) {
	l.pending = append(l.pending, p)
	if l.paused {
		return
	}
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// SetFilter installs f; nil delivers everything.
func (l *Loopback) SetFilter(f Filter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
}

// Release delivers held packets, last held first.
func (l *Loopback) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.held) - 1; i >= 0; i-- {
		l.enqueue(l.held[i])
	}
	l.held = nil
}

// Pause stops delivery; packets keep queueing until Resume.
func (l *Loopback) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

func (l *Loopback) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Counters returns how many packets were delivered and dropped.
func (l *Loopback) Counters() (delivered, dropped int64) {
	return l.delivered.Load(), l.dropped.Load()
}

func (l *Loopback) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.notify:
		}
		for {
			l.mu.Lock()
			if l.paused || len(l.pending) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()

			for _, p := range batch {
				l.deliver(p)
			}
		}
	}
}

func (l *Loopback) deliver(p Packet) {
	l.mu.Lock()
	h, ok := l.handlers[p.Dst]
	if !ok {
		h, ok = l.handlers[netip.IPv4Unspecified()]
	}
	l.mu.Unlock()
	if !ok {
		l.dropped.Add(1)
		l.log.WithField("dst", p.Dst).Debug("no handler, dropping packet")
		return
	}
	l.delivered.Add(1)
	h(p.Src, p.Dst, p.Payload)
}

// Close stops delivery. Queued packets are discarded.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	l.wg.Wait()
	return nil
}

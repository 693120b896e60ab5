package lib

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Delivery tells the network side what happened to an inbound segment.
type Delivery int

const (
	Applied  Delivery = iota // processed before deliver returned
	Deferred                 // left on the backlog for the current lock holder
	Dropped                  // backlog overflow
)

func (d Delivery) String() string {
	switch d {
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	default:
		return "dropped"
	}
}

const maxBacklog = 1024

// inbox holds segments that arrived while the connection lock was taken.
type inbox struct {
	mu   sync.Mutex
	segs []*Segment
}

func (b *inbox) push(s *Segment) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.segs) >= maxBacklog {
		return false
	}
	b.segs = append(b.segs, s)
	return true
}

func (b *inbox) take() []*Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	segs := b.segs
	b.segs = nil
	return segs
}

func (b *inbox) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segs) == 0
}

type urgState int

const (
	urgNone   urgState = iota
	urgNotYet          // pointer seen, byte not arrived
	urgValid           // byte captured, not read
	urgRead            // byte consumed by an out-of-band read
)

// ShutdownHow selects the direction(s) closed by Shutdown.
type ShutdownHow int

const (
	ShutdownRecv ShutdownHow = 1 << iota
	ShutdownSend
	ShutdownBoth = ShutdownRecv | ShutdownSend
)

// Connection is the control block of one TCP connection. Every mutable
// field is guarded by mu. Inbound segments never block on mu: they go
// through the backlog and are applied by whoever holds the lock.
type Connection struct {
	stack     *Stack
	key       connKey
	config    *config.ConnectionConfig
	log       *logrus.Entry
	parent    *Service // listener that created us, until accepted
	ephemeral bool     // local port came from the port pool
	bound     netip.AddrPort

	mu      sync.Mutex
	backlog inbox
	waitCh  chan struct{} // closed and replaced on every change

	state      State
	shutdown   ShutdownHow
	err        error // pending error, reported once
	softErr    error
	done       bool // end of stream has been reported
	synced     bool // reached ESTABLISHED at least once
	dead       bool // closed by the application
	destroyed  bool

	// send side
	iss, sndUna, sndNxt, writeSeq uint32
	sndWnd, maxSndWnd             uint32
	sndWl1, sndWl2                uint32
	cwnd                          uint32
	mss, userMSS                  int
	sndBuf                        int
	noDelay                       bool
	finQueued                     bool
	finSeq                        uint32
	partial                       *Segment
	writeQueue                    []*Segment
	rtxQueue                      []*Segment

	// receive side
	irs, rcvNxt, rcvAdv, copiedSeq uint32
	rcvBuf                         int
	rcvQueue                       *recvQueue
	finRcvd                        bool
	urgSeq                         uint32
	urgState                       urgState
	urgByte                        byte

	// timers and their state
	rtxTimer, persistTimer, waitTimer, partialTimer, keepTimer connTimer

	rto, srtt                   time.Duration
	retries                     int
	probes                      int
	keepProbes                  int
	lastRecv                    time.Time
	readDeadline, writeDeadline time.Time
}

func newConnection(s *Stack, key connKey, cfg *config.ConnectionConfig) *Connection {
	c := &Connection{
		stack:    s,
		key:      key,
		config:   cfg,
		log:      s.log.WithField("conn", key.String()),
		waitCh:   make(chan struct{}),
		state:    StateClosed,
		sndBuf:   cfg.SendBufferSize,
		rcvBuf:   min(cfg.RecvBufferSize, MaxWindow),
		noDelay:  cfg.NoDelay,
		rcvQueue: newRecvQueue(),
		rto:      cfg.InitialRTO.D(),
	}
	c.mss = c.advertisedMSS()
	return c
}

func (c *Connection) lock() {
	c.mu.Lock()
}

// unlock applies everything that queued up on the backlog while we held
// the lock, then releases it. A segment pushed after the last drain but
// before Unlock is picked up by the TryLock retry.
func (c *Connection) unlock() {
	for {
		c.processBacklog()
		c.mu.Unlock()
		if c.backlog.empty() || !c.mu.TryLock() {
			return
		}
	}
}

func (c *Connection) processBacklog() {
	for {
		segs := c.backlog.take()
		if len(segs) == 0 {
			return
		}
		for _, seg := range segs {
			c.segmentArrives(seg)
		}
	}
}

// deliver is the try-lock-or-defer entry point for inbound segments.
func (c *Connection) deliver(seg *Segment) Delivery {
	if !c.backlog.push(seg) {
		c.stack.stats.Dropped.Add(1)
		return Dropped
	}
	if !c.mu.TryLock() {
		return Deferred
	}
	c.unlock()
	return Applied
}

func (c *Connection) wakeup() {
	close(c.waitCh)
	c.waitCh = make(chan struct{})
}

// sleep releases the lock until the connection changes, ctx is done or the
// deadline passes. Callers must re-check their condition afterwards.
func (c *Connection) sleep(ctx context.Context, deadline time.Time, extra <-chan struct{}) error {
	ch := c.waitCh
	c.unlock()

	var expire <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expire = t.C
	}

	var err error
	select {
	case <-ch:
	case <-extra:
	case <-ctx.Done():
		err = errors.Wrap(ErrInterrupted, ctx.Err().Error())
	case <-expire:
		err = &TimeoutError{msg: "i/o timeout"}
	}
	c.lock()
	return err
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	old := c.state
	c.state = s
	c.log.Debugf("state %s -> %s", old, s)
	if h := c.stack.stateHook; h != nil {
		h(c.key.local, c.key.remote, old, s)
	}
	c.wakeup()
}

// sockError drains the pending error slot.
func (c *Connection) sockError() error {
	err := c.err
	c.err = nil
	return err
}

// outstanding reports whether transmitted data is still unacknowledged.
func (c *Connection) outstanding() bool {
	return c.sndNxt != c.sndUna
}

// finAcked reports whether our FIN has been acknowledged.
func (c *Connection) finAcked() bool {
	return c.finQueued && isGreater(c.sndUna, c.finSeq)
}

// advertisedMSS never exceeds what the path carries, even when the path
// is below MinMSS.
func (c *Connection) advertisedMSS() int {
	mss := max(c.stack.pool.chunkSize, MinMSS)
	if c.userMSS > 0 {
		mss = min(mss, c.userMSS)
	}
	if mtu := c.stack.net.MTU(c.key.remote.Addr()); mtu > 0 {
		mss = min(mss, mtu-IpHeaderLength-TcpHeaderLength)
	}
	return max(mss, 1)
}

// State returns the current protocol state.
func (c *Connection) State() State {
	c.lock()
	defer c.unlock()
	return c.state
}

func (c *Connection) LocalAddrPort() netip.AddrPort  { return c.key.local }
func (c *Connection) RemoteAddrPort() netip.AddrPort { return c.key.remote }

func (c *Connection) LocalAddr() net.Addr  { return net.TCPAddrFromAddrPort(c.key.local) }
func (c *Connection) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.key.remote) }

// MSS returns the segment size in use.
func (c *Connection) MSS() int {
	c.lock()
	defer c.unlock()
	return c.mss
}

// SetMSS overrides the segment size. It only takes effect before the
// handshake completes and is clamped to what the path and the payload
// chunks allow.
func (c *Connection) SetMSS(mss int) error {
	c.lock()
	defer c.unlock()
	if c.state.synchronized() || c.state == StateSynReceived {
		return errors.Wrapf(ErrInvalidState, "set mss in %s", c.state)
	}
	if mss < MinMSS {
		return errors.Errorf("mss %d below minimum %d", mss, MinMSS)
	}
	c.userMSS = mss
	c.mss = c.advertisedMSS()
	return nil
}

// SetNoDelay disables Nagle coalescing. Turning it on flushes the partial
// segment right away.
func (c *Connection) SetNoDelay(on bool) {
	c.lock()
	defer c.unlock()
	c.noDelay = on
	if on {
		c.sendPartial()
	}
}

func (c *Connection) SetDeadline(t time.Time) error {
	c.lock()
	defer c.unlock()
	c.readDeadline, c.writeDeadline = t, t
	c.wakeup()
	return nil
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	c.lock()
	defer c.unlock()
	c.readDeadline = t
	c.wakeup()
	return nil
}

func (c *Connection) SetWriteDeadline(t time.Time) error {
	c.lock()
	defer c.unlock()
	c.writeDeadline = t
	c.wakeup()
	return nil
}

// Readable returns the number of bytes a read could return right now.
func (c *Connection) Readable() int {
	c.lock()
	defer c.unlock()
	return c.readable()
}

// Unsent returns the bytes accepted by Send and not yet acknowledged.
func (c *Connection) Unsent() int {
	c.lock()
	defer c.unlock()
	return c.sendQueued()
}

// AtMark reports whether the read cursor sits on the urgent byte.
func (c *Connection) AtMark() bool {
	c.lock()
	defer c.unlock()
	return c.urgState != urgNone && c.urgSeq == c.copiedSeq
}

// WaitConnected blocks until the handshake completes or fails.
func (c *Connection) WaitConnected(ctx context.Context) error {
	c.lock()
	defer c.unlock()
	for {
		if c.state.synchronized() {
			return nil
		}
		if err := c.sockError(); err != nil {
			return err
		}
		if c.state == StateClosed {
			return ErrNotConnected
		}
		if err := c.sleep(ctx, time.Time{}, nil); err != nil {
			return err
		}
	}
}

// Info is a snapshot of the sequence bookkeeping.
type Info struct {
	State              State
	SndUna, SndNxt     uint32
	SndWnd, Cwnd       uint32
	RcvNxt, RcvWnd     uint32
	MSS                int
	RTO                time.Duration
	Retries            int
	ReceiveQueueBytes  int
	SendQueueBytes     int
	OutOfOrderSegments int
}

func (c *Connection) Info() Info {
	c.lock()
	defer c.unlock()
	return Info{
		State:              c.state,
		SndUna:             c.sndUna,
		SndNxt:             c.sndNxt,
		SndWnd:             c.sndWnd,
		Cwnd:               c.cwnd,
		RcvNxt:             c.rcvNxt,
		RcvWnd:             uint32(c.rcvWindow()),
		MSS:                c.mss,
		RTO:                c.rto,
		Retries:            c.retries,
		ReceiveQueueBytes:  c.rcvQueue.bytes,
		SendQueueBytes:     c.sendQueued(),
		OutOfOrderSegments: c.rcvQueue.outOfOrder(c.rcvNxt),
	}
}

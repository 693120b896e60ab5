package lib

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Network is the IP layer underneath a stack. Payloads are complete TCP
// segments; the handler owns the slice it is given.
type Network interface {
	Attach(addr netip.Addr, h func(src, dst netip.Addr, payload []byte)) error
	Detach(addr netip.Addr)
	WritePacket(src, dst netip.Addr, payload []byte) error
	MTU(dst netip.Addr) int
}

// Stats are cumulative counters for one stack.
type Stats struct {
	SegmentsIn     atomic.Int64
	SegmentsOut    atomic.Int64
	Retransmits    atomic.Int64
	ResetsSent     atomic.Int64
	ResetsReceived atomic.Int64
	ResetsLimited  atomic.Int64
	BadSegments    atomic.Int64
	Dropped        atomic.Int64
	Probes         atomic.Int64
	ActiveOpens    atomic.Int64
	PassiveOpens   atomic.Int64
}

// StatsSnapshot is a copy of Stats at one point in time.
type StatsSnapshot struct {
	SegmentsIn, SegmentsOut    int64
	Retransmits                int64
	ResetsSent, ResetsReceived int64
	ResetsLimited              int64
	BadSegments, Dropped       int64
	Probes                     int64
	ActiveOpens, PassiveOpens  int64
	PayloadChunksInUse         int
}

// StateHook observes every state transition of every connection. It runs
// with the connection locked and must not call back into the connection.
type StateHook func(local, remote netip.AddrPort, from, to State)

// Stack ties connections, listeners and the payload pool to a network.
type Stack struct {
	cfg       *config.Config
	net       Network
	log       logrus.FieldLogger
	registry  *Registry
	pool      *payloadPool
	ports     *PortPool
	stats     Stats
	stateHook StateHook
	rstLimit  *rate.Limiter

	mu       sync.Mutex
	attached map[netip.Addr]bool
	closed   bool
}

type StackOption func(*Stack)

// WithRegistry makes the stack use r instead of a private registry.
func WithRegistry(r *Registry) StackOption {
	return func(s *Stack) { s.registry = r }
}

func WithStateHook(h StateHook) StackOption {
	return func(s *Stack) { s.stateHook = h }
}

func NewStack(cfg *config.Config, network Network, logger logrus.FieldLogger, opts ...StackOption) (*Stack, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if network == nil {
		return nil, errors.New("nil network")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Stack{
		cfg:      cfg,
		net:      network,
		log:      logger,
		pool:     newPayloadPool(&cfg.Core),
		ports:    NewPortPool(uint16(cfg.Core.ClientPortLower), uint16(cfg.Core.ClientPortUpper)),
		attached: make(map[netip.Addr]bool),
		rstLimit: rate.NewLimiter(rate.Inf, 0),
	}
	if cfg.Core.ResetRate > 0 {
		s.rstLimit = rate.NewLimiter(rate.Limit(cfg.Core.ResetRate), cfg.Core.ResetBurst)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	s.log.WithFields(logrus.Fields{
		"pool": cfg.Core.PayloadPoolSize,
		"mss":  cfg.Core.PreferredMSS,
	}).Debug("stack started")
	return s, nil
}

// Config returns the configuration the stack was built with.
func (s *Stack) Config() *config.Config { return s.cfg }

func (s *Stack) Registry() *Registry { return s.registry }

func (s *Stack) attach(addr netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stack is closed")
	}
	if s.attached[addr] {
		return nil
	}
	if err := s.net.Attach(addr, s.receive); err != nil {
		return errors.Wrapf(err, "attach %s", addr)
	}
	s.attached[addr] = true
	return nil
}

func (s *Stack) receive(src, dst netip.Addr, payload []byte) {
	s.Input(src, dst, payload)
}

// Input demultiplexes one inbound segment. It never blocks on a
// connection lock.
func (s *Stack) Input(src, dst netip.Addr, data []byte) Delivery {
	seg, err := UnmarshalSegment(data, src, dst)
	if err != nil {
		s.stats.BadSegments.Add(1)
		s.log.WithError(err).WithField("src", src).Debug("dropping malformed segment")
		return Dropped
	}
	s.stats.SegmentsIn.Add(1)

	key := connKey{
		local:  netip.AddrPortFrom(dst, seg.DstPort),
		remote: netip.AddrPortFrom(src, seg.SrcPort),
	}
	if c := s.registry.lookup(key); c != nil {
		return c.deliver(seg)
	}
	if seg.has(SYNFlag) && !seg.has(ACKFlag) && !seg.has(RSTFlag) {
		if l := s.registry.listener(key.local); l != nil {
			return l.handleSyn(key, seg)
		}
	}
	s.sendResetFor(key, seg)
	return Dropped
}

// sendResetFor answers seg with a reset built from its own fields. A reset
// is never answered, and a flood of strays gets at most ResetRate answers
// per second.
func (s *Stack) sendResetFor(key connKey, seg *Segment) {
	if seg.has(RSTFlag) {
		return
	}
	if !s.rstLimit.Allow() {
		s.stats.ResetsLimited.Add(1)
		return
	}
	rst := &Segment{Flags: RSTFlag}
	if seg.has(ACKFlag) {
		rst.Seq = seg.Ack
	} else {
		rst.Flags |= ACKFlag
		rst.Ack = seg.Seq + seg.SeqLen()
	}
	rst.SrcPort = key.local.Port()
	rst.DstPort = key.remote.Port()
	s.stats.ResetsSent.Add(1)
	s.output(key, rst)
}

func (s *Stack) output(key connKey, seg *Segment) {
	b, err := seg.Marshal(key.local.Addr(), key.remote.Addr())
	if err != nil {
		s.log.WithError(err).WithField("conn", key.String()).Error("marshal segment")
		return
	}
	if err := s.net.WritePacket(key.local.Addr(), key.remote.Addr(), b); err != nil {
		s.log.WithError(err).WithField("conn", key.String()).Debug("write packet")
		return
	}
	s.stats.SegmentsOut.Add(1)
}

// bindLocal picks the local endpoint for an active open. Port 0 takes an
// ephemeral port.
func (s *Stack) bindLocal(local, remote netip.AddrPort) (connKey, bool, error) {
	if !local.Addr().IsValid() || local.Addr().IsUnspecified() {
		return connKey{}, false, errors.Errorf("active open needs a local address, got %s", local)
	}
	if !remote.IsValid() || remote.Port() == 0 {
		return connKey{}, false, errors.Errorf("invalid remote address %s", remote)
	}
	if err := s.attach(local.Addr()); err != nil {
		return connKey{}, false, err
	}
	if local.Port() != 0 {
		return connKey{local: local, remote: remote}, false, nil
	}
	// skip pool ports someone bound explicitly, e.g. a listener
	var skipped []uint16
	defer func() {
		for _, p := range skipped {
			s.ports.Put(p)
		}
	}()
	for {
		port, err := s.ports.Get()
		if err != nil {
			return connKey{}, false, err
		}
		ep := netip.AddrPortFrom(local.Addr(), port)
		if !s.registry.inUse(ep) {
			return connKey{local: ep, remote: remote}, true, nil
		}
		skipped = append(skipped, port)
	}
}

// NewSocket returns an unconnected stream socket.
func (s *Stack) NewSocket() *Connection {
	return newConnection(s, connKey{}, &s.cfg.Connection)
}

// Dial opens a connection and waits for the handshake.
func (s *Stack) Dial(ctx context.Context, local, remote netip.AddrPort) (*Connection, error) {
	c := s.NewSocket()
	if err := c.Bind(local); err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, remote); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// DialNonBlocking starts the handshake and returns at once with an error
// wrapping ErrInProgress. The outcome is reported by WaitConnected or by
// the first Send or Recv.
func (s *Stack) DialNonBlocking(local, remote netip.AddrPort) (*Connection, error) {
	c := s.NewSocket()
	c.lock()
	defer c.unlock()
	if err := c.activeOpen(local, remote); err != nil {
		return nil, err
	}
	return c, errors.Wrapf(ErrInProgress, "connect %s", remote)
}

// Listen creates a listener on local. The address may be unspecified to
// accept on every attached address. A backlog <= 0 uses the configured
// default.
func (s *Stack) Listen(local netip.AddrPort, backlog int) (*Service, error) {
	if local.Port() == 0 {
		return nil, errors.New("listen needs a port")
	}
	if backlog <= 0 {
		backlog = s.cfg.Connection.DefaultBacklog
	}
	if err := s.attach(local.Addr()); err != nil {
		return nil, err
	}
	l := newService(s, local, backlog)
	if err := s.registry.addListener(l); err != nil {
		return nil, err
	}
	l.log.Info("listening")
	return l, nil
}

// HandlePathError reports an ICMP-style error for a connection. Hard
// errors abort connections still in the handshake; everything else is
// kept as the soft error reported if the connection later times out.
func (s *Stack) HandlePathError(local, remote netip.AddrPort, err error, hard bool) {
	c := s.registry.lookup(connKey{local: local, remote: remote})
	if c == nil {
		return
	}
	c.lock()
	defer c.unlock()
	c.pathError(err, hard)
}

func (c *Connection) pathError(err error, hard bool) {
	if c.destroyed {
		return
	}
	if hard && (c.state == StateSynSent || c.state == StateSynReceived) {
		c.log.WithError(err).Info("path error during handshake")
		c.abort(err)
		return
	}
	c.softErr = err
	c.wakeup()
}

// Stats returns a snapshot of the counters.
func (s *Stack) Stats() StatsSnapshot {
	return StatsSnapshot{
		SegmentsIn:         s.stats.SegmentsIn.Load(),
		SegmentsOut:        s.stats.SegmentsOut.Load(),
		Retransmits:        s.stats.Retransmits.Load(),
		ResetsSent:         s.stats.ResetsSent.Load(),
		ResetsReceived:     s.stats.ResetsReceived.Load(),
		ResetsLimited:      s.stats.ResetsLimited.Load(),
		BadSegments:        s.stats.BadSegments.Load(),
		Dropped:            s.stats.Dropped.Load(),
		Probes:             s.stats.Probes.Load(),
		ActiveOpens:        s.stats.ActiveOpens.Load(),
		PassiveOpens:       s.stats.PassiveOpens.Load(),
		PayloadChunksInUse: s.pool.inUse(),
	}
}

// Close shuts every listener, resets every connection and detaches from
// the network.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	addrs := make([]netip.Addr, 0, len(s.attached))
	for a := range s.attached {
		addrs = append(addrs, a)
	}
	s.mu.Unlock()

	for _, l := range s.registry.listenerList() {
		if l.stack == s {
			l.Close()
		}
	}
	for _, c := range s.registry.connections() {
		if c.stack != s {
			continue
		}
		c.lock()
		c.sendReset()
		c.abort(ErrNotConnected)
		c.unlock()
	}
	for _, a := range addrs {
		s.net.Detach(a)
	}
	s.log.Info("stack closed")
	return nil
}

package lib

import (
	"net/netip"
	"testing"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestNewStackValidatesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Core.PayloadPoolSize = 0
	logger, _ := logtest.NewNullLogger()
	if _, err := NewStack(cfg, newLoopback(t), logger); err == nil {
		t.Error("NewStack accepted an empty payload pool")
	}
	if _, err := NewStack(nil, nil, logger); err == nil {
		t.Error("NewStack accepted a nil network")
	}
}

func TestInputRejectsGarbage(t *testing.T) {
	s, _ := newCaptureStack(t, nil)
	if d := s.Input(testDst, testSrc, []byte{1, 2, 3}); d != Dropped {
		t.Errorf("Input(garbage) = %s, want dropped", d)
	}
	if got := s.Stats().BadSegments; got != 1 {
		t.Errorf("BadSegments = %d, want 1", got)
	}
}

func TestInputResetsUnknownConnection(t *testing.T) {
	s, out := newCaptureStack(t, nil)

	seg := Segment{SrcPort: 2000, DstPort: 1000, Seq: 77, Flags: ACKFlag, Ack: 555, Payload: []byte("?")}
	b, err := seg.Marshal(testDst, testSrc)
	if err != nil {
		t.Fatal(err)
	}
	s.Input(testDst, testSrc, b)

	rst := nextMatching(t, out, func(*Segment) bool { return true })
	if !rst.has(RSTFlag) || rst.Seq != 555 || rst.has(ACKFlag) {
		t.Errorf("reply = %s, want RST seq=555", rst)
	}

	syn := Segment{SrcPort: 2000, DstPort: 1000, Seq: 10, Flags: SYNFlag}
	if b, err = syn.Marshal(testDst, testSrc); err != nil {
		t.Fatal(err)
	}
	s.Input(testDst, testSrc, b)
	rst = nextMatching(t, out, func(*Segment) bool { return true })
	if !rst.has(RSTFlag) || !rst.has(ACKFlag) || rst.Ack != 11 {
		t.Errorf("reply to SYN = %s, want RST+ACK ack=11", rst)
	}

	// a reset is never answered
	reset := Segment{SrcPort: 2000, DstPort: 1000, Seq: 10, Flags: RSTFlag}
	if b, err = reset.Marshal(testDst, testSrc); err != nil {
		t.Fatal(err)
	}
	s.Input(testDst, testSrc, b)
	if got := s.Stats().ResetsSent; got != 2 {
		t.Errorf("ResetsSent = %d, want 2", got)
	}
}

func TestResetsForStraysAreRateLimited(t *testing.T) {
	s, _ := newCaptureStack(t, func(cfg *config.Config) {
		cfg.Core.ResetRate = 0.001
		cfg.Core.ResetBurst = 2
	})
	for i := 0; i < 5; i++ {
		seg := Segment{SrcPort: 2000, DstPort: 1000, Seq: uint32(100 + i), Flags: SYNFlag}
		b, err := seg.Marshal(testDst, testSrc)
		if err != nil {
			t.Fatal(err)
		}
		s.Input(testDst, testSrc, b)
	}
	st := s.Stats()
	if st.ResetsSent != 2 || st.ResetsLimited != 3 {
		t.Errorf("ResetsSent = %d, ResetsLimited = %d, want 2 and 3", st.ResetsSent, st.ResetsLimited)
	}
}

func TestListenAddressInUse(t *testing.T) {
	s, _ := newCaptureStack(t, nil)
	local := netip.AddrPortFrom(testSrc, 7000)

	l, err := s.Listen(local, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Listen(local, 0); !errors.Is(err, ErrAddrInUse) {
		t.Errorf("second Listen = %v, want ErrAddrInUse", err)
	}
	l.Close()
	if _, err := s.Listen(local, 0); err != nil {
		t.Errorf("Listen after Close = %v", err)
	}
}

func TestEphemeralPortSkipsListener(t *testing.T) {
	s, _ := newCaptureStack(t, func(cfg *config.Config) {
		cfg.Core.ClientPortLower = 40000
		cfg.Core.ClientPortUpper = 40001
	})
	if _, err := s.Listen(netip.AddrPortFrom(netip.IPv4Unspecified(), 40000), 0); err != nil {
		t.Fatal(err)
	}
	remote := netip.AddrPortFrom(testDst, 80)

	c, err := s.DialNonBlocking(netip.AddrPortFrom(testSrc, 0), remote)
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("DialNonBlocking = %v, want ErrInProgress", err)
	}
	defer c.Close()
	if got := c.LocalAddrPort().Port(); got != 40001 {
		t.Errorf("ephemeral port = %d, want 40001", got)
	}
	if _, err := s.DialNonBlocking(netip.AddrPortFrom(testSrc, 0), remote); !errors.Is(err, ErrAddrInUse) {
		t.Errorf("second DialNonBlocking = %v, want ErrAddrInUse", err)
	}
	if got := s.ports.Available(); got != 1 {
		t.Errorf("ports available = %d, want 1 after the skipped port came back", got)
	}
}

func TestSocketKinds(t *testing.T) {
	s, _ := newCaptureStack(t, nil)

	sock, err := s.Socket(Stream)
	if err != nil || sock.Kind() != Stream {
		t.Fatalf("Socket(Stream) = %v, %v", sock, err)
	}
	for _, kind := range []SocketKind{SeqPacket, Datagram} {
		if _, err := s.Socket(kind); !errors.Is(err, ErrProtoNotSupported) {
			t.Errorf("Socket(%s) = %v, want ErrProtoNotSupported", kind, err)
		}
	}

	// Listen uses the socket up
	if err := sock.Bind(netip.AddrPortFrom(testSrc, 7001)); err != nil {
		t.Fatal(err)
	}
	l, err := sock.Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if err := sock.Bind(netip.AddrPortFrom(testSrc, 7002)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Bind on a listening socket = %v, want ErrInvalidState", err)
	}
}

func TestRegistry(t *testing.T) {
	s, _ := newCaptureStack(t, nil)
	r := NewRegistry()
	key := connKey{local: netip.AddrPortFrom(testSrc, 1), remote: netip.AddrPortFrom(testDst, 2)}
	a := newConnection(s, key, &s.cfg.Connection)
	b := newConnection(s, key, &s.cfg.Connection)

	if err := r.add(a); err != nil {
		t.Fatal(err)
	}
	if err := r.add(b); !errors.Is(err, ErrAddrInUse) {
		t.Errorf("duplicate add = %v, want ErrAddrInUse", err)
	}
	r.remove(key, b)
	if r.lookup(key) != a {
		t.Error("remove of a different connection deleted the entry")
	}
	if !r.inUse(key.local) {
		t.Error("inUse = false for a registered local endpoint")
	}
	r.remove(key, a)
	if r.Len() != 0 {
		t.Errorf("Len = %d after remove", r.Len())
	}

	wild := newService(s, netip.AddrPortFrom(netip.IPv4Unspecified(), 80), 1)
	if err := r.addListener(wild); err != nil {
		t.Fatal(err)
	}
	exact := newService(s, netip.AddrPortFrom(testSrc, 80), 1)
	if err := r.addListener(exact); err != nil {
		t.Fatal(err)
	}
	if got := r.listener(netip.AddrPortFrom(testSrc, 80)); got != exact {
		t.Error("exact listener not preferred")
	}
	if got := r.listener(netip.AddrPortFrom(testDst, 80)); got != wild {
		t.Error("wildcard listener not used as fallback")
	}
	if got := r.listener(netip.AddrPortFrom(testDst, 81)); got != nil {
		t.Errorf("listener on an unused port = %v", got)
	}
}

func TestPortPool(t *testing.T) {
	p := NewPortPool(100, 102)
	seen := map[uint16]bool{}
	for i := 0; i < 3; i++ {
		port, err := p.Get()
		if err != nil {
			t.Fatal(err)
		}
		if port < 100 || port > 102 || seen[port] {
			t.Fatalf("Get returned %d, seen %v", port, seen)
		}
		seen[port] = true
	}
	if _, err := p.Get(); !errors.Is(err, ErrAddrInUse) {
		t.Errorf("Get on an empty pool = %v, want ErrAddrInUse", err)
	}
	if got := p.Available(); got != 0 {
		t.Errorf("Available = %d, want 0", got)
	}

	if err := p.Put(101); err != nil {
		t.Fatal(err)
	}
	if err := p.Put(101); err == nil {
		t.Error("double Put accepted")
	}
	if err := p.Put(99); err == nil {
		t.Error("Put outside the range accepted")
	}
	if port, err := p.Get(); err != nil || port != 101 {
		t.Errorf("Get after Put = %d, %v; want 101", port, err)
	}
}

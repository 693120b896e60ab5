package lib

import (
	"net/netip"
	"testing"
	"time"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/Clouded-Sabre/streamtcp/lib/ipnet"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// testConfig shortens every timer so handshakes, retransmissions and
// TIME_WAIT finish within a test run.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Core.PayloadPoolSize = 256
	cfg.Connection.InitialRTO = config.Duration(200 * time.Millisecond)
	cfg.Connection.RTOMin = config.Duration(50 * time.Millisecond)
	cfg.Connection.RTOMax = config.Duration(time.Second)
	cfg.Connection.ProbeInterval = config.Duration(50 * time.Millisecond)
	cfg.Connection.TimeWaitDuration = config.Duration(50 * time.Millisecond)
	cfg.Connection.PartialFlushDelay = config.Duration(20 * time.Millisecond)
	return cfg
}

func newLoopback(t *testing.T) *ipnet.Loopback {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	lo := ipnet.NewLoopback(1500, logger)
	t.Cleanup(func() { lo.Close() })
	return lo
}

func newTestStack(t *testing.T, network Network, mutate func(*config.Config), opts ...StackOption) *Stack {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger, _ := logtest.NewNullLogger()
	s, err := NewStack(cfg, network, logger, opts...)
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newCaptureStack returns a stack whose output to testDst is decoded and
// sent to the returned channel. Timers are slow so nothing fires on its
// own during a synthetic test.
func newCaptureStack(t *testing.T, mutate func(*config.Config)) (*Stack, <-chan *Segment) {
	t.Helper()
	lo := newLoopback(t)
	out := make(chan *Segment, 1024)
	err := lo.Attach(testDst, func(src, dst netip.Addr, payload []byte) {
		seg, err := UnmarshalSegment(payload, src, dst)
		if err != nil {
			return
		}
		select {
		case out <- seg:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	s := newTestStack(t, lo, func(cfg *config.Config) {
		cfg.Connection.InitialRTO = config.Duration(5 * time.Second)
		cfg.Connection.RTOMax = config.Duration(10 * time.Second)
		cfg.Connection.PartialFlushDelay = config.Duration(10 * time.Second)
		if mutate != nil {
			mutate(cfg)
		}
	})
	return s, out
}

// newTestConn builds an ESTABLISHED connection from testSrc:1000 to
// testDst:2000 without a handshake. Our data starts at 1000, the peer's
// at 5000.
func newTestConn(t *testing.T, s *Stack, mss int) *Connection {
	t.Helper()
	return newTestConnFrom(t, s, mss, 1000)
}

func newTestConnFrom(t *testing.T, s *Stack, mss int, port uint16) *Connection {
	t.Helper()
	key := connKey{
		local:  netip.AddrPortFrom(testSrc, port),
		remote: netip.AddrPortFrom(testDst, 2000),
	}
	c := newConnection(s, key, &s.cfg.Connection)
	c.mss = mss
	c.state = StateEstablished
	c.synced = true
	c.iss = 999
	c.sndUna, c.sndNxt, c.writeSeq = 1000, 1000, 1000
	c.irs = 4999
	c.rcvNxt, c.copiedSeq = 5000, 5000
	c.rcvAdv = c.rcvNxt + uint32(c.rcvBuf)
	c.sndWnd, c.maxSndWnd = 65535, 65535
	c.cwnd = 1 << 20
	if err := s.registry.add(c); err != nil {
		t.Fatal(err)
	}
	return c
}

// nextData returns the next captured segment carrying payload.
func nextData(t *testing.T, out <-chan *Segment) *Segment {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case seg := <-out:
			if seg.Len() > 0 {
				return seg
			}
		case <-timeout:
			t.Fatal("timed out waiting for a data segment")
			return nil
		}
	}
}

// nextMatching returns the next captured segment for which match is true.
func nextMatching(t *testing.T, out <-chan *Segment, match func(*Segment) bool) *Segment {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case seg := <-out:
			if match(seg) {
				return seg
			}
		case <-timeout:
			t.Fatal("timed out waiting for a segment")
			return nil
		}
	}
}

func noMoreData(t *testing.T, out <-chan *Segment, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case seg := <-out:
			if seg.Len() > 0 {
				t.Fatalf("unexpected data segment %s", seg)
			}
		case <-timeout:
			return
		}
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ackSeg(ack uint32, window uint16) *Segment {
	return &Segment{Seq: 5000, Flags: ACKFlag, Ack: ack, Window: window}
}

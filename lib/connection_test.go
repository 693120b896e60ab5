package lib

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/Clouded-Sabre/streamtcp/lib/ipnet"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

var (
	clientLocal = netip.AddrPortFrom(testSrc, 0)
	serverAddr  = netip.AddrPortFrom(testDst, 7080)
)

type pair struct {
	lo             *ipnet.Loopback
	client, server *Stack
}

func newPair(t *testing.T, clientCfg, serverCfg func(*config.Config), clientOpts ...StackOption) *pair {
	t.Helper()
	lo := newLoopback(t)
	return &pair{
		lo:     lo,
		client: newTestStack(t, lo, clientCfg, clientOpts...),
		server: newTestStack(t, lo, serverCfg),
	}
}

func testContext(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// listen opens the server side on serverAddr.
func (p *pair) listen(t *testing.T, backlog int) *Service {
	t.Helper()
	srv, err := p.server.Listen(serverAddr, backlog)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// connect dials serverAddr and returns both ends once the server side has
// been accepted.
func (p *pair) connect(t *testing.T) (client, server *Connection, srv *Service) {
	t.Helper()
	srv = p.listen(t, 0)

	ctx := testContext(t, 5*time.Second)
	accepted := make(chan *Connection, 1)
	go func() {
		c, err := srv.Accept(ctx)
		if err != nil {
			c = nil
		}
		accepted <- c
	}()

	client, err := p.client.Dial(ctx, clientLocal, serverAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	server = <-accepted
	if server == nil {
		t.Fatal("Accept failed")
	}
	t.Cleanup(func() { server.Close() })
	return client, server, srv
}

// readAll reads until end of stream.
func readAll(ctx context.Context, c *Connection) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := c.Recv(ctx, buf, RecvOptions{})
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

func TestTransferTenBytes(t *testing.T) {
	p := newPair(t, nil, nil)
	client, server, _ := p.connect(t)

	if st := client.State(); st != StateEstablished {
		t.Fatalf("client state = %s", st)
	}
	if _, err := client.Write([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	ctx := testContext(t, 5*time.Second)
	if n, err := server.Recv(ctx, buf, RecvOptions{WaitAll: true}); err != nil || n != 10 {
		t.Fatalf("Recv = %d, %v", n, err)
	}
	if string(buf) != "0123456789" {
		t.Errorf("server got %q", buf)
	}

	if _, err := server.Write([]byte("ok")); err != nil {
		t.Fatal(err)
	}
	if n, err := client.Recv(ctx, buf[:2], RecvOptions{WaitAll: true}); err != nil || string(buf[:n]) != "ok" {
		t.Errorf("client Recv = %q, %v", buf[:n], err)
	}
	if got := client.RemoteAddrPort(); got != serverAddr {
		t.Errorf("client remote = %s, want %s", got, serverAddr)
	}
	if got := server.RemoteAddrPort(); got != client.LocalAddrPort() {
		t.Errorf("server remote = %s, want %s", got, client.LocalAddrPort())
	}
}

func TestByteStreamSurvivesLossAndReordering(t *testing.T) {
	p := newPair(t, nil, nil)
	client, server, _ := p.connect(t)

	n := 0
	p.lo.SetFilter(func(ipnet.Packet) ipnet.Verdict {
		n++
		switch {
		case n%9 == 0:
			return ipnet.Drop
		case n%13 == 0:
			return ipnet.Hold
		case n%4 == 0:
			return ipnet.Duplicate
		}
		return ipnet.Deliver
	})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				p.lo.Release()
			}
		}
	}()

	// sample the send sequence space while segments are lost and retried
	stopSampling := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		prev := client.Info()
		for {
			select {
			case <-stopSampling:
				return
			case <-time.After(time.Millisecond):
			}
			cur := client.Info()
			if isGreater(cur.SndUna, cur.SndNxt) {
				t.Errorf("snd_una %d ahead of snd_nxt %d", cur.SndUna, cur.SndNxt)
				return
			}
			if isLess(cur.SndUna, prev.SndUna) || isLess(cur.SndNxt, prev.SndNxt) {
				t.Errorf("send sequence moved back: una %d->%d nxt %d->%d",
					prev.SndUna, cur.SndUna, prev.SndNxt, cur.SndNxt)
				return
			}
			prev = cur
		}
	}()

	data := make([]byte, 20000)
	rand.New(rand.NewSource(1)).Read(data)
	go func() {
		if _, err := client.Write(data); err == nil {
			client.Shutdown(ShutdownSend)
		}
	}()

	got, err := readAll(testContext(t, 30*time.Second), server)
	close(stopSampling)
	<-sampled
	if err != nil {
		t.Fatalf("read %d bytes, then %v", len(got), err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("stream corrupted: got %d bytes, want %d", len(got), len(data))
	}
	if _, dropped := p.lo.Counters(); dropped == 0 {
		t.Error("filter dropped nothing")
	}
}

func TestUrgentDataRoundTrip(t *testing.T) {
	p := newPair(t, nil, nil)
	client, server, _ := p.connect(t)

	if _, err := client.Send(context.Background(), []byte("abc!"), SendOptions{OOB: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write([]byte("def")); err != nil {
		t.Fatal(err)
	}

	ctx := testContext(t, 5*time.Second)
	buf := make([]byte, 16)
	n, err := server.Recv(ctx, buf, RecvOptions{})
	if err != nil || string(buf[:n]) != "abc" {
		t.Fatalf("read up to the mark = %q, %v", buf[:n], err)
	}
	if !server.AtMark() {
		t.Error("AtMark = false")
	}
	oob := make([]byte, 1)
	if n, err := server.Recv(ctx, oob, RecvOptions{OOB: true}); err != nil || n != 1 || oob[0] != '!' {
		t.Fatalf("OOB read = %q, %v", oob[:n], err)
	}
	n, err = server.Recv(ctx, buf[:3], RecvOptions{WaitAll: true})
	if err != nil || string(buf[:n]) != "def" {
		t.Errorf("read after the mark = %q, %v", buf[:n], err)
	}
}

func TestCloseWithUnreadDataResetsPeer(t *testing.T) {
	unread := func(cfg *config.Config) { cfg.Connection.ResetOnUnreadClose = true }
	p := newPair(t, nil, unread)
	client, server, _ := p.connect(t)

	if _, err := client.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "data at the server", func() bool { return server.Readable() == 4 })
	server.Close()

	_, err := client.Recv(testContext(t, 5*time.Second), make([]byte, 4), RecvOptions{})
	if !errors.Is(err, ErrConnReset) {
		t.Errorf("client Recv = %v, want ErrConnReset", err)
	}
	if st := client.State(); st != StateClosed {
		t.Errorf("client state = %s, want CLOSED", st)
	}
}

func TestCloseDiscardsUnreadData(t *testing.T) {
	p := newPair(t, nil, nil)
	client, server, _ := p.connect(t)

	if _, err := client.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "data at the server", func() bool { return server.Readable() == 4 })
	server.Close()
	if n := server.Readable(); n != 0 {
		t.Errorf("Readable after Close = %d, want 0", n)
	}

	if _, err := client.Recv(testContext(t, 5*time.Second), make([]byte, 4), RecvOptions{}); err != io.EOF {
		t.Errorf("client Recv = %v, want io.EOF", err)
	}
	client.Close()
	waitFor(t, 5*time.Second, "server CLOSED", func() bool { return server.State() == StateClosed })
}

func TestPeerFinGivesEOF(t *testing.T) {
	p := newPair(t, nil, nil)
	client, server, _ := p.connect(t)
	ctx := testContext(t, 5*time.Second)

	if _, err := client.Write([]byte("last words")); err != nil {
		t.Fatal(err)
	}
	if err := client.Shutdown(ShutdownSend); err != nil {
		t.Fatal(err)
	}
	got, err := readAll(ctx, server)
	if err != nil || string(got) != "last words" {
		t.Fatalf("readAll = %q, %v", got, err)
	}
	if n, err := server.Recv(ctx, make([]byte, 1), RecvOptions{}); n != 0 || err != io.EOF {
		t.Errorf("second read after FIN = %d, %v; want io.EOF again", n, err)
	}
	if st := server.State(); st != StateCloseWait {
		t.Errorf("server state = %s, want CLOSE_WAIT", st)
	}

	// the half-closed client can still receive
	if _, err := server.Write([]byte("reply")); err != nil {
		t.Fatal(err)
	}
	server.Close()
	if _, err := server.Read(make([]byte, 1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read after Close = %v, want ErrNotConnected", err)
	}

	got, err = readAll(ctx, client)
	if err != nil || string(got) != "reply" {
		t.Fatalf("client readAll = %q, %v", got, err)
	}
	waitFor(t, 2*time.Second, "client to leave TIME_WAIT", func() bool { return client.State() == StateClosed })
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read on a closed connection = %v, want ErrNotConnected", err)
	}
}

func TestShutdownSendIsIdempotent(t *testing.T) {
	p := newPair(t, nil, nil)
	client, _, _ := p.connect(t)

	if err := client.Shutdown(ShutdownSend); err != nil {
		t.Fatal(err)
	}
	first := client.Info().SndNxt
	if err := client.Shutdown(ShutdownSend); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if again := client.Info().SndNxt; again != first {
		t.Errorf("second Shutdown moved SndNxt from %d to %d", first, again)
	}
	if err := client.Shutdown(0); err == nil {
		t.Error("Shutdown with no direction accepted")
	}
}

type transition struct {
	From, To State
}

// recorder collects the state transitions a stack reports.
type recorder struct {
	mu   sync.Mutex
	seen []transition
}

func (r *recorder) hook() StackOption {
	return WithStateHook(func(_, _ netip.AddrPort, from, to State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen = append(r.seen, transition{from, to})
	})
}

func (r *recorder) transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.seen...)
}

func TestSimultaneousClose(t *testing.T) {
	var clientSeen, serverSeen recorder
	lo := newLoopback(t)
	p := &pair{
		lo:     lo,
		client: newTestStack(t, lo, nil, clientSeen.hook()),
		server: newTestStack(t, lo, nil, serverSeen.hook()),
	}
	client, server, _ := p.connect(t)

	p.lo.Pause()
	client.Shutdown(ShutdownSend)
	server.Shutdown(ShutdownSend)
	p.lo.Resume()

	waitFor(t, 2*time.Second, "both sides to close", func() bool {
		return client.State() == StateClosed && server.State() == StateClosed
	})

	closing := []transition{
		{StateEstablished, StateFinWait1},
		{StateFinWait1, StateClosing},
		{StateClosing, StateTimeWait},
		{StateTimeWait, StateClosed},
	}
	tests := []struct {
		side string
		got  []transition
		want []transition
	}{
		{
			side: "client",
			got:  clientSeen.transitions(),
			want: append([]transition{{StateClosed, StateSynSent}, {StateSynSent, StateEstablished}}, closing...),
		},
		{
			side: "server",
			got:  serverSeen.transitions(),
			want: append([]transition{{StateListen, StateSynReceived}, {StateSynReceived, StateEstablished}}, closing...),
		},
	}
	for _, tc := range tests {
		if diff := cmp.Diff(tc.want, tc.got); diff != "" {
			t.Errorf("%s transitions (-want +got):\n%s", tc.side, diff)
		}
	}
}

func TestListenerCloseResetsPending(t *testing.T) {
	p := newPair(t, nil, nil)
	srv := p.listen(t, 0)
	ctx := testContext(t, 5*time.Second)

	client, err := p.client.Dial(ctx, clientLocal, serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	waitFor(t, 2*time.Second, "a pending connection", func() bool { return srv.Pending() == 1 })

	srv.Close()
	if _, err := client.Recv(ctx, make([]byte, 1), RecvOptions{}); !errors.Is(err, ErrConnReset) {
		t.Errorf("client Recv = %v, want ErrConnReset", err)
	}
	if _, err := srv.Accept(ctx); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept on closed listener = %v, want ErrListenerClosed", err)
	}
}

func TestZeroWindowProbing(t *testing.T) {
	small := func(cfg *config.Config) { cfg.Connection.RecvBufferSize = 2000 }
	p := newPair(t, nil, small)
	client, server, _ := p.connect(t)

	data := make([]byte, 10000)
	rand.New(rand.NewSource(2)).Read(data)
	if _, err := client.Write(data); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "window probes", func() bool { return p.client.Stats().Probes > 0 })
	if info := server.Info(); info.RcvWnd != 0 {
		t.Errorf("server window = %d, want 0", info.RcvWnd)
	}

	got := make([]byte, len(data))
	n, err := server.Recv(testContext(t, 10*time.Second), got, RecvOptions{WaitAll: true})
	if err != nil || n != len(data) {
		t.Fatalf("Recv = %d, %v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data corrupted across the zero window")
	}
}

func TestDialNonBlocking(t *testing.T) {
	p := newPair(t, nil, nil)
	srv := p.listen(t, 0)

	c, err := p.client.DialNonBlocking(clientLocal, serverAddr)
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("DialNonBlocking = %v, want ErrInProgress", err)
	}
	defer c.Close()
	ctx := testContext(t, 5*time.Second)
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	s, err := srv.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.RemoteAddrPort() != c.LocalAddrPort() {
		t.Errorf("accepted %s, dialed from %s", s.RemoteAddrPort(), c.LocalAddrPort())
	}
}

func TestConnectionRefused(t *testing.T) {
	p := newPair(t, nil, nil)
	p.listen(t, 0)

	closed := netip.AddrPortFrom(testDst, serverAddr.Port()+1)
	_, err := p.client.Dial(testContext(t, 5*time.Second), clientLocal, closed)
	if !errors.Is(err, ErrConnRefused) {
		t.Errorf("Dial to a closed port = %v, want ErrConnRefused", err)
	}
	if got := p.client.Registry().Len(); got != 0 {
		t.Errorf("%d connections left registered", got)
	}
}

func TestConnectTimeout(t *testing.T) {
	p := newPair(t, func(cfg *config.Config) {
		cfg.Connection.InitialRTO = config.Duration(20 * time.Millisecond)
		cfg.Connection.RTOMin = config.Duration(10 * time.Millisecond)
		cfg.Connection.SynRetries = 2
	}, nil)

	// nothing is attached at this address
	nowhere := netip.MustParseAddrPort("10.0.0.9:7080")
	_, err := p.client.Dial(testContext(t, 5*time.Second), clientLocal, nowhere)
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("Dial = %v, want ErrTimedOut", err)
	}
	if got := p.client.Stats().Retransmits; got != 2 {
		t.Errorf("SYN retransmissions = %d, want 2", got)
	}
}

func TestDialInterrupted(t *testing.T) {
	p := newPair(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.client.Dial(ctx, clientLocal, netip.MustParseAddrPort("10.0.0.9:7080"))
	if !errors.Is(err, ErrInterrupted) {
		t.Errorf("Dial with cancelled context = %v, want ErrInterrupted", err)
	}
}

func TestBacklogLimit(t *testing.T) {
	p := newPair(t, nil, nil)
	p.listen(t, 1)
	ctx := testContext(t, 5*time.Second)

	first, err := p.client.Dial(ctx, clientLocal, serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	second, err := p.client.DialNonBlocking(clientLocal, serverAddr)
	if !errors.Is(err, ErrInProgress) {
		t.Fatal(err)
	}
	defer second.Close()
	waitFor(t, 2*time.Second, "the SYN to be dropped", func() bool { return p.server.Stats().Dropped > 0 })
	if st := second.State(); st != StateSynSent {
		t.Errorf("second connection state = %s, want SYN_SENT", st)
	}
}

func TestEphemeralPortReleased(t *testing.T) {
	p := newPair(t, nil, nil)
	before := p.client.ports.Available()

	client, server, _ := p.connect(t)
	if got := p.client.ports.Available(); got != before-1 {
		t.Errorf("available ports while connected = %d, want %d", got, before-1)
	}
	client.Close()
	server.Close()
	waitFor(t, 2*time.Second, "the port to come back", func() bool { return p.client.ports.Available() == before })
	if got := p.server.Stats().PayloadChunksInUse; got != 0 {
		t.Errorf("server holds %d payload chunks after close", got)
	}
}

func TestStackCloseResetsConnections(t *testing.T) {
	p := newPair(t, nil, nil)
	client, server, _ := p.connect(t)

	p.server.Close()
	if st := server.State(); st != StateClosed {
		t.Errorf("server connection state = %s, want CLOSED", st)
	}
	_, err := client.Recv(testContext(t, 5*time.Second), make([]byte, 1), RecvOptions{})
	if !errors.Is(err, ErrConnReset) {
		t.Errorf("client Recv = %v, want ErrConnReset", err)
	}
}

func TestKeepalive(t *testing.T) {
	keepalive := func(cfg *config.Config) {
		cfg.Connection.KeepaliveInterval = config.Duration(20 * time.Millisecond)
		cfg.Connection.KeepaliveProbes = 2
	}

	t.Run("answered probes keep the connection", func(t *testing.T) {
		p := newPair(t, keepalive, nil)
		client, _, _ := p.connect(t)
		waitFor(t, 5*time.Second, "keepalive probes", func() bool { return p.client.Stats().Probes >= 4 })
		if st := client.State(); st != StateEstablished {
			t.Errorf("client state = %s, want ESTABLISHED", st)
		}
	})

	t.Run("silent peer times out", func(t *testing.T) {
		p := newPair(t, keepalive, nil)
		client, _, _ := p.connect(t)
		p.lo.SetFilter(func(ipnet.Packet) ipnet.Verdict { return ipnet.Drop })

		_, err := client.Recv(testContext(t, 5*time.Second), make([]byte, 1), RecvOptions{})
		if !errors.Is(err, ErrTimedOut) {
			t.Errorf("Recv = %v, want ErrTimedOut", err)
		}
		if st := client.State(); st != StateClosed {
			t.Errorf("client state = %s, want CLOSED", st)
		}
	})
}

func TestCloseLinger(t *testing.T) {
	tests := []struct {
		name    string
		silent  bool
		minWait time.Duration
		want    State
	}{
		{name: "peer acks the FIN", want: StateFinWait2},
		{name: "silent peer", silent: true, minWait: 100 * time.Millisecond, want: StateFinWait1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newPair(t, func(cfg *config.Config) {
				cfg.Connection.LingerTimeout = config.Duration(100 * time.Millisecond)
			}, nil)
			client, _, _ := p.connect(t)
			if tc.silent {
				p.lo.SetFilter(func(ipnet.Packet) ipnet.Verdict { return ipnet.Drop })
			}

			start := time.Now()
			if err := client.Close(); err != nil {
				t.Fatal(err)
			}
			if waited := time.Since(start); waited < tc.minWait {
				t.Errorf("Close returned after %v, want at least %v", waited, tc.minWait)
			}
			if st := client.State(); st != tc.want {
				t.Errorf("state after Close = %s, want %s", st, tc.want)
			}
		})
	}
}

func TestOrphanedFinWait2Timeout(t *testing.T) {
	tests := []struct {
		name  string
		close func(*Connection)
		want  State
	}{
		{name: "closed socket", close: func(c *Connection) { c.Close() }, want: StateClosed},
		{name: "half-closed socket", close: func(c *Connection) { c.Shutdown(ShutdownSend) }, want: StateFinWait2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newPair(t, func(cfg *config.Config) {
				cfg.Connection.FinTimeout = config.Duration(100 * time.Millisecond)
			}, nil)
			client, server, _ := p.connect(t)

			tc.close(client)
			waitFor(t, 2*time.Second, "FIN_WAIT2", func() bool {
				st := client.State()
				return st == StateFinWait2 || st == StateClosed
			})
			time.Sleep(300 * time.Millisecond)
			if st := client.State(); st != tc.want {
				t.Errorf("client state = %s, want %s", st, tc.want)
			}
			if st := server.State(); st != StateCloseWait {
				t.Errorf("server state = %s, want CLOSE_WAIT", st)
			}
		})
	}
}

func TestSetMSS(t *testing.T) {
	tests := []struct {
		name    string
		mtu     int
		mss     int
		wantErr bool
		want    int
	}{
		{name: "below path and chunk", mtu: 1500, mss: 500, want: 500},
		{name: "clamped to chunk size", mtu: 1500, mss: 9000, want: config.PreferredMSS},
		{name: "clamped to path", mtu: 576, mss: 1000, want: 536},
		{name: "path below minimum", mtu: 90, mss: 1000, want: 50},
		{name: "below minimum", mtu: 1500, mss: MinMSS - 1, wantErr: true, want: config.PreferredMSS},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger, _ := logtest.NewNullLogger()
			lo := ipnet.NewLoopback(tc.mtu, logger)
			t.Cleanup(func() { lo.Close() })
			s := newTestStack(t, lo, nil)

			c := s.NewSocket()
			err := c.SetMSS(tc.mss)
			if (err != nil) != tc.wantErr {
				t.Fatalf("SetMSS(%d) = %v, wantErr %v", tc.mss, err, tc.wantErr)
			}
			if got := c.MSS(); got != tc.want {
				t.Errorf("MSS = %d, want %d", got, tc.want)
			}
		})
	}

	t.Run("after handshake", func(t *testing.T) {
		p := newPair(t, nil, nil)
		client, _, _ := p.connect(t)
		before := client.MSS()
		if err := client.SetMSS(500); !errors.Is(err, ErrInvalidState) {
			t.Errorf("SetMSS on an established connection = %v, want ErrInvalidState", err)
		}
		if got := client.MSS(); got != before {
			t.Errorf("MSS changed to %d, want %d", got, before)
		}
	})
}

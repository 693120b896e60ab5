package ipnet

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const maxDatagram = 65535

// RawIP carries segments in IPv4 datagrams over raw sockets. The kernel
// builds the IP header; the protocol number is configurable so the stack
// can run next to the host's own TCP. Needs CAP_NET_RAW.
type RawIP struct {
	proto int
	mtu   int
	log   logrus.FieldLogger

	mu    sync.Mutex
	conns map[netip.Addr]*ipv4.PacketConn
	wg    sync.WaitGroup
}

func NewRawIP(proto, mtu int, logger logrus.FieldLogger) *RawIP {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RawIP{
		proto: proto,
		mtu:   mtu,
		log:   logger.WithField("net", "rawip"),
		conns: make(map[netip.Addr]*ipv4.PacketConn),
	}
}

// Attach opens a raw socket bound to addr and feeds every datagram to h.
func (r *RawIP) Attach(addr netip.Addr, h func(src, dst netip.Addr, payload []byte)) error {
	if !addr.Is4() {
		return errors.Errorf("raw ip: %s is not an IPv4 address", addr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[addr]; ok {
		return errors.Errorf("raw ip: %s already attached", addr)
	}
	pc, err := net.ListenPacket(fmt.Sprintf("ip4:%d", r.proto), addr.String())
	if err != nil {
		return errors.Wrapf(err, "raw ip: listen on %s", addr)
	}
	conn := ipv4.NewPacketConn(pc)
	if err := conn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		// without it every datagram is taken to be for addr
		r.log.WithError(err).Debug("destination control messages unavailable")
	}
	r.conns[addr] = conn

	r.wg.Add(1)
	go r.readLoop(addr, conn, h)
	r.log.WithField("addr", addr).Info("attached")
	return nil
}

func (r *RawIP) readLoop(local netip.Addr, conn *ipv4.PacketConn, h func(src, dst netip.Addr, payload []byte)) {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, cm, src, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.WithError(err).Warn("read failed")
			continue
		}
		ipAddr, ok := src.(*net.IPAddr)
		if !ok {
			continue
		}
		from, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok {
			continue
		}
		dst := local
		if cm != nil && cm.Dst != nil {
			if d, ok := netip.AddrFromSlice(cm.Dst); ok {
				dst = d.Unmap()
			}
		}
		h(from.Unmap(), dst, append([]byte(nil), buf[:n]...))
	}
}

func (r *RawIP) Detach(addr netip.Addr) {
	r.mu.Lock()
	conn, ok := r.conns[addr]
	delete(r.conns, addr)
	r.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// WritePacket sends payload from the socket attached to src.
func (r *RawIP) WritePacket(src, dst netip.Addr, payload []byte) error {
	r.mu.Lock()
	conn, ok := r.conns[src]
	r.mu.Unlock()
	if !ok {
		return errors.Errorf("raw ip: %s is not attached", src)
	}
	_, err := conn.WriteTo(payload, nil, &net.IPAddr{IP: net.IP(dst.AsSlice())})
	return errors.Wrap(err, "raw ip: write")
}

func (r *RawIP) MTU(netip.Addr) int { return r.mtu }

// Close detaches every address and waits for the readers to stop.
func (r *RawIP) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[netip.Addr]*ipv4.PacketConn)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	r.wg.Wait()
	return nil
}

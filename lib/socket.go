package lib

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// SocketKind is fixed when a socket is created.
type SocketKind int

const (
	Stream SocketKind = iota
	SeqPacket
	Datagram
)

func (k SocketKind) String() string {
	switch k {
	case Stream:
		return "stream"
	case SeqPacket:
		return "seqpacket"
	case Datagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// Socket is what every socket kind offers to applications.
type Socket interface {
	Kind() SocketKind
	Bind(local netip.AddrPort) error
	Connect(ctx context.Context, remote netip.AddrPort) error
	Listen(backlog int) (*Service, error)
	Send(ctx context.Context, b []byte, opts SendOptions) (int, error)
	Recv(ctx context.Context, b []byte, opts RecvOptions) (int, error)
	Shutdown(how ShutdownHow) error
	Close() error
}

// Listener is a socket that accepts connections.
type Listener interface {
	Accept(ctx context.Context) (*Connection, error)
	Addr() net.Addr
	Close() error
}

var (
	_ Socket   = (*Connection)(nil)
	_ Listener = (*Service)(nil)
	_ net.Conn = (*Connection)(nil)
)

// Socket creates an unconnected socket of the given kind. Only stream
// sockets are provided by this stack.
func (s *Stack) Socket(kind SocketKind) (Socket, error) {
	switch kind {
	case Stream:
		return s.NewSocket(), nil
	case SeqPacket, Datagram:
		return nil, errors.Wrapf(ErrProtoNotSupported, "%s socket", kind)
	default:
		return nil, errors.Errorf("unknown socket kind %d", kind)
	}
}

func (c *Connection) Kind() SocketKind { return Stream }

// Bind sets the local endpoint used by a later Connect or Listen. Port 0
// asks for an ephemeral port.
func (c *Connection) Bind(local netip.AddrPort) error {
	c.lock()
	defer c.unlock()
	if err := c.unopened(); err != nil {
		return err
	}
	c.bound = local
	return nil
}

// Connect performs an active open and waits for the handshake. When ctx
// is cancelled the handshake keeps going and ErrInterrupted is returned.
func (c *Connection) Connect(ctx context.Context, remote netip.AddrPort) error {
	c.lock()
	defer c.unlock()
	if err := c.activeOpen(c.bound, remote); err != nil {
		return err
	}
	for !c.state.synchronized() {
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
	return nil
}

// Listen turns the bound endpoint into a listener. The socket itself is
// used up by this.
func (c *Connection) Listen(backlog int) (*Service, error) {
	c.lock()
	defer c.unlock()
	if err := c.unopened(); err != nil {
		return nil, err
	}
	l, err := c.stack.Listen(c.bound, backlog)
	if err != nil {
		return nil, err
	}
	c.dead = true
	c.destroyed = true
	return l, nil
}

func (c *Connection) unopened() error {
	if c.dead || c.destroyed {
		return errors.Wrap(ErrInvalidState, "socket is closed")
	}
	if c.state != StateClosed || c.key.remote.IsValid() {
		return ErrAlreadyConnected
	}
	return nil
}

// activeOpen binds the 4-tuple and sends the SYN.
func (c *Connection) activeOpen(local, remote netip.AddrPort) error {
	if err := c.unopened(); err != nil {
		return err
	}
	key, ephemeral, err := c.stack.bindLocal(local, remote)
	if err != nil {
		return err
	}
	c.key = key
	c.ephemeral = ephemeral
	if err := c.stack.registry.add(c); err != nil {
		if ephemeral {
			c.stack.ports.Put(key.local.Port())
		}
		c.key = connKey{}
		c.ephemeral = false
		return err
	}
	c.log = c.stack.log.WithField("conn", key.String())
	c.mss = c.advertisedMSS()
	c.iss = newISS()
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.setState(StateSynSent)
	c.sendSyn()
	c.stack.stats.ActiveOpens.Add(1)
	return nil
}

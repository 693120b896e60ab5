package lib

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Shutdown closes one or both directions. Closing the send side sends a
// FIN after whatever is still queued; calling it again has no effect.
func (c *Connection) Shutdown(how ShutdownHow) error {
	if how&ShutdownBoth == 0 {
		return errors.Errorf("invalid shutdown direction %d", how)
	}
	c.lock()
	defer c.unlock()
	switch c.state {
	case StateClosed, StateListen:
		return ErrNotConnected
	}
	if how&ShutdownRecv != 0 {
		c.shutdown |= ShutdownRecv
	}
	if how&ShutdownSend != 0 && c.shutdown&ShutdownSend == 0 {
		c.shutdown |= ShutdownSend
		c.usrClosed()
	}
	c.wakeup()
	return nil
}

// usrClosed drives the FIN transition for a local close of the send side.
func (c *Connection) usrClosed() {
	c.sendPartial()
	switch c.state {
	case StateSynSent:
		c.destroy()
	case StateSynReceived:
		// the FIN goes out once the handshake completes
	case StateEstablished:
		c.setState(StateFinWait1)
		c.sendFin()
	case StateCloseWait:
		c.setState(StateLastAck)
		c.sendFin()
	}
}

// Close releases the connection. Unread data is discarded; the close
// handshake keeps running in the background after Close returns. With a
// positive LingerTimeout, Close waits that long for the handshake.
func (c *Connection) Close() error {
	c.lock()
	defer c.unlock()
	if c.dead {
		return nil
	}
	c.dead = true

	unread := c.discardReceived()
	if unread > 0 {
		c.log.WithField("bytes", unread).Debug("discarding unread data on close")
	}
	if unread > 0 && c.config.ResetOnUnreadClose && c.state.synchronized() {
		c.sendReset()
		c.abort(nil)
		return nil
	}

	sendOpen := c.shutdown&ShutdownSend == 0
	c.shutdown = ShutdownBoth
	if sendOpen {
		c.usrClosed()
	}
	if c.state == StateClosed || c.state == StateListen {
		c.destroy()
	}
	c.armFinTimeout()
	c.wakeup()

	if linger := c.config.LingerTimeout.D(); linger > 0 {
		deadline := time.Now().Add(linger)
		for c.state.closing() {
			if err := c.sleep(context.Background(), deadline, nil); err != nil {
				break
			}
		}
	}
	return nil
}

// abort tears the connection down at once and leaves err for the next
// caller. A nil err aborts silently.
func (c *Connection) abort(err error) {
	if c.destroyed {
		return
	}
	if err != nil {
		c.err = err
	}
	c.discardReceived()
	c.destroy()
}

// destroy moves the connection to CLOSED and releases everything it owns:
// timers, segment chunks, its registry entry and its ephemeral port.
func (c *Connection) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.stopTimers()
	c.setState(StateClosed)

	if c.partial != nil {
		c.releaseSegment(c.partial)
		c.partial = nil
	}
	for _, seg := range c.writeQueue {
		c.releaseSegment(seg)
	}
	c.writeQueue = nil
	for _, seg := range c.rtxQueue {
		c.releaseSegment(seg)
	}
	c.rtxQueue = nil
	if c.dead {
		c.rcvQueue.clear()
	}

	c.stack.registry.remove(c.key, c)
	if c.ephemeral {
		c.stack.ports.Put(c.key.local.Port())
	}
	if c.parent != nil {
		c.parent.forget(c)
	}
	c.wakeup()
}

package lib

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// SendOptions modify a single Send call.
type SendOptions struct {
	NonBlocking bool
	OOB         bool // the last byte of the call is urgent data
}

// Send queues data for transmission and returns how many bytes were
// accepted. It blocks until the connection can carry data and memory for
// the bytes is available, unless NonBlocking is set. Bytes accepted
// before an error are reported with a nil error.
func (c *Connection) Send(ctx context.Context, data []byte, opts SendOptions) (int, error) {
	c.lock()
	defer c.unlock()
	return c.send(ctx, data, opts)
}

// Write implements io.Writer. It blocks until all of p is accepted.
func (c *Connection) Write(p []byte) (int, error) {
	c.lock()
	defer c.unlock()
	n := 0
	for n < len(p) {
		m, err := c.send(context.Background(), p[n:], SendOptions{})
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// waitSendable blocks until data may be queued. It returns a non-nil error
// when the caller must stop.
func (c *Connection) waitSendable(ctx context.Context, nonBlocking bool) error {
	for {
		if c.err != nil {
			return c.sockError()
		}
		if c.shutdown&ShutdownSend != 0 {
			return ErrBrokenPipe
		}
		if c.state.canSend() {
			return nil
		}
		if c.state != StateSynSent && c.state != StateSynReceived {
			return ErrBrokenPipe
		}
		if nonBlocking {
			return ErrWouldBlock
		}
		if err := c.sleep(ctx, c.writeDeadline, nil); err != nil {
			return err
		}
	}
}

func (c *Connection) send(ctx context.Context, data []byte, opts SendOptions) (int, error) {
	if c.dead {
		return 0, ErrNotConnected
	}
	copied := 0
	for len(data) > 0 {
		if err := c.waitSendable(ctx, opts.NonBlocking); err != nil {
			if copied > 0 {
				return copied, nil
			}
			return 0, err
		}

		// Coalesce into the partial segment first.
		if p := c.partial; p != nil {
			c.partial = nil
			if !opts.OOB {
				n := p.appendPayload(data[:min(c.mss-p.Len(), len(data))])
				c.writeSeq += uint32(n)
				data = data[n:]
				copied += n
			}
			if p.Len() >= c.mss || opts.OOB || !c.outstanding() || c.noDelay {
				c.partialTimer.stop()
				c.transmitOrQueue(p)
			} else {
				c.partial = p
			}
			continue
		}

		// Size a new segment from the space left in the peer's window,
		// falling back to a full segment when that space is silly.
		size := seqDiff(c.sndUna+c.sndWnd, c.writeSeq)
		if size <= 0 || size < int(c.maxSndWnd/2) || size > c.mss {
			size = c.mss
		}
		size = min(size, len(data))
		partial := size < c.mss && !opts.OOB && c.outstanding() && !c.noDelay

		seg, err := c.allocSegment(size, partial)
		if err != nil && !opts.NonBlocking {
			freed, unwatch := c.stack.pool.watch()
			if seg, err = c.allocSegment(size, partial); err != nil {
				err = c.sleep(ctx, c.writeDeadline, freed)
				unwatch()
				if err != nil {
					if copied > 0 {
						return copied, nil
					}
					return 0, err
				}
				continue
			}
			unwatch()
		}
		if err != nil {
			if copied > 0 {
				return copied, nil
			}
			return 0, err
		}

		seg.Seq = c.writeSeq
		seg.Flags = ACKFlag
		seg.appendPayload(data[:size])
		c.writeSeq += uint32(size)
		data = data[size:]
		copied += size
		if opts.OOB && len(data) == 0 {
			seg.Flags |= URGFlag
			seg.Urgent = uint16(size)
		}
		if len(data) == 0 {
			seg.Flags |= PSHFlag
		}

		if partial {
			c.partial = seg
			c.armPartialFlush()
		} else {
			c.transmitOrQueue(seg)
		}
	}
	return copied, nil
}

// sendQueued is the send memory in use: accepted bytes not yet acked.
func (c *Connection) sendQueued() int {
	return max(seqDiff(c.writeSeq, c.sndUna), 0)
}

// allocSegment leases a chunk for a new outbound segment. A segment that
// will become the partial buffer reserves a full mss.
func (c *Connection) allocSegment(size int, partial bool) (*Segment, error) {
	need := size
	if partial {
		need = c.mss
	}
	if used := c.sendQueued(); used > 0 && used+need > c.sndBuf {
		return nil, errNoMemory
	}
	chunk := c.stack.pool.get()
	if chunk == nil {
		return nil, errNoMemory
	}
	return &Segment{chunk: chunk}, nil
}

func (c *Connection) releaseSegment(seg *Segment) {
	if seg.chunk != nil {
		c.stack.pool.put(seg.chunk)
		seg.chunk = nil
	}
	seg.Payload = nil
}

// sendPartial flushes the partial segment, if any.
func (c *Connection) sendPartial() {
	p := c.partial
	if p == nil {
		return
	}
	c.partial = nil
	c.partialTimer.stop()
	c.transmitOrQueue(p)
}

func (c *Connection) transmitOrQueue(seg *Segment) {
	c.writeQueue = append(c.writeQueue, seg)
	c.pushWriteQueue()
}

// pushWriteQueue transmits queued segments while they fit in
// sndUna + min(sndWnd, cwnd).
func (c *Connection) pushWriteQueue() {
	if !c.state.synchronized() {
		return
	}
	for len(c.writeQueue) > 0 {
		head := c.writeQueue[0]
		usable := c.usableWindow()
		if head.Len() == 0 || int(head.SeqLen()) <= usable {
			c.writeQueue[0] = nil
			c.writeQueue = c.writeQueue[1:]
			c.transmit(head)
			continue
		}
		if usable > 0 && !c.outstanding() {
			// Nothing in flight means no ACK is coming to open the window
			// further, so send what fits now.
			if front := c.splitSegment(head, usable); front != nil {
				c.transmit(front)
				continue
			}
		}
		break
	}
	if len(c.writeQueue) > 0 {
		c.armPersist()
	}
}

// splitSegment carves the first n payload bytes of seg into a new
// segment, which the caller now owns. It returns nil without memory.
func (c *Connection) splitSegment(seg *Segment, n int) *Segment {
	if n <= 0 || n >= seg.Len() {
		return nil
	}
	chunk := c.stack.pool.get()
	if chunk == nil {
		return nil
	}
	front := &Segment{chunk: chunk, Seq: seg.Seq, Flags: seg.Flags &^ (URGFlag | FINFlag | PSHFlag)}
	front.appendPayload(seg.Payload[:n])
	if seg.has(URGFlag) && int(seg.Urgent) <= n {
		front.Flags |= URGFlag
		front.Urgent = seg.Urgent
		seg.Flags &^= URGFlag
		seg.Urgent = 0
	} else if seg.has(URGFlag) {
		seg.Urgent -= uint16(n)
	}
	pl := seg.chunk.Data.(*Payload)
	if err := pl.Copy(seg.Payload[n:]); err != nil {
		c.stack.pool.put(chunk)
		return nil
	}
	seg.Payload = pl.GetSlice()
	seg.Seq += uint32(n)
	return front
}

// transmit hands a segment to the network. First transmissions advance
// sndNxt and move the segment to the retransmit queue.
func (c *Connection) transmit(seg *Segment) {
	if seg.xmits == 0 {
		seg.sentAt = time.Now()
		if isGreater(seg.End(), c.sndNxt) {
			c.sndNxt = seg.End()
		}
		c.rtxQueue = append(c.rtxQueue, seg)
	}
	seg.xmits++
	c.output(seg)
	if !c.rtxTimer.pending() {
		c.armRetransmit()
	}
}

// output stamps the acknowledgment and window fields and writes a copy of
// the segment to the network.
func (c *Connection) output(seg *Segment) {
	out := *seg
	out.SrcPort = c.key.local.Port()
	out.DstPort = c.key.remote.Port()
	if !out.has(RSTFlag) || out.has(ACKFlag) {
		if c.state != StateSynSent {
			out.Flags |= ACKFlag
			out.Ack = c.rcvNxt
		} else {
			out.Flags &^= ACKFlag
		}
	}
	if !out.has(RSTFlag) {
		out.Window = c.selectWindow()
	}
	if out.has(SYNFlag) {
		out.MSS = uint16(c.advertisedMSS())
	}
	c.stack.output(c.key, &out)
}

func (c *Connection) sendAck() {
	c.output(&Segment{Seq: c.sndNxt, Flags: ACKFlag})
}

// sendProbe sends an ACK one below sndUna. The peer cannot accept it and
// answers with its current window.
func (c *Connection) sendProbe() {
	c.stack.stats.Probes.Add(1)
	c.output(&Segment{Seq: c.sndUna - 1, Flags: ACKFlag})
}

func (c *Connection) sendReset() {
	if c.state == StateClosed || c.state == StateListen || c.state == StateSynSent {
		return
	}
	c.stack.stats.ResetsSent.Add(1)
	c.output(&Segment{Seq: c.sndNxt, Flags: RSTFlag | ACKFlag})
}

func (c *Connection) sendSyn() {
	syn := &Segment{Seq: c.iss, Flags: SYNFlag}
	c.writeSeq = c.iss + 1
	c.transmit(syn)
}

// sendFin queues our FIN behind any pending data.
func (c *Connection) sendFin() {
	if c.finQueued {
		return
	}
	c.sendPartial()
	c.finQueued = true
	c.finSeq = c.writeSeq
	c.writeSeq++
	c.transmitOrQueue(&Segment{Seq: c.finSeq, Flags: FINFlag | ACKFlag})
}

func newISS() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

var errNoMemory = errors.Wrap(ErrWouldBlock, "no send memory")

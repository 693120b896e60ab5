package lib

import (
	"time"
)

// segmentArrives runs the RFC 793 event processing for one inbound
// segment. It is only called with the connection lock held.
func (c *Connection) segmentArrives(seg *Segment) {
	if c.destroyed {
		return
	}
	c.lastRecv = time.Now()
	c.keepProbes = 0
	if seg.has(RSTFlag) {
		c.stack.stats.ResetsReceived.Add(1)
	}

	switch c.state {
	case StateClosed:
		return
	case StateListen:
		c.listenInput(seg)
		return
	case StateSynSent:
		c.synSentInput(seg)
		return
	}

	// 1. sequence acceptability
	if !c.acceptable(seg) {
		if seg.has(RSTFlag) {
			return
		}
		if c.state == StateTimeWait && seg.has(FINFlag) {
			// a retransmitted FIN: our last ACK was lost
			c.enterTimeWait()
		}
		if c.state == StateSynReceived && seg.has(SYNFlag) && seg.Seq == c.irs {
			c.retransmitSyn()
			return
		}
		c.sendAck()
		return
	}

	// 2. RST
	if seg.has(RSTFlag) {
		c.resetInput()
		return
	}

	// 3. SYN inside the window gets an ACK, not a reset
	if seg.has(SYNFlag) {
		c.sendAck()
		return
	}

	// 4. ACK
	if !seg.has(ACKFlag) {
		return
	}
	if !c.ackInput(seg) {
		return
	}

	// 5. URG
	if seg.has(URGFlag) && c.state.canReceive() {
		c.checkUrgent(seg)
	}

	// 6. text and FIN
	if seg.Len() > 0 || seg.has(FINFlag) {
		c.textInput(seg)
	}
}

// acceptable is the RFC 793 receive window test.
func (c *Connection) acceptable(seg *Segment) bool {
	wnd := uint32(c.rcvWindow())
	n := seg.SeqLen()
	switch {
	case n == 0 && wnd == 0:
		return seg.Seq == c.rcvNxt
	case n == 0:
		return seqBetween(seg.Seq, c.rcvNxt, c.rcvNxt+wnd)
	case wnd == 0:
		return false
	default:
		return seqBetween(seg.Seq, c.rcvNxt, c.rcvNxt+wnd) ||
			seqBetween(seg.Seq+n-1, c.rcvNxt, c.rcvNxt+wnd)
	}
}

// listenInput handles the SYN that created a passive connection.
func (c *Connection) listenInput(seg *Segment) {
	if seg.has(RSTFlag) || seg.has(ACKFlag) || !seg.has(SYNFlag) {
		c.destroy()
		return
	}
	c.irs = seg.Seq
	c.rcvNxt = seg.Seq + 1
	c.copiedSeq = c.rcvNxt
	c.rcvAdv = c.rcvNxt + uint32(min(c.rcvBuf, MaxWindow))
	c.negotiateMSS(seg)

	c.iss = newISS()
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.sndWnd = uint32(seg.Window)
	c.maxSndWnd = c.sndWnd
	c.sndWl1 = seg.Seq
	c.setState(StateSynReceived)
	c.sendSyn()
}

func (c *Connection) synSentInput(seg *Segment) {
	if seg.has(ACKFlag) && (isLessOrEqual(seg.Ack, c.iss) || isGreater(seg.Ack, c.sndNxt)) {
		if !seg.has(RSTFlag) {
			c.stack.sendResetFor(c.key, seg)
		}
		return
	}
	if seg.has(RSTFlag) {
		if seg.has(ACKFlag) {
			c.log.Info("connection refused")
			c.abort(ErrConnRefused)
		}
		return
	}
	if !seg.has(SYNFlag) {
		return
	}

	c.irs = seg.Seq
	c.rcvNxt = seg.Seq + 1
	c.copiedSeq = c.rcvNxt
	c.rcvAdv = c.rcvNxt + uint32(min(c.rcvBuf, MaxWindow))
	c.negotiateMSS(seg)

	if seg.has(ACKFlag) {
		c.ackAdvance(seg.Ack)
		c.sndWnd = uint32(seg.Window)
		c.maxSndWnd = max(c.maxSndWnd, c.sndWnd)
		c.sndWl1 = seg.Seq
		c.sndWl2 = seg.Ack
		c.established()
		c.sendAck()
		return
	}

	// simultaneous open
	c.sndWnd = uint32(seg.Window)
	c.maxSndWnd = c.sndWnd
	c.sndWl1 = seg.Seq
	c.setState(StateSynReceived)
	c.retransmitSyn()
}

func (c *Connection) retransmitSyn() {
	if len(c.rtxQueue) > 0 && c.rtxQueue[0].has(SYNFlag) {
		c.transmit(c.rtxQueue[0])
	}
}

func (c *Connection) negotiateMSS(seg *Segment) {
	peer := DefaultMSS
	if seg.MSS != 0 {
		peer = int(seg.MSS)
	}
	c.mss = max(min(c.advertisedMSS(), peer), 1)
}

// established completes the handshake.
func (c *Connection) established() {
	c.cwnd = uint32(c.config.InitialCwnd * c.mss)
	c.synced = true
	c.setState(StateEstablished)
	c.armKeepalive()
	if c.parent != nil {
		c.parent.established(c)
	}
	if c.shutdown&ShutdownSend != 0 {
		// closed during the handshake
		c.setState(StateFinWait1)
		c.sendFin()
	}
}

func (c *Connection) resetInput() {
	switch c.state {
	case StateSynReceived:
		if c.parent != nil {
			// passive open: the listener simply forgets us
			c.destroy()
			return
		}
		c.abort(ErrConnRefused)
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.log.Info("connection reset by peer")
		c.abort(ErrConnReset)
	default:
		c.abort(nil)
	}
}

// ackInput processes the acknowledgment field. It returns false when the
// segment must not be processed further.
func (c *Connection) ackInput(seg *Segment) bool {
	if c.state == StateSynReceived {
		if !seqBetween(seg.Ack, c.sndUna+1, c.sndNxt+1) {
			c.stack.sendResetFor(c.key, seg)
			return false
		}
		c.ackAdvance(seg.Ack)
		c.sndWnd = uint32(seg.Window)
		c.maxSndWnd = max(c.maxSndWnd, c.sndWnd)
		c.sndWl1 = seg.Seq
		c.sndWl2 = seg.Ack
		c.established()
		c.pushWriteQueue()
		return true
	}

	if isGreater(seg.Ack, c.sndNxt) {
		// acknowledges something not yet sent
		c.sendAck()
		return false
	}
	if isGreater(seg.Ack, c.sndUna) {
		c.ackAdvance(seg.Ack)
	}
	if isGreaterOrEqual(seg.Ack, c.sndUna) {
		c.updateSendWindow(seg)
	}
	c.probes = 0

	switch c.state {
	case StateFinWait1:
		if c.finAcked() {
			c.setState(StateFinWait2)
			c.armFinTimeout()
		}
	case StateClosing:
		if c.finAcked() {
			c.enterTimeWait()
			return false
		}
	case StateLastAck:
		if c.finAcked() {
			c.destroy()
			return false
		}
	}

	c.pushWriteQueue()
	if !c.outstanding() && len(c.writeQueue) == 0 {
		c.sendPartial()
	}
	return true
}

// ackAdvance releases acknowledged segments and grows the congestion
// window.
func (c *Connection) ackAdvance(ack uint32) {
	c.sndUna = ack
	now := time.Now()
	var sample time.Duration
	for len(c.rtxQueue) > 0 {
		seg := c.rtxQueue[0]
		if isGreater(seg.End(), ack) {
			break
		}
		if seg.xmits == 1 {
			sample = now.Sub(seg.sentAt)
		}
		c.rtxQueue[0] = nil
		c.rtxQueue = c.rtxQueue[1:]
		c.releaseSegment(seg)
	}
	if sample > 0 {
		c.updateRTT(sample)
	}
	c.retries = 0
	if c.cwnd > 0 {
		c.cwnd = min(c.cwnd+uint32(c.mss), uint32(c.config.MaxCwnd))
	}
	if len(c.rtxQueue) == 0 {
		c.rtxTimer.stop()
	} else {
		c.armRetransmit()
	}
	c.wakeup()
}

// checkUrgent records a new urgent pointer. The urgent byte is the one
// before seq+urgent.
func (c *Connection) checkUrgent(seg *Segment) {
	ptr := seg.Seq + uint32(seg.Urgent)
	if seg.Urgent > 0 {
		ptr--
	}
	if isGreater(c.copiedSeq, ptr) {
		return
	}
	if c.urgState != urgNone && ptr == c.urgSeq {
		return
	}
	c.urgSeq = ptr
	c.urgState = urgNotYet
	c.wakeup()
}

func (c *Connection) captureUrgent(seg *Segment) {
	if c.urgState != urgNotYet {
		return
	}
	if off := seqDiff(c.urgSeq, seg.Seq); off >= 0 && off < seg.Len() {
		c.urgByte = seg.Payload[off]
		c.urgState = urgValid
	}
}

// textInput queues segment text, advances rcvNxt over contiguous data and
// handles the FIN once everything before it has arrived.
func (c *Connection) textInput(seg *Segment) {
	if !c.state.canReceive() {
		// the peer's FIN was already processed; nothing after it is valid
		return
	}
	if c.dead && seg.Len() > 0 {
		// nobody will ever read this
		c.log.Debug("data for a closed connection, resetting")
		c.sendReset()
		c.abort(nil)
		return
	}

	c.captureUrgent(seg)
	if over := seqDiff(c.rcvNxt, seg.Seq); over > 0 {
		trimFront(seg, over)
	}
	if beyond := seqDiff(seg.End(), c.rcvAdv); beyond > 0 {
		trimBack(seg, beyond)
	}

	if c.shutdown&ShutdownRecv != 0 && !c.finRcvd {
		// reads are shut down: acknowledge and drop
		if seg.Seq == c.rcvNxt {
			c.rcvNxt = seg.End()
			c.copiedSeq = c.rcvNxt
			if seg.has(FINFlag) {
				c.peerFin()
			}
		}
		c.sendAck()
		return
	}

	if c.rcvQueue.insert(seg) {
		if c.advanceRcvNxt() {
			c.peerFin()
		}
		c.wakeup()
	}
	c.sendAck()
}

// advanceRcvNxt moves rcvNxt over queued contiguous segments and reports
// whether it passed the FIN.
func (c *Connection) advanceRcvNxt() bool {
	for {
		s := c.rcvQueue.startingAt(c.rcvNxt)
		if s == nil || s.SeqLen() == 0 {
			return false
		}
		c.rcvNxt = s.End()
		if s.has(FINFlag) {
			return true
		}
	}
}

// peerFin applies the state transition for an in-order FIN.
func (c *Connection) peerFin() {
	if c.finRcvd {
		return
	}
	c.finRcvd = true
	switch c.state {
	case StateSynReceived, StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		if c.finAcked() {
			c.enterTimeWait()
		} else {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.enterTimeWait()
	}
	c.wakeup()
}

package lib

// rcvWindow is the window currently advertised to the peer.
func (c *Connection) rcvWindow() int {
	return max(seqDiff(c.rcvAdv, c.rcvNxt), 0)
}

// selectWindow computes the window for an outgoing segment. The right edge
// never moves left, and it only moves right by at least
// min(mss, rcvBuf/2) so the peer is not invited to send tiny segments.
func (c *Connection) selectWindow() uint16 {
	free := min(max(c.rcvBuf-c.rcvQueue.bytes, 0), MaxWindow)
	edge := c.rcvNxt + uint32(free)
	if isGreater(edge, c.rcvAdv) {
		grow := seqDiff(edge, c.rcvAdv)
		if grow >= min(c.mss, c.rcvBuf/2) {
			c.rcvAdv = edge
		}
	}
	return uint16(min(c.rcvWindow(), MaxWindow))
}

// windowUpdate announces a window that opened far enough after the
// application consumed data.
func (c *Connection) windowUpdate() {
	if !c.state.synchronized() || c.state == StateTimeWait {
		return
	}
	old := c.rcvAdv
	c.selectWindow()
	if c.rcvAdv != old {
		c.sendAck()
	}
}

// usableWindow is how much more may be put in flight:
// sndUna + min(sndWnd, cwnd) - sndNxt.
func (c *Connection) usableWindow() int {
	limit := min(c.sndWnd, c.cwnd)
	return seqDiff(c.sndUna+limit, c.sndNxt)
}

// updateSendWindow applies the peer's window if the segment is not older
// than the one that last updated it (RFC 793 SND.WL1/SND.WL2 rule).
func (c *Connection) updateSendWindow(seg *Segment) {
	if isLess(c.sndWl1, seg.Seq) || (c.sndWl1 == seg.Seq && isLessOrEqual(c.sndWl2, seg.Ack)) {
		c.sndWnd = uint32(seg.Window)
		c.sndWl1 = seg.Seq
		c.sndWl2 = seg.Ack
		c.maxSndWnd = max(c.maxSndWnd, c.sndWnd)
		if c.sndWnd > 0 {
			c.persistTimer.stop()
		}
	}
}

package lib

import (
	"time"
)

const (
	rttAlpha = 0.875 // SRTT smoothing factor
	rttBeta  = 2.0   // RTO multiplier
)

// connTimer is a one-shot timer whose callback runs under the connection
// lock. The generation counter discards callbacks that raced with stop.
type connTimer struct {
	t   *time.Timer
	gen uint64
}

func (ct *connTimer) stop() {
	if ct.t != nil {
		ct.t.Stop()
		ct.t = nil
	}
	ct.gen++
}

func (ct *connTimer) pending() bool {
	return ct.t != nil
}

func (c *Connection) arm(ct *connTimer, d time.Duration, fn func()) {
	ct.stop()
	gen := ct.gen
	ct.t = time.AfterFunc(d, func() {
		c.lock()
		defer c.unlock()
		if ct.gen != gen || c.destroyed {
			return
		}
		ct.t = nil
		fn()
	})
}

func (c *Connection) stopTimers() {
	c.rtxTimer.stop()
	c.persistTimer.stop()
	c.waitTimer.stop()
	c.partialTimer.stop()
	c.keepTimer.stop()
}

// updateRTT folds a new round trip sample into SRTT and derives the RTO.
func (c *Connection) updateRTT(sample time.Duration) {
	if c.srtt == 0 {
		c.srtt = sample
	} else {
		c.srtt = time.Duration(float64(c.srtt)*rttAlpha + float64(sample)*(1-rttAlpha))
	}
	c.rto = clampDuration(time.Duration(float64(c.srtt)*rttBeta), c.config.RTOMin.D(), c.config.RTOMax.D())
}

func (c *Connection) armRetransmit() {
	c.arm(&c.rtxTimer, c.rto, c.retransmitTimeout)
}

// retransmitTimeout resends the oldest unacknowledged segment with
// exponential backoff and gives up after the configured number of tries.
func (c *Connection) retransmitTimeout() {
	if len(c.rtxQueue) == 0 {
		return
	}
	c.retries++
	limit := c.config.MaxRetries
	if !c.state.synchronized() {
		limit = c.config.SynRetries
	}
	if c.retries > limit {
		err := ErrTimedOut
		if c.softErr != nil {
			err = c.softErr
		}
		c.log.WithField("retries", c.retries-1).Warn("retransmission limit reached, aborting")
		c.sendReset()
		c.abort(err)
		return
	}

	c.rto = min(c.rto*2, c.config.RTOMax.D())
	c.cwnd = uint32(c.mss)
	seg := c.rtxQueue[0]
	c.log.Debugf("retransmit %s (try %d, rto %s)", seg, c.retries, c.rto)
	c.stack.stats.Retransmits.Add(1)
	c.transmit(seg)
	c.armRetransmit()
}

// armPersist starts zero-window probing when data waits on a closed
// window and nothing is in flight to elicit an ACK.
func (c *Connection) armPersist() {
	if c.persistTimer.pending() || len(c.writeQueue) == 0 || len(c.rtxQueue) > 0 {
		return
	}
	d := c.config.ProbeInterval.D() << min(c.probes, 6)
	c.arm(&c.persistTimer, min(d, c.config.RTOMax.D()), c.persistTimeout)
}

func (c *Connection) persistTimeout() {
	if len(c.writeQueue) == 0 || len(c.rtxQueue) > 0 || !c.state.synchronized() {
		return
	}
	c.probes++
	if c.probes > c.config.MaxRetries {
		c.log.Warn("peer stopped answering window probes, aborting")
		c.abort(ErrTimedOut)
		return
	}
	if usable := c.usableWindow(); usable > 0 {
		// The window opened partially: send what fits.
		head := c.writeQueue[0]
		if head.Len() > usable {
			if front := c.splitSegment(head, usable); front != nil {
				c.writeQueue = append([]*Segment{front}, c.writeQueue...)
			}
		}
		c.pushWriteQueue()
	} else {
		c.sendProbe()
	}
	c.armPersist()
}

func (c *Connection) armPartialFlush() {
	if c.partialTimer.pending() || c.config.PartialFlushDelay <= 0 {
		return
	}
	c.arm(&c.partialTimer, c.config.PartialFlushDelay.D(), c.sendPartial)
}

func (c *Connection) armKeepalive() {
	if c.config.KeepaliveInterval <= 0 {
		return
	}
	c.arm(&c.keepTimer, c.config.KeepaliveInterval.D(), c.keepaliveTimeout)
}

func (c *Connection) keepaliveTimeout() {
	if c.state != StateEstablished && c.state != StateCloseWait {
		return
	}
	interval := c.config.KeepaliveInterval.D()
	if time.Since(c.lastRecv) >= interval && !c.outstanding() {
		c.keepProbes++
		if c.keepProbes > c.config.KeepaliveProbes {
			c.log.Info("keepalive probes unanswered, aborting")
			c.sendReset()
			c.abort(ErrTimedOut)
			return
		}
		c.sendProbe()
	}
	c.armKeepalive()
}

// enterTimeWait holds the connection for the configured 2*MSL before it
// is destroyed. Re-entering restarts the clock.
func (c *Connection) enterTimeWait() {
	c.setState(StateTimeWait)
	c.rtxTimer.stop()
	c.persistTimer.stop()
	c.partialTimer.stop()
	c.keepTimer.stop()
	c.arm(&c.waitTimer, c.config.TimeWaitDuration.D(), c.destroy)
}

// armFinTimeout bounds how long an orphaned connection may sit in
// FIN_WAIT2 waiting for a peer that never closes.
func (c *Connection) armFinTimeout() {
	if c.state != StateFinWait2 || !c.dead || c.config.FinTimeout <= 0 {
		return
	}
	c.arm(&c.waitTimer, c.config.FinTimeout.D(), func() {
		if c.state == StateFinWait2 {
			c.log.Info("orphaned FIN_WAIT2 timed out")
			c.destroy()
		}
	})
}

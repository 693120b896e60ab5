package lib

import (
	"context"
	"io"

	"github.com/google/btree"
)

// RecvOptions modify a single Recv call.
type RecvOptions struct {
	NonBlocking bool
	OOB         bool // read the urgent byte instead of the stream
	Peek        bool // leave the data in the queue
	WaitAll     bool // block until the buffer is full
}

// recvQueue keeps received segments ordered by sequence number. Segments
// never overlap: insert trims new arrivals against their neighbours, so
// bytes counts every queued byte once.
type recvQueue struct {
	tree  *btree.BTreeG[*Segment]
	bytes int
	probe Segment
}

func newRecvQueue() *recvQueue {
	return &recvQueue{
		tree: btree.NewG(8, func(a, b *Segment) bool { return isLess(a.Seq, b.Seq) }),
	}
}

// insert adds seg, dropping whatever part of it is already queued. It
// reports whether anything new was stored.
func (q *recvQueue) insert(seg *Segment) bool {
	var pred *Segment
	q.tree.DescendLessOrEqual(seg, func(s *Segment) bool {
		pred = s
		return false
	})
	if pred != nil {
		if isGreaterOrEqual(pred.End(), seg.End()) {
			return false
		}
		if over := seqDiff(pred.End(), seg.Seq); over > 0 {
			trimFront(seg, over)
		}
	}

	var covered []*Segment
	q.tree.AscendGreaterOrEqual(seg, func(s *Segment) bool {
		if !isLess(s.Seq, seg.End()) {
			return false
		}
		if isLessOrEqual(s.End(), seg.End()) {
			covered = append(covered, s)
			return true
		}
		trimBack(seg, seqDiff(seg.End(), s.Seq))
		return false
	})
	for _, s := range covered {
		q.remove(s)
	}
	if seg.SeqLen() == 0 {
		return false
	}
	q.tree.ReplaceOrInsert(seg)
	q.bytes += seg.Len()
	return true
}

func (q *recvQueue) remove(s *Segment) {
	if _, ok := q.tree.Delete(s); ok {
		q.bytes -= s.Len()
	}
}

// at returns the segment covering seq.
func (q *recvQueue) at(seq uint32) *Segment {
	q.probe.Seq = seq
	var found *Segment
	q.tree.DescendLessOrEqual(&q.probe, func(s *Segment) bool {
		if isLess(seq, s.End()) {
			found = s
		}
		return false
	})
	return found
}

// startingAt returns the segment whose first sequence number is seq.
func (q *recvQueue) startingAt(seq uint32) *Segment {
	q.probe.Seq = seq
	s, _ := q.tree.Get(&q.probe)
	return s
}

func (q *recvQueue) outOfOrder(rcvNxt uint32) int {
	n := 0
	q.probe.Seq = rcvNxt
	q.tree.AscendGreaterOrEqual(&q.probe, func(*Segment) bool {
		n++
		return true
	})
	return n
}

func (q *recvQueue) clear() {
	q.tree.Clear(false)
	q.bytes = 0
}

func trimFront(s *Segment, n int) {
	if n >= s.Len() {
		s.Seq += uint32(s.Len())
		s.Payload = nil
		return
	}
	s.Payload = s.Payload[n:]
	s.Seq += uint32(n)
}

func trimBack(s *Segment, n int) {
	if n <= 0 {
		return
	}
	if s.has(FINFlag) {
		s.Flags &^= FINFlag
		n--
	}
	s.Payload = s.Payload[:max(s.Len()-n, 0)]
}

// Recv reads from the stream. It returns io.EOF once the peer's FIN has
// been consumed; after the connection is fully closed that is reported a
// single time and later calls get ErrNotConnected.
func (c *Connection) Recv(ctx context.Context, b []byte, opts RecvOptions) (int, error) {
	c.lock()
	defer c.unlock()
	return c.recv(ctx, b, opts)
}

// Read implements io.Reader.
func (c *Connection) Read(b []byte) (int, error) {
	return c.Recv(context.Background(), b, RecvOptions{})
}

func (c *Connection) recv(ctx context.Context, b []byte, opts RecvOptions) (int, error) {
	if c.dead {
		return 0, ErrNotConnected
	}
	if opts.OOB {
		return c.readUrgent(b, opts.Peek)
	}
	if len(b) == 0 {
		return 0, nil
	}

	cursor := &c.copiedSeq
	peekSeq := c.copiedSeq
	if opts.Peek {
		cursor = &peekSeq
	}

	copied := 0
	for copied < len(b) {
		// Stop at the urgent mark so it shows up as a boundary.
		if copied > 0 && c.urgState != urgNone && c.urgSeq == *cursor {
			break
		}

		if isLess(*cursor, c.rcvNxt) {
			seg := c.rcvQueue.at(*cursor)
			if seg != nil {
				offset := seqDiff(*cursor, seg.Seq)
				if offset < seg.Len() {
					used := min(seg.Len()-offset, len(b)-copied)
					if c.urgState != urgNone {
						urgOffset := seqDiff(c.urgSeq, *cursor)
						if urgOffset >= 0 && urgOffset < used {
							if urgOffset == 0 {
								// the urgent byte is not part of the stream
								*cursor++
								offset++
								used--
							} else {
								used = urgOffset
							}
						}
					}
					copy(b[copied:], seg.Payload[offset:offset+used])
					*cursor += uint32(used)
					copied += used
					if !opts.Peek {
						if c.urgState != urgNone && isGreater(c.copiedSeq, c.urgSeq) {
							c.urgState = urgNone
						}
						if c.copiedSeq == seg.Seq+uint32(seg.Len()) && !seg.has(FINFlag) {
							c.rcvQueue.remove(seg)
						}
					}
					continue
				}
				if seg.has(FINFlag) {
					// reached the peer's FIN
					*cursor++
					if !opts.Peek {
						c.rcvQueue.remove(seg)
						c.shutdown |= ShutdownRecv
					}
					break
				}
			}
		}

		if copied > 0 && !opts.WaitAll {
			break
		}
		if c.err != nil {
			if copied > 0 {
				break
			}
			return 0, c.sockError()
		}
		if c.state == StateClosed {
			if copied > 0 {
				break
			}
			// end of stream only exists for a connection that had one
			if (c.synced || c.finRcvd) && !c.done {
				c.done = true
				return 0, io.EOF
			}
			return 0, ErrNotConnected
		}
		if c.shutdown&ShutdownRecv != 0 {
			if copied > 0 {
				break
			}
			c.done = true
			return 0, io.EOF
		}
		if opts.NonBlocking {
			if copied > 0 {
				break
			}
			return 0, ErrWouldBlock
		}
		if copied > 0 && !opts.Peek {
			// the peer may be waiting on the space we just freed
			c.windowUpdate()
		}
		if err := c.sleep(ctx, c.readDeadline, nil); err != nil {
			if copied > 0 {
				break
			}
			return 0, err
		}
		if opts.Peek && isLess(peekSeq, c.copiedSeq) {
			// another reader consumed what we were peeking at
			peekSeq = c.copiedSeq
		}
	}

	if copied > 0 && !opts.Peek {
		c.windowUpdate()
	}
	if copied == 0 && c.shutdown&ShutdownRecv != 0 {
		c.done = true
		return 0, io.EOF
	}
	return copied, nil
}

// readUrgent returns the single urgent byte without ever blocking.
func (c *Connection) readUrgent(b []byte, peek bool) (int, error) {
	if c.urgState == urgNone || c.urgState == urgRead {
		return 0, ErrNoUrgentData
	}
	if c.err != nil {
		return 0, c.sockError()
	}
	if c.urgState == urgValid {
		if len(b) == 0 {
			return 0, nil
		}
		b[0] = c.urgByte
		if !peek {
			c.urgState = urgRead
		}
		return 1, nil
	}
	if c.state == StateClosed || c.shutdown&ShutdownRecv != 0 {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

// readable counts the in-order bytes a read could return, not counting
// the urgent byte.
func (c *Connection) readable() int {
	n := 0
	cursor := c.copiedSeq
	for isLess(cursor, c.rcvNxt) {
		seg := c.rcvQueue.at(cursor)
		if seg == nil {
			break
		}
		avail := seqDiff(seg.Seq+uint32(seg.Len()), cursor)
		if avail <= 0 {
			break
		}
		n += avail
		cursor += uint32(avail)
	}
	if n > 0 && c.urgState != urgNone && seqBetween(c.urgSeq, c.copiedSeq, c.copiedSeq+uint32(n)) {
		n--
	}
	return n
}

// discardReceived drops everything the application has not read.
func (c *Connection) discardReceived() int {
	unread := c.rcvQueue.bytes
	c.rcvQueue.clear()
	c.copiedSeq = c.rcvNxt
	c.urgState = urgNone
	return unread
}

package lib

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/sirupsen/logrus"
)

// Payload is a fixed-capacity chunk holding the bytes of one outbound
// segment. Chunks live in a ring pool shared by every connection of a
// stack, which makes send memory a bounded resource.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool constructor. It takes the chunk size.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		logrus.WithField("params", len(params)).Error("NewPayload: want exactly one parameter, the buffer length")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		logrus.WithField("param", params[0]).Error("NewPayload: buffer length must be a positive int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent, Reset and PrintContent make Payload a ring pool element.
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: Source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

// Append copies as much of src as fits and returns the count.
func (p *Payload) Append(src []byte) int {
	n := copy(p.payloadBytes[p.length:], src)
	p.length += n
	return n
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// payloadPool leases chunks without ever waiting: once every chunk is out,
// get returns nil and the caller treats it as "no memory".
type payloadPool struct {
	ring      *rp.RingPool
	capacity  int64
	chunkSize int
	leased    atomic.Int64

	mu      sync.Mutex
	waiters int
	freedCh chan struct{} // closed when a chunk comes back while someone waits
}

func newPayloadPool(cfg *config.CoreConfig) *payloadPool {
	rp.Debug = cfg.PoolDebug
	ring := rp.NewRingPool("streamtcp: ", cfg.PayloadPoolSize, NewPayload, cfg.PreferredMSS)
	ring.Debug = cfg.PoolDebug
	ring.ProcessTimeThreshold = time.Duration(cfg.ProcessTimeThreshold) * time.Millisecond
	return &payloadPool{
		ring:      ring,
		capacity:  int64(cfg.PayloadPoolSize),
		chunkSize: cfg.PreferredMSS,
		freedCh:   make(chan struct{}),
	}
}

func (pp *payloadPool) get() *rp.Element {
	if pp.leased.Add(1) > pp.capacity {
		pp.leased.Add(-1)
		return nil
	}
	e := pp.ring.GetElement()
	if e == nil {
		pp.leased.Add(-1)
		return nil
	}
	e.Data.(*Payload).Reset()
	return e
}

func (pp *payloadPool) put(e *rp.Element) {
	if e == nil {
		return
	}
	e.Data.(*Payload).Reset()
	pp.ring.ReturnElement(e)
	pp.leased.Add(-1)
	pp.mu.Lock()
	if pp.waiters > 0 {
		close(pp.freedCh)
		pp.freedCh = make(chan struct{})
	}
	pp.mu.Unlock()
}

// watch registers a waiter and returns the channel closed by the next put.
// Call it before retrying get so a chunk returned in between is not missed,
// and call unwatch once done waiting.
func (pp *payloadPool) watch() (freed <-chan struct{}, unwatch func()) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.waiters++
	return pp.freedCh, func() {
		pp.mu.Lock()
		pp.waiters--
		pp.mu.Unlock()
	}
}

func (pp *payloadPool) inUse() int {
	return int(pp.leased.Load())
}

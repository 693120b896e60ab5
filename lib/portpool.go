package lib

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PortPool hands out ephemeral local ports. The ports sit in a ring in
// random order; a port comes back at the write end once its connection is
// gone, so recently used ports are the last to be reused.
type PortPool struct {
	ports           []uint16
	capacity        int
	minPort         uint16
	maxPort         uint16
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocated       map[uint16]time.Time
	mtx             sync.Mutex
}

// NewPortPool creates a pool holding every port in [minPort, maxPort].
func NewPortPool(minPort, maxPort uint16) *PortPool {
	capacity := int(maxPort) - int(minPort) + 1
	perm := rand.Perm(capacity)

	ports := make([]uint16, capacity)
	for i, v := range perm {
		ports[i] = minPort + uint16(v)
	}

	return &PortPool{
		ports:     ports,
		capacity:  capacity,
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[uint16]time.Time),
		isFull:    true,
	}
}

// Get takes a port out of the pool.
func (p *PortPool) Get() (uint16, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		return 0, errors.Wrap(ErrAddrInUse, "ephemeral port pool exhausted")
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false
	p.allocated[port] = time.Now()
	return port, nil
}

// Put returns a port taken with Get.
func (p *PortPool) Put(port uint16) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return errors.Errorf("port %d outside pool range %d-%d", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocated[port]; !ok {
		return errors.Errorf("port %d was not allocated", port)
	}
	if p.isFull {
		return errors.New("port pool is full")
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false
	delete(p.allocated, port)
	return nil
}

// Available returns the number of ports left in the pool.
func (p *PortPool) Available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.capacity - len(p.allocated)
}

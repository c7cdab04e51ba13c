package sip

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPorts is returned when every RTP port in the range is in use
var ErrNoPorts = errors.New("no RTP ports available")

// PortPool hands out even RTP ports (RTCP on the next odd port). A port is
// only handed out if it can actually be bound on the host.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	next      int
	allocated map[int]bool
	canBind   func(port int) bool
}

// NewPortPool creates a pool for [minPort, maxPort]
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}
	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		next:      minPort,
		allocated: make(map[int]bool),
		canBind:   canBindUDP,
	}
}

// Allocate reserves the next free port
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.size()
	for i := 0; i < size; i++ {
		port := p.next
		p.next += 2
		if p.next >= p.maxPort {
			p.next = p.minPort
		}
		if p.allocated[port] || !p.canBind(port) {
			continue
		}
		p.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w (range %d-%d)", ErrNoPorts, p.minPort, p.maxPort)
}

// Release returns a port to the pool
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// Allocated returns the number of reserved ports
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Available reports whether at least one port could be allocated now
func (p *PortPool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.minPort; port < p.maxPort; port += 2 {
		if !p.allocated[port] && p.canBind(port) {
			return true
		}
	}
	return false
}

func (p *PortPool) size() int {
	if p.maxPort <= p.minPort {
		return 0
	}
	return (p.maxPort - p.minPort + 1) / 2
}

func canBindUDP(port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

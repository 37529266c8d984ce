// Package memdriver is an in-memory Driver implementation for tests:
// it lets a test configure PACKET_LOSS_PERCENTAGE, duplication and
// reordering, and exposes a please_drop-independent Filter hook for
// scenario tests (spec §8 S1-S6) that need to drop a specific
// fragment rather than a random percentage of traffic.
package memdriver

import (
	"math/rand"
)

// Addr identifies an endpoint on a Network.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

// FilterFunc can veto delivery of a specific packet; returning true
// drops it. Tests decode the header with wire.DecodeHeader to target
// individual fragments deterministically (e.g. S2's "drop frag 1").
type FilterFunc func(from, to Addr, data []byte) bool

type packet struct {
	from Addr
	data []byte
}

// Network is the shared unreliable medium a set of memdriver.Drivers
// sit on. It is not goroutine-safe: like the transport itself, it is
// meant to be driven from a single test goroutine.
type Network struct {
	maxPayload          uint32
	rng                 *rand.Rand
	lossPercentage      int
	duplicatePercentage int
	reorderWindow       int
	filter              FilterFunc
	ports               map[Addr]*Driver
}

// NewNetwork creates a Network with the given fixed MaxPayloadSize and
// a deterministic RNG seed (for reproducible loss/duplication tests).
func NewNetwork(maxPayload uint32, seed int64) *Network {
	return &Network{
		maxPayload: maxPayload,
		rng:        rand.New(rand.NewSource(seed)),
		ports:      make(map[Addr]*Driver),
	}
}

// SetLossPercentage sets PACKET_LOSS_PERCENTAGE: each send is
// independently dropped with this probability.
func (n *Network) SetLossPercentage(p int) { n.lossPercentage = p }

// SetDuplicatePercentage causes each send to additionally be
// delivered a second time with probability p.
func (n *Network) SetDuplicatePercentage(p int) { n.duplicatePercentage = p }

// SetReorderWindow enables pseudo-random reordering: packets are held
// in a window of this many entries and released in random order
// within it. 0 (the default) disables reordering (strict FIFO).
func (n *Network) SetReorderWindow(w int) { n.reorderWindow = w }

// SetFilter installs a veto hook, replacing any previous one.
func (n *Network) SetFilter(f FilterFunc) { n.filter = f }

// NewDriver registers and returns a new Driver bound to addr.
func (n *Network) NewDriver(addr Addr) *Driver {
	d := &Driver{addr: addr, network: n, released: make(map[uintptr]bool)}
	n.ports[addr] = d
	return d
}

func (n *Network) deliver(from, to Addr, data []byte) {
	if n.filter != nil && n.filter(from, to, data) {
		return
	}
	if n.lossPercentage > 0 && n.rng.Intn(100) < n.lossPercentage {
		return
	}
	dst, ok := n.ports[to]
	if !ok {
		return
	}
	copies := 1
	if n.duplicatePercentage > 0 && n.rng.Intn(100) < n.duplicatePercentage {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		buf := make([]byte, len(data))
		copy(buf, data)
		n.enqueue(dst, from, buf)
	}
}

func (n *Network) enqueue(dst *Driver, from Addr, buf []byte) {
	p := &packet{from: from, data: buf}
	if n.reorderWindow <= 0 {
		dst.inbox = append(dst.inbox, p)
		return
	}
	dst.pending = append(dst.pending, p)
	if len(dst.pending) >= n.reorderWindow {
		idx := n.rng.Intn(len(dst.pending))
		chosen := dst.pending[idx]
		dst.pending = append(dst.pending[:idx], dst.pending[idx+1:]...)
		dst.inbox = append(dst.inbox, chosen)
	}
}

// Flush drains any packets still held in reorder windows straight to
// their destination inboxes, in the order they were queued. Call this
// at the end of a test scenario so held packets are not lost.
func (n *Network) Flush() {
	for _, d := range n.ports {
		d.inbox = append(d.inbox, d.pending...)
		d.pending = nil
	}
}

package memdriver

import (
	"fmt"
	"net"
	"unsafe"

	"fragrpc/pkg/driver"
)

// Driver is one endpoint on a Network.
type Driver struct {
	addr    Addr
	network *Network
	inbox   []*packet
	pending []*packet // held inside the network's reorder window

	// released tracks payload identities that have already been
	// Release()'d, so double-release (a violation of spec invariant
	// 6) panics immediately instead of silently passing tests.
	released map[uintptr]bool
}

var _ driver.Driver = (*Driver)(nil)

func (d *Driver) MaxPayloadSize() uint32 { return d.network.maxPayload }

func (d *Driver) SendPacket(addr net.Addr, header []byte, payload []byte) error {
	to, ok := addr.(Addr)
	if !ok {
		return fmt.Errorf("memdriver: addr %v is not a memdriver.Addr", addr)
	}
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	d.network.deliver(d.addr, to, buf)
	return nil
}

func (d *Driver) TryRecvPacket() (driver.ReceivedPacket, bool) {
	if len(d.inbox) == 0 {
		return nil, false
	}
	p := d.inbox[0]
	d.inbox = d.inbox[1:]
	return &receivedPacket{driver: d, from: p.from, data: p.data}, true
}

func (d *Driver) Release(payload []byte) {
	if len(payload) == 0 {
		return
	}
	key := sliceIdentity(payload)
	if d.released[key] {
		panic("memdriver: payload released more than once")
	}
	d.released[key] = true
}

func sliceIdentity(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

type receivedPacket struct {
	driver *Driver
	from   Addr
	data   []byte
	stolen bool
}

func (r *receivedPacket) Addr() net.Addr { return r.from }
func (r *receivedPacket) Payload() []byte {
	return r.data
}
func (r *receivedPacket) Len() int { return len(r.data) }

func (r *receivedPacket) Steal() []byte {
	r.stolen = true
	out := r.data
	r.data = nil
	return out
}

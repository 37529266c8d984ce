// Package udpdriver implements the Driver contract over a real
// net.PacketConn. Its unreliability comes from the network itself;
// PacketLossPercentage additionally lets an operator dry-run the
// transport's retransmit path against a healthy LAN.
package udpdriver

import (
	"math/rand"
	"net"
	"sync"

	"fragrpc/pkg/driver"
)

const recvQueueDepth = 256

// Driver wraps a net.PacketConn (typically a *net.UDPConn) as a
// Driver. A background goroutine drains the socket into a bounded
// channel so TryRecvPacket can stay non-blocking, per spec §5.
type Driver struct {
	conn           net.PacketConn
	maxPayloadSize uint32
	lossPercentage int
	rng            *rand.Rand
	rngMu          sync.Mutex

	recvCh chan *receivedPacket
	stopCh chan struct{}
}

var _ driver.Driver = (*Driver)(nil)

// New wraps conn as a Driver with the given fixed MaxPayloadSize
// (must not exceed the path MTU minus IP/UDP overhead) and starts the
// background read loop.
func New(conn net.PacketConn, maxPayloadSize uint32) *Driver {
	d := &Driver{
		conn:           conn,
		maxPayloadSize: maxPayloadSize,
		rng:            rand.New(rand.NewSource(1)),
		recvCh:         make(chan *receivedPacket, recvQueueDepth),
		stopCh:         make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// SetLossPercentage randomly discards a fraction of otherwise-valid
// received packets, for exercising the retransmit path over an
// otherwise reliable link.
func (d *Driver) SetLossPercentage(p int) { d.lossPercentage = p }

func (d *Driver) readLoop() {
	buf := make([]byte, d.maxPayloadSize)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				continue
			}
		}
		if d.lossPercentage > 0 {
			d.rngMu.Lock()
			drop := d.rng.Intn(100) < d.lossPercentage
			d.rngMu.Unlock()
			if drop {
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		pkt := &receivedPacket{addr: addr, data: data}
		select {
		case d.recvCh <- pkt:
		default:
			// Queue full: drop, matching the driver's best-effort contract.
		}
	}
}

func (d *Driver) MaxPayloadSize() uint32 { return d.maxPayloadSize }

func (d *Driver) SendPacket(addr net.Addr, header []byte, payload []byte) error {
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	_, err := d.conn.WriteTo(buf, addr)
	return err
}

func (d *Driver) TryRecvPacket() (driver.ReceivedPacket, bool) {
	select {
	case pkt := <-d.recvCh:
		return pkt, true
	default:
		return nil, false
	}
}

// Release is a no-op: the UDP driver's received buffers are ordinary
// garbage-collected slices, not pooled storage. It exists to satisfy
// the Driver contract and to be the place a pooled-buffer variant
// would return memory.
func (d *Driver) Release(payload []byte) {}

// Close stops the read loop and closes the underlying connection.
func (d *Driver) Close() error {
	close(d.stopCh)
	return d.conn.Close()
}

type receivedPacket struct {
	addr   net.Addr
	data   []byte
	stolen bool
}

func (r *receivedPacket) Addr() net.Addr { return r.addr }
func (r *receivedPacket) Payload() []byte { return r.data }
func (r *receivedPacket) Len() int        { return len(r.data) }
func (r *receivedPacket) Steal() []byte {
	r.stolen = true
	out := r.data
	r.data = nil
	return out
}

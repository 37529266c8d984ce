// Package quicdriver implements the Driver contract on top of QUIC's
// unreliable datagram extension (RFC 9221) via
// github.com/quic-go/quic-go. It is meant for deployments that
// already hold an authenticated quic.Connection (e.g. as a sibling
// control channel) and want this transport's fragments carried over
// the same congestion-controlled path instead of a bare UDP socket.
// The quic.Connection must have been dialed/accepted with
// quic.Config.EnableDatagrams set.
package quicdriver

import (
	"context"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"fragrpc/pkg/driver"
)

const recvQueueDepth = 256

// Driver adapts a quic.Connection's SendDatagram/ReceiveDatagram pair
// to the Driver contract.
type Driver struct {
	conn           quic.Connection
	maxPayloadSize uint32

	recvCh chan *receivedPacket
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ driver.Driver = (*Driver)(nil)

// New wraps conn as a Driver. maxPayloadSize bounds the size of
// fragments this transport will construct; it should be kept well
// under the connection's negotiated max datagram size so SendDatagram
// never rejects a well-formed fragment as oversized.
func New(conn quic.Connection, maxPayloadSize uint32) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		conn:           conn,
		maxPayloadSize: maxPayloadSize,
		recvCh:         make(chan *receivedPacket, recvQueueDepth),
		ctx:            ctx,
		cancel:         cancel,
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

func (d *Driver) readLoop() {
	defer d.wg.Done()
	for {
		data, err := d.conn.ReceiveDatagram(d.ctx)
		if err != nil {
			return
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		pkt := &receivedPacket{addr: d.conn.RemoteAddr(), data: cp}
		select {
		case d.recvCh <- pkt:
		case <-d.ctx.Done():
			return
		default:
			// Queue full: drop, matching the driver's best-effort contract.
		}
	}
}

func (d *Driver) MaxPayloadSize() uint32 { return d.maxPayloadSize }

// SendPacket ignores addr: a quic.Connection is already bound to one
// peer, so every fragment goes out that connection's single path.
func (d *Driver) SendPacket(addr net.Addr, header []byte, payload []byte) error {
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return d.conn.SendDatagram(buf)
}

func (d *Driver) TryRecvPacket() (driver.ReceivedPacket, bool) {
	select {
	case pkt := <-d.recvCh:
		return pkt, true
	default:
		return nil, false
	}
}

// Release is a no-op; received datagrams are ordinary GC'd slices.
func (d *Driver) Release(payload []byte) {}

// Close stops the read loop. It does not close the underlying
// quic.Connection, which the caller may be sharing with other uses.
func (d *Driver) Close() error {
	d.cancel()
	d.wg.Wait()
	return nil
}

type receivedPacket struct {
	addr   net.Addr
	data   []byte
	stolen bool
}

func (r *receivedPacket) Addr() net.Addr  { return r.addr }
func (r *receivedPacket) Payload() []byte { return r.data }
func (r *receivedPacket) Len() int        { return len(r.data) }
func (r *receivedPacket) Steal() []byte {
	r.stolen = true
	out := r.data
	r.data = nil
	return out
}

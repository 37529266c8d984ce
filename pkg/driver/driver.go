// Package driver defines the unreliable fixed-size-datagram contract
// the transport consumes (spec §6) and ships three implementations:
// an in-memory fault-injecting driver for tests (memdriver), a
// net.PacketConn-backed UDP driver (udpdriver), and a QUIC-datagram
// driver built on the unreliable-datagram extension of
// github.com/quic-go/quic-go (quicdriver).
package driver

import "net"

// Driver is the unreliable packet transport the engine rides on. Loss,
// reordering and duplication are all permitted; only MaxPayloadSize is
// guaranteed fixed across calls.
type Driver interface {
	// MaxPayloadSize is the largest total packet (header+payload) size
	// this driver will carry, fixed for the driver's lifetime.
	MaxPayloadSize() uint32

	// SendPacket is a non-blocking, best-effort send of header followed
	// by payload to addr. A returned error means the driver rejected
	// the send outright (not that it was lost in flight — losses are
	// silent, per the driver's unreliable contract).
	SendPacket(addr net.Addr, header []byte, payload []byte) error

	// TryRecvPacket returns the next available packet, or (nil, false)
	// if none is available right now. It must never block — the poll
	// loop depends on a false return to know when to fire timers.
	TryRecvPacket() (ReceivedPacket, bool)

	// Release returns an acquired payload to the driver. Every payload a
	// driver ever hands out via TryRecvPacket must be released exactly
	// once, whether or not it was ever Steal()'d — spec §5's shared
	// resource policy makes the transient received-packet holder one of
	// the three places that can own, and therefore must release, a
	// payload. Release(nil) and Release of a zero-length slice are
	// no-ops, so a caller that unconditionally re-Steal()s before
	// releasing (to cover the case where nothing claimed the payload)
	// does not double-release one a deeper handler already took.
	Release(payload []byte)
}

// ReceivedPacket is a transient handle to one received datagram.
type ReceivedPacket interface {
	// Addr is the sender's address.
	Addr() net.Addr

	// Payload is the raw received bytes (header followed by body),
	// borrowed: valid only until Steal or the handle is discarded.
	Payload() []byte

	// Len is len(Payload()).
	Len() int

	// Steal transfers ownership of the payload bytes to the caller, who
	// becomes responsible for eventually calling Driver.Release on the
	// returned slice. Calling Steal again after the first call (nothing
	// else claimed the payload) returns nil, so a caller that always
	// Steals before releasing can't double-release a payload another
	// handler already claimed.
	Steal() []byte
}

// Package wire implements the fixed-size binary codecs for the
// fragment header, ACK payload and session-open response payload
// described in spec §3. Every packet on the wire begins with a
// FragmentHeader; encoding/binary fixed-width fields are used instead
// of a self-describing format (e.g. protobuf) because total_frags and
// frag_number must be readable by a direct offset lookup
// (driver.GetOffset semantics) on every received packet, which a
// varint/tag-length-value encoding cannot guarantee to be a constant
// number of bytes. See DESIGN.md for the full rationale.
package wire

import (
	"encoding/binary"
	"errors"
)

// Direction is the one-bit direction flag of a fragment header.
type Direction uint8

const (
	ClientToServer Direction = 0
	ServerToClient Direction = 1
)

// PayloadType identifies what (if anything) follows the fixed header.
type PayloadType uint8

const (
	PayloadData PayloadType = iota
	PayloadAck
	PayloadSessionOpen
	PayloadBadSession
)

func (t PayloadType) String() string {
	switch t {
	case PayloadData:
		return "DATA"
	case PayloadAck:
		return "ACK"
	case PayloadSessionOpen:
		return "SESSION_OPEN"
	case PayloadBadSession:
		return "BAD_SESSION"
	default:
		return "UNKNOWN"
	}
}

// Flag bits packed into the header's single flags byte.
const (
	flagDirection  = 1 << 0
	flagPayloadLo  = 1 << 1
	flagPayloadHi  = 1 << 2
	flagRequestAck = 1 << 3
	flagPleaseDrop = 1 << 4
)

// HeaderSize is the fixed on-wire size of FragmentHeader, in bytes.
const HeaderSize = 26

// FragmentHeader is transmitted, unmodified in shape, on every packet.
type FragmentHeader struct {
	SessionToken      uint64
	RPCID             uint32
	ClientSessionHint uint32
	ServerSessionHint uint32
	FragNumber        uint16
	TotalFrags        uint16
	ChannelID         uint8
	Direction         Direction
	PayloadType       PayloadType
	RequestAck        bool
	PleaseDrop        bool
}

var errHeaderTooShort = errors.New("wire: buffer shorter than FragmentHeader")

// Encode serializes h into dst, which must be at least HeaderSize bytes.
func (h *FragmentHeader) Encode(dst []byte) error {
	if len(dst) < HeaderSize {
		return errHeaderTooShort
	}
	binary.BigEndian.PutUint64(dst[0:8], h.SessionToken)
	binary.BigEndian.PutUint32(dst[8:12], h.RPCID)
	binary.BigEndian.PutUint32(dst[12:16], h.ClientSessionHint)
	binary.BigEndian.PutUint32(dst[16:20], h.ServerSessionHint)
	binary.BigEndian.PutUint16(dst[20:22], h.FragNumber)
	binary.BigEndian.PutUint16(dst[22:24], h.TotalFrags)
	dst[24] = h.ChannelID

	var flags uint8
	if h.Direction == ServerToClient {
		flags |= flagDirection
	}
	flags |= uint8(h.PayloadType&0x3) << 1
	if h.RequestAck {
		flags |= flagRequestAck
	}
	if h.PleaseDrop {
		flags |= flagPleaseDrop
	}
	dst[25] = flags
	return nil
}

// Marshal allocates and returns the encoded header.
func (h *FragmentHeader) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	_ = h.Encode(buf)
	return buf
}

// DecodeHeader parses a FragmentHeader from the front of src.
func DecodeHeader(src []byte) (FragmentHeader, error) {
	var h FragmentHeader
	if len(src) < HeaderSize {
		return h, errHeaderTooShort
	}
	h.SessionToken = binary.BigEndian.Uint64(src[0:8])
	h.RPCID = binary.BigEndian.Uint32(src[8:12])
	h.ClientSessionHint = binary.BigEndian.Uint32(src[12:16])
	h.ServerSessionHint = binary.BigEndian.Uint32(src[16:20])
	h.FragNumber = binary.BigEndian.Uint16(src[20:22])
	h.TotalFrags = binary.BigEndian.Uint16(src[22:24])
	h.ChannelID = src[24]

	flags := src[25]
	if flags&flagDirection != 0 {
		h.Direction = ServerToClient
	} else {
		h.Direction = ClientToServer
	}
	h.PayloadType = PayloadType((flags >> 1) & 0x3)
	h.RequestAck = flags&flagRequestAck != 0
	h.PleaseDrop = flags&flagPleaseDrop != 0
	return h, nil
}

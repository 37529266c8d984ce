// Package rpcsession implements the server session, client session
// and bounded session tables of spec §4.6-4.8.
package rpcsession

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"fragrpc/internal/inbound"
	"fragrpc/internal/outbound"
	"fragrpc/internal/timer"
	"fragrpc/internal/wire"
)

// Config holds the tunables both session kinds need, already
// translated from pkg/config.Config's time.Duration fields into
// timer.Tick by the owning transport.
type Config struct {
	WindowSize               int
	MaxStagingFragments      int
	ReqAckAfter              int
	FragmentTimeout          timer.Tick
	SessionTimeout           timer.Tick
	InactivityTimeout        timer.Tick
	NumChannelsPerSession    int
	MaxNumChannelsPerSession int
	MaxRetransmitTimeouts    int
	MaxFragmentSize          int
}

// SendPacketFunc transmits one fragment header plus an optional
// payload to addr. Sessions close over this to bind the channel
// message objects' SendFunc/AckSendFunc without depending on a driver
// directly.
type SendPacketFunc func(addr net.Addr, header wire.FragmentHeader, payload []byte) error

func newToken() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func outboundConfig(cfg Config) outbound.Config {
	return outbound.Config{
		WindowSize:            cfg.WindowSize,
		ReqAckAfter:           cfg.ReqAckAfter,
		MaxStagingFragments:   cfg.MaxStagingFragments,
		FragmentTimeout:       cfg.FragmentTimeout,
		MaxRetransmitTimeouts: cfg.MaxRetransmitTimeouts,
	}
}

func inboundConfig(cfg Config) inbound.Config {
	return inbound.Config{
		MaxStagingFragments: cfg.MaxStagingFragments,
		InactivityTimeout:   cfg.InactivityTimeout,
	}
}

// headerBaseFunc resolves the header fields that change over a
// session's lifetime (token assignment, hint, peer address) at send
// time, since a session's channels are constructed once but the
// session identity they carry is set by StartSession/connect and
// cleared by Expire/close, potentially more than once if the table
// slot is reused.
type headerBaseFunc func() (token uint64, clientHint, serverHint uint32, addr net.Addr)

// sendDataFunc adapts outbound.SendFunc to one channel's fixed header
// fields. rpcID points at a cell the owning channel updates (via its
// onRPCIDChanged hook) every time its rpc_id changes, since the
// channel object doesn't exist yet when its outbound message — and
// its send closure — must be constructed.
func sendDataFunc(send SendPacketFunc, base headerBaseFunc, channelID uint8, dir wire.Direction, rpcID *uint32) outbound.SendFunc {
	return func(fragNumber, totalFrags uint16, requestAck bool, payload []byte) error {
		token, clientHint, serverHint, addr := base()
		h := wire.FragmentHeader{
			SessionToken:      token,
			RPCID:             *rpcID,
			ClientSessionHint: clientHint,
			ServerSessionHint: serverHint,
			FragNumber:        fragNumber,
			TotalFrags:        totalFrags,
			ChannelID:         channelID,
			Direction:         dir,
			PayloadType:       wire.PayloadData,
			RequestAck:        requestAck,
		}
		return send(addr, h, payload)
	}
}

func sendAckFunc(send SendPacketFunc, base headerBaseFunc, channelID uint8, dir wire.Direction, rpcID *uint32) inbound.AckSendFunc {
	return func(ack wire.AckPayload) error {
		token, clientHint, serverHint, addr := base()
		h := wire.FragmentHeader{
			SessionToken:      token,
			RPCID:             *rpcID,
			ClientSessionHint: clientHint,
			ServerSessionHint: serverHint,
			ChannelID:         channelID,
			Direction:         dir,
			PayloadType:       wire.PayloadAck,
		}
		return send(addr, h, ack.Marshal())
	}
}

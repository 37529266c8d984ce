package rpcsession

import (
	"net"

	"fragrpc/internal/inbound"
	"fragrpc/internal/outbound"
	"fragrpc/internal/timer"
	"fragrpc/internal/wire"
	"fragrpc/pkg/channel"
	"fragrpc/pkg/logging"
	"fragrpc/pkg/rpc"
)

// ServerSession is one client's session on the server side: a token,
// a fixed array of channels, and the bookkeeping to evict it when
// idle (spec §4.6).
type ServerSession struct {
	id           uint32
	token        uint64
	peerAddr     net.Addr
	clientHint   uint32
	lastActivity timer.Tick

	channels []*channel.ServerChannel
	rpcIDs   []*uint32 // one rpc_id cell per channel, shared with its send closures

	cfg        Config
	clock      timer.Clock
	registry   *timer.Registry
	send       SendPacketFunc
	log        *logging.Logger
	enqueueRdy func(*rpc.ServerHandle)
}

// NewServerSession constructs an idle server session at table index id.
func NewServerSession(id uint32, cfg Config, clock timer.Clock, registry *timer.Registry, send SendPacketFunc, log *logging.Logger, enqueueReady func(*rpc.ServerHandle)) *ServerSession {
	if log == nil {
		log = logging.Nop()
	}
	s := &ServerSession{id: id, cfg: cfg, clock: clock, registry: registry, send: send, log: log, enqueueRdy: enqueueReady}
	s.channels = make([]*channel.ServerChannel, cfg.NumChannelsPerSession)
	s.rpcIDs = make([]*uint32, cfg.NumChannelsPerSession)
	for i := range s.channels {
		s.channels[i] = s.newChannel(uint8(i))
	}
	return s
}

func (s *ServerSession) newChannel(channelID uint8) *channel.ServerChannel {
	rpcIDCell := new(uint32)
	s.rpcIDs[channelID] = rpcIDCell

	base := func() (uint64, uint32, uint32, net.Addr) {
		return s.token, s.clientHint, s.id, s.peerAddr
	}
	out := outbound.New(outboundConfig(s.cfg), s.clock, s.registry,
		sendDataFunc(s.send, base, channelID, wire.ServerToClient, rpcIDCell),
		func() { s.channels[channelID].AbortCurrentForRetransmitTimeout() })
	in := inbound.New(inboundConfig(s.cfg), s.clock, s.registry,
		sendAckFunc(s.send, base, channelID, wire.ServerToClient, rpcIDCell))

	newRPC := func(rpcID uint32) channel.ServerRPC {
		ch := channelID
		return rpc.NewServerHandle(rpcID, func(replyBytes []byte) {
			s.channels[ch].BeginSending(replyBytes)
		})
	}
	enqueue := func(r channel.ServerRPC) {
		if s.enqueueRdy != nil {
			s.enqueueRdy(r.(*rpc.ServerHandle))
		}
	}
	return channel.NewServerChannel(channelID, out, in, s.cfg.MaxFragmentSize, newRPC, enqueue, s.log,
		func(id uint32) { *rpcIDCell = id })
}

// ID returns this session's table index.
func (s *ServerSession) ID() uint32 { return s.id }

// Token returns the session's current 64-bit token (0 if not started).
func (s *ServerSession) Token() uint64 { return s.token }

// StartSession begins a new session for a client, generating a fresh
// token and replying with the server's channel count (spec §4.6's
// start_session).
func (s *ServerSession) StartSession(peerAddr net.Addr, clientHint uint32) {
	s.peerAddr = peerAddr
	s.clientHint = clientHint
	s.token = newToken()
	s.lastActivity = s.clock.Now()

	h := wire.FragmentHeader{
		SessionToken:      s.token,
		ClientSessionHint: s.clientHint,
		ServerSessionHint: s.id,
		Direction:         wire.ServerToClient,
		PayloadType:       wire.PayloadSessionOpen,
	}
	payload := wire.SessionOpenPayload{MaxChannelID: uint8(s.cfg.NumChannelsPerSession - 1)}
	_ = s.send(peerAddr, h, payload.Marshal())
}

// ProcessInboundPacket routes one CLIENT_TO_SERVER packet to the
// matching channel (spec §4.6's process_inbound_packet). The caller
// has already verified header.SessionToken == s.token.
func (s *ServerSession) ProcessInboundPacket(header wire.FragmentHeader, payload []byte, steal func() []byte, release func([]byte)) {
	s.lastActivity = s.clock.Now()
	if int(header.ChannelID) >= len(s.channels) {
		return
	}
	ch := s.channels[header.ChannelID]
	switch header.PayloadType {
	case wire.PayloadData:
		ch.OnData(header, steal, release)
	case wire.PayloadAck:
		ack, err := wire.DecodeAckPayload(payload)
		if err != nil {
			return
		}
		ch.OnAck(ack)
	}
}

// Expire implements spec §4.6's expire(): returns false (refusing
// eviction) if inactive for less than SessionTimeout or if any channel
// is mid-request; otherwise resets every channel and the session
// identity, returning true.
func (s *ServerSession) Expire(now timer.Tick) bool {
	if s.token == 0 {
		return false // never started; nothing to expire
	}
	if now-s.lastActivity < s.cfg.SessionTimeout {
		return false
	}
	for _, ch := range s.channels {
		if ch.State() == channel.ServerProcessing {
			return false
		}
	}
	for _, ch := range s.channels {
		ch.Reset()
	}
	s.token = 0
	s.clientHint = 0
	s.peerAddr = nil
	s.lastActivity = 0
	return true
}

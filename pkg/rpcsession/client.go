package rpcsession

import (
	"net"

	"fragrpc/internal/inbound"
	"fragrpc/internal/outbound"
	"fragrpc/internal/timer"
	"fragrpc/internal/utils"
	"fragrpc/internal/wire"
	"fragrpc/pkg/channel"
	"fragrpc/pkg/logging"
)

// ClientSession is one client's view of a server session: a
// dynamically-sized channel array plus a queue for RPCs submitted
// before the session opens or once every channel is busy (spec §4.7).
type ClientSession struct {
	id           uint32
	token        uint64
	serverHint   uint32
	peerAddr     net.Addr
	lastActivity timer.Tick
	opened       bool

	channels []*channel.ClientChannel
	rpcIDs   []*uint32

	queue           []channel.ClientRPC
	nextQueueTarget int

	cfg      Config
	clock    timer.Clock
	registry *timer.Registry
	send     SendPacketFunc
	log      *logging.Logger
}

// NewClientSession constructs an unconnected client session at table
// index id.
func NewClientSession(id uint32, cfg Config, clock timer.Clock, registry *timer.Registry, send SendPacketFunc, log *logging.Logger) *ClientSession {
	if log == nil {
		log = logging.Nop()
	}
	return &ClientSession{id: id, cfg: cfg, clock: clock, registry: registry, send: send, log: log}
}

// ID returns this session's table index, also its client_session_hint.
func (s *ClientSession) ID() uint32 { return s.id }

// Token returns the session's current token (0 if not yet opened).
func (s *ClientSession) Token() uint64 { return s.token }

// Opened reports whether process_session_open_response has run.
func (s *ClientSession) Opened() bool { return s.opened }

// Connect transmits a SESSION_OPEN request to peerAddr (spec §4.7's
// connect). The server doesn't yet exist as far as this session is
// concerned, so the header carries no token and no server hint.
func (s *ClientSession) Connect(peerAddr net.Addr) {
	s.peerAddr = peerAddr
	s.lastActivity = s.clock.Now()
	h := wire.FragmentHeader{
		ClientSessionHint: s.id,
		Direction:         wire.ClientToServer,
		PayloadType:       wire.PayloadSessionOpen,
	}
	_ = s.send(peerAddr, h, nil)
}

// ProcessSessionOpenResponse reads the server's chosen max_channel_id,
// allocates up to MaxNumChannelsPerSession channels, and drains any
// RPCs queued before the session opened (spec §4.7).
func (s *ClientSession) ProcessSessionOpenResponse(header wire.FragmentHeader, payload wire.SessionOpenPayload) {
	s.token = header.SessionToken
	s.serverHint = header.ServerSessionHint
	s.lastActivity = s.clock.Now()
	s.opened = true

	numChannels := int(payload.MaxChannelID) + 1
	if numChannels > s.cfg.MaxNumChannelsPerSession {
		numChannels = s.cfg.MaxNumChannelsPerSession
	}
	s.channels = make([]*channel.ClientChannel, numChannels)
	s.rpcIDs = make([]*uint32, numChannels)
	for i := range s.channels {
		s.channels[i] = s.newChannel(uint8(i))
	}

	pending := s.queue
	s.queue = nil
	for _, rpc := range pending {
		s.assign(rpc)
	}
}

func (s *ClientSession) newChannel(channelID uint8) *channel.ClientChannel {
	rpcIDCell := new(uint32)
	s.rpcIDs[channelID] = rpcIDCell

	base := func() (uint64, uint32, uint32, net.Addr) {
		return s.token, s.id, s.serverHint, s.peerAddr
	}
	out := outbound.New(outboundConfig(s.cfg), s.clock, s.registry,
		sendDataFunc(s.send, base, channelID, wire.ClientToServer, rpcIDCell),
		func() {
			err := utils.NewRetransmitBudgetExceededError(channelID, *rpcIDCell)
			s.channels[channelID].AbortCurrentForRetransmitTimeout(err)
		})
	in := inbound.New(inboundConfig(s.cfg), s.clock, s.registry,
		sendAckFunc(s.send, base, channelID, wire.ClientToServer, rpcIDCell))

	return channel.NewClientChannel(channelID, out, in, s.cfg.MaxFragmentSize,
		func(id uint32) { *rpcIDCell = id })
}

// StartRPC attaches rpc to an idle channel if one exists, or queues it
// otherwise (spec §4.7's start_rpc). Before the session has opened
// there are no channels yet, so every RPC queues at the session level.
func (s *ClientSession) StartRPC(rpc channel.ClientRPC) {
	if !s.opened {
		s.queue = append(s.queue, rpc)
		return
	}
	s.assign(rpc)
}

func (s *ClientSession) assign(rpc channel.ClientRPC) {
	for _, ch := range s.channels {
		if ch.State() == channel.ClientIdle {
			ch.StartRPC(rpc)
			return
		}
	}
	// every channel busy: queue it on one of them, round-robin, so it
	// dequeues automatically once that channel's current RPC completes.
	target := s.channels[s.nextQueueTarget%len(s.channels)]
	s.nextQueueTarget++
	target.StartRPC(rpc)
}

// ProcessInboundPacket routes one SERVER_TO_CLIENT packet to the
// matching channel, verifying the session token itself (the transport
// only matches this session by client_session_hint; spec §3 invariant
// 1 requires the token check to happen regardless). BAD_SESSION is the
// one payload type that bypasses the token check, since it exists
// precisely to report that the peer no longer recognizes this token.
func (s *ClientSession) ProcessInboundPacket(header wire.FragmentHeader, payload []byte, steal func() []byte, release func([]byte)) {
	switch header.PayloadType {
	case wire.PayloadBadSession:
		s.HandleBadSession(header)
		return
	case wire.PayloadSessionOpen:
		// The reply to connect() necessarily arrives before the
		// session has a token to check against; a reply received
		// after the session is already open is a stale duplicate.
		if s.opened {
			return
		}
		open, err := wire.DecodeSessionOpenPayload(payload)
		if err != nil {
			return
		}
		s.ProcessSessionOpenResponse(header, open)
		return
	}
	if header.SessionToken != s.token {
		return
	}
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

// HandleBadSession implements the client channel table's BAD_SESSION
// row (spec §4.5): if the packet's channel and rpc_id still match what
// this session believes is in flight, every channel's current/queued
// RPCs are requeued, the session identity is dropped, and a fresh
// SESSION_OPEN is sent. A BAD_SESSION that doesn't match the current
// rpc_id is stale (e.g. a duplicate) and is ignored.
func (s *ClientSession) HandleBadSession(header wire.FragmentHeader) {
	if int(header.ChannelID) >= len(s.channels) {
		return
	}
	if s.channels[header.ChannelID].RPCID() != header.RPCID {
		return
	}

	var requeue []channel.ClientRPC
	for _, ch := range s.channels {
		requeue = append(requeue, ch.EvictForBadSession()...)
	}
	requeue = append(requeue, s.queue...)

	s.token = 0
	s.serverHint = 0
	s.opened = false
	s.channels = nil
	s.rpcIDs = nil
	s.nextQueueTarget = 0
	s.queue = requeue

	s.Connect(s.peerAddr)
}

// Expire implements spec §4.7's expire(): refuses if any channel has
// an active RPC or the queue is non-empty, or if the session hasn't
// been inactive for at least SessionTimeout; otherwise closes the
// session (nothing to abort, by construction) and returns true.
func (s *ClientSession) Expire(now timer.Tick) bool {
	if !s.opened {
		return false
	}
	if now-s.lastActivity < s.cfg.SessionTimeout {
		return false
	}
	if len(s.queue) != 0 {
		return false
	}
	for _, ch := range s.channels {
		if ch.State() != channel.ClientIdle {
			return false
		}
	}
	s.reset()
	return true
}

// Close aborts every in-flight or queued RPC and resets the session
// (spec §4.7's close()), for use when the transport is shutting the
// session down regardless of outstanding work.
func (s *ClientSession) Close(err error) {
	if err == nil {
		err = utils.NewSessionExpiredError(s.id)
	}
	for _, ch := range s.channels {
		for _, rpc := range ch.EvictForBadSession() {
			rpc.MarkAborted(err)
		}
	}
	for _, rpc := range s.queue {
		rpc.MarkAborted(err)
	}
	s.reset()
}

func (s *ClientSession) reset() {
	s.token = 0
	s.serverHint = 0
	s.opened = false
	s.peerAddr = nil
	s.lastActivity = 0
	s.channels = nil
	s.rpcIDs = nil
	s.queue = nil
	s.nextQueueTarget = 0
}

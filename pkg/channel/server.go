package channel

import (
	"fragrpc/internal/inbound"
	"fragrpc/internal/outbound"
	"fragrpc/internal/wire"
	"fragrpc/pkg/logging"
)

// NewRPCFunc constructs a fresh service-visible RPC handle for a newly
// begun request on this channel.
type NewRPCFunc func(rpcID uint32) ServerRPC

// EnqueueReadyFunc hands a fully-reassembled request to the
// application's ready queue.
type EnqueueReadyFunc func(ServerRPC)

// ServerChannel is one channel slot of a server session (spec §4.5's
// server channel table).
type ServerChannel struct {
	id              uint8
	state           ServerState
	rpcID           uint32
	current         ServerRPC
	maxFragmentSize int

	out *outbound.Message
	in  *inbound.Message

	newRPC          NewRPCFunc
	enqueueReady    EnqueueReadyFunc
	log             *logging.Logger
	spuriousCount   int
	onRPCIDChanged  func(uint32)
}

// NewServerChannel constructs an idle server channel. onRPCIDChanged,
// if non-nil, is called every time the channel's rpc_id changes, so a
// session can keep an outgoing-header rpc_id cell in sync without the
// channel needing to know about wire encoding.
func NewServerChannel(id uint8, out *outbound.Message, in *inbound.Message, maxFragmentSize int, newRPC NewRPCFunc, enqueueReady EnqueueReadyFunc, log *logging.Logger, onRPCIDChanged ...func(uint32)) *ServerChannel {
	if log == nil {
		log = logging.Nop()
	}
	c := &ServerChannel{
		id: id, out: out, in: in, maxFragmentSize: maxFragmentSize,
		newRPC: newRPC, enqueueReady: enqueueReady, log: log,
	}
	if len(onRPCIDChanged) > 0 {
		c.onRPCIDChanged = onRPCIDChanged[0]
	}
	// rpcID starts one below the first legal rpc_id (0) so the IDLE
	// state's "header.rpc_id == rpc_id+1" test accepts it; uint32
	// wraps 0xFFFFFFFF+1 to 0.
	c.setRPCID(^uint32(0))
	return c
}

func (c *ServerChannel) setRPCID(id uint32) {
	c.rpcID = id
	if c.onRPCIDChanged != nil {
		c.onRPCIDChanged(id)
	}
}

// ID returns this channel's 8-bit identifier.
func (c *ServerChannel) ID() uint8 { return c.id }

// State returns the channel's current server-side state.
func (c *ServerChannel) State() ServerState { return c.state }

// RPCID returns the rpc_id currently associated with this channel.
func (c *ServerChannel) RPCID() uint32 { return c.rpcID }

// SpuriousSendingWaitingCount is the number of DATA fragments received
// while SENDING_WAITING, a telemetry counter for the documented open
// question about stray client retransmits racing the reply.
func (c *ServerChannel) SpuriousSendingWaitingCount() int { return c.spuriousCount }

// OnData handles a received DATA fragment per the server channel table.
func (c *ServerChannel) OnData(header wire.FragmentHeader, steal func() []byte, release func([]byte)) {
	switch c.state {
	case ServerIdle:
		if header.RPCID == c.rpcID+1 {
			c.beginNewRPC(header, steal, release)
		}
		// header.RPCID == c.rpcID: a duplicate of the just-completed
		// request; noop.
	case ServerReceiving:
		if header.RPCID != c.rpcID {
			return // still finishing the current request
		}
		complete := c.in.ProcessReceivedData(header, steal, release)
		if complete {
			c.state = ServerProcessing
			c.enqueueReady(c.current)
		}
	case ServerProcessing:
		if header.RPCID != c.rpcID {
			return
		}
		if header.RequestAck {
			c.in.SendAck()
		}
	case ServerSendingWaiting:
		if header.RPCID == c.rpcID+1 {
			// The next request supersedes the reply still in flight.
			c.out.Abort()
			c.beginNewRPC(header, steal, release)
			return
		}
		c.spuriousCount++
		c.log.Warn("channel %d: spurious DATA while SENDING_WAITING (rpc_id=%d)", c.id, header.RPCID)
		c.out.Resend()
	}
}

func (c *ServerChannel) beginNewRPC(header wire.FragmentHeader, steal func() []byte, release func([]byte)) {
	c.setRPCID(header.RPCID)
	c.current = c.newRPC(c.rpcID)
	c.in.Init(header.TotalFrags, c.current.RecvBuffer(), true)
	c.state = ServerReceiving
	complete := c.in.ProcessReceivedData(header, steal, release)
	if complete {
		c.state = ServerProcessing
		c.enqueueReady(c.current)
	}
}

// OnAck handles a received ACK fragment per the server channel table.
func (c *ServerChannel) OnAck(ack wire.AckPayload) {
	if c.state != ServerSendingWaiting {
		return // IDLE/RECEIVING/PROCESSING: noop
	}
	c.out.ProcessReceivedAck(ack)
	// Remains SENDING_WAITING regardless of completion, per spec
	// §4.5: the next request's rpc_id+1 is what advances the channel.
}

// BeginSending transitions the channel from PROCESSING to
// SENDING_WAITING and starts transmitting the reply buffer (spec
// §4.5's begin_sending(channel_id)).
func (c *ServerChannel) BeginSending(replyBytes []byte) {
	c.state = ServerSendingWaiting
	c.spuriousCount = 0
	c.out.BeginSending(replyBytes, c.maxFragmentSize)
}

// AbortCurrentForRetransmitTimeout recovers the channel after its
// outbound reply exhausts the retransmit budget: the peer has gone
// silent, and the server never surfaces this to the application (spec
// §7), so there is nothing to do but release the abandoned request and
// reset to IDLE so a future request can reuse the slot.
func (c *ServerChannel) AbortCurrentForRetransmitTimeout() {
	if c.current != nil {
		c.current.RecvBuffer().Close()
		c.current = nil
	}
	c.in.Clear()
	c.state = ServerIdle
	c.spuriousCount = 0
}

// Reset tears the channel down to IDLE, aborting any in-flight
// request/reply and rewinding rpc_id so the first future request must
// carry rpc_id 0, for session eviction (spec §4.6's expire()).
func (c *ServerChannel) Reset() {
	c.out.Abort()
	c.in.Clear()
	if c.current != nil {
		c.current.RecvBuffer().Close()
		c.current = nil
	}
	c.state = ServerIdle
	c.setRPCID(^uint32(0))
	c.spuriousCount = 0
}

package channel

import (
	"fragrpc/internal/inbound"
	"fragrpc/internal/outbound"
	"fragrpc/internal/wire"
)

// ClientChannel is one channel slot of a client session, embedding one
// bound outbound and one bound inbound message object (spec §4.5's
// client channel table).
type ClientChannel struct {
	id              uint8
	state           ClientState
	rpcID           uint32
	current         ClientRPC
	queue           []ClientRPC
	maxFragmentSize int

	out *outbound.Message
	in  *inbound.Message

	onRPCIDChanged func(uint32)
}

// NewClientChannel constructs an idle client channel bound to the
// given outbound/inbound message objects, already wired with
// send/ack closures by the owning session. onRPCIDChanged, if
// non-nil, is called every time the channel's rpc_id changes, so a
// session can keep an outgoing-header rpc_id cell in sync.
func NewClientChannel(id uint8, out *outbound.Message, in *inbound.Message, maxFragmentSize int, onRPCIDChanged ...func(uint32)) *ClientChannel {
	c := &ClientChannel{id: id, out: out, in: in, maxFragmentSize: maxFragmentSize}
	if len(onRPCIDChanged) > 0 {
		c.onRPCIDChanged = onRPCIDChanged[0]
	}
	c.setRPCID(0)
	return c
}

func (c *ClientChannel) setRPCID(id uint32) {
	c.rpcID = id
	if c.onRPCIDChanged != nil {
		c.onRPCIDChanged(id)
	}
}

// ID returns this channel's 8-bit identifier.
func (c *ClientChannel) ID() uint8 { return c.id }

// State returns the channel's current client-side state.
func (c *ClientChannel) State() ClientState { return c.state }

// RPCID returns the rpc_id currently associated with this channel.
func (c *ClientChannel) RPCID() uint32 { return c.rpcID }

// QueueLen returns the number of RPCs waiting behind the one currently
// in flight on this channel.
func (c *ClientChannel) QueueLen() int { return len(c.queue) }

// StartRPC attaches rpc to this channel if idle (and begins sending
// immediately), or appends it to the channel's queue otherwise.
func (c *ClientChannel) StartRPC(rpc ClientRPC) {
	if c.state == ClientIdle {
		c.attachAndSend(rpc)
		return
	}
	c.queue = append(c.queue, rpc)
}

func (c *ClientChannel) attachAndSend(rpc ClientRPC) {
	c.current = rpc
	rpc.SetRPCID(c.rpcID)
	c.state = ClientSending
	c.out.BeginSending(rpc.RequestBytes(), c.maxFragmentSize)
}

// OnData handles a received DATA fragment per the client channel
// table. steal/release mirror inbound.Message.ProcessReceivedData's
// ownership contract.
func (c *ClientChannel) OnData(header wire.FragmentHeader, steal func() []byte, release func([]byte)) {
	switch c.state {
	case ClientIdle:
		// drop: no RPC is in flight on this channel.
	case ClientSending:
		c.out.Abort()
		c.in.Init(header.TotalFrags, c.current.ResponseBuffer(), true)
		c.state = ClientReceiving
		c.processInbound(header, steal, release)
	case ClientReceiving:
		c.processInbound(header, steal, release)
	}
}

func (c *ClientChannel) processInbound(header wire.FragmentHeader, steal func() []byte, release func([]byte)) {
	complete := c.in.ProcessReceivedData(header, steal, release)
	if complete {
		c.completeCurrentRPC()
	}
}

func (c *ClientChannel) completeCurrentRPC() {
	rpc := c.current
	c.current = nil
	c.setRPCID(c.rpcID + 1)
	rpc.MarkCompleted()
	c.dequeueNext()
}

func (c *ClientChannel) dequeueNext() {
	if len(c.queue) == 0 {
		c.state = ClientIdle
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.attachAndSend(next)
}

// OnAck handles a received ACK fragment per the client channel table.
func (c *ClientChannel) OnAck(ack wire.AckPayload) {
	if c.state != ClientSending {
		return // RECEIVING/IDLE: drop
	}
	// The request being fully ACKed doesn't move the channel out of
	// SENDING; only the first response DATA fragment does that.
	c.out.ProcessReceivedAck(ack)
}

// AbortCurrentForRetransmitTimeout tears down the RPC occupying this
// channel after its outbound message exhausts the retransmit budget
// (spec §5's terminal "bounded number of retransmit timeouts" error):
// unlike EvictForBadSession, the queued RPCs behind it are untouched
// and simply start once this one clears.
func (c *ClientChannel) AbortCurrentForRetransmitTimeout(err error) {
	if c.current == nil {
		return
	}
	rpc := c.current
	c.current = nil
	c.in.Clear()
	c.state = ClientIdle
	rpc.MarkAborted(err)
	c.dequeueNext()
}

// EvictForBadSession implements the BAD_SESSION recovery path: every
// RPC pending on this channel (in flight or queued) is returned for
// the session to requeue, and the channel itself is reset to IDLE.
func (c *ClientChannel) EvictForBadSession() []ClientRPC {
	var pending []ClientRPC
	if c.current != nil {
		pending = append(pending, c.current)
		c.current = nil
	}
	pending = append(pending, c.queue...)
	c.queue = nil
	c.out.Abort()
	c.in.Clear()
	c.state = ClientIdle
	return pending
}

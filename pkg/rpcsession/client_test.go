package rpcsession

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fragrpc/internal/timer"
	"fragrpc/internal/wire"
	"fragrpc/pkg/channel"
	"fragrpc/pkg/rpc"
)

func newClientSessionForTest(t *testing.T) (*ClientSession, *timer.FakeClock, *[]sentPacket) {
	t.Helper()
	clock := timer.NewFakeClock()
	reg := timer.NewRegistry()
	var sent []sentPacket
	send := func(addr net.Addr, header wire.FragmentHeader, payload []byte) error {
		sent = append(sent, sentPacket{addr, header, payload})
		return nil
	}
	return NewClientSession(1, testConfig(), clock, reg, send, nil), clock, &sent
}

func openSession(t *testing.T, s *ClientSession, sent *[]sentPacket, maxChannelID uint8) {
	t.Helper()
	s.Connect(fakeAddr("server:1"))
	require.NotEmpty(t, *sent)
	open := (*sent)[len(*sent)-1]
	require.Equal(t, wire.PayloadSessionOpen, open.header.PayloadType)

	resp := wire.FragmentHeader{
		SessionToken: 0xaabb, ServerSessionHint: 9, Direction: wire.ServerToClient,
		PayloadType: wire.PayloadSessionOpen,
	}
	s.ProcessSessionOpenResponse(resp, wire.SessionOpenPayload{MaxChannelID: maxChannelID})
}

func TestClientSession_ConnectSendsSessionOpen(t *testing.T) {
	s, _, sent := newClientSessionForTest(t)

	s.Connect(fakeAddr("server:1"))

	require.Len(t, *sent, 1)
	pkt := (*sent)[0]
	assert.Equal(t, wire.ClientToServer, pkt.header.Direction)
	assert.Equal(t, wire.PayloadSessionOpen, pkt.header.PayloadType)
	assert.Equal(t, uint32(1), pkt.header.ClientSessionHint)
}

func TestClientSession_ProcessSessionOpenResponseAllocatesChannelsAndDrainsQueue(t *testing.T) {
	s, _, sent := newClientSessionForTest(t)
	first := rpc.NewClientHandle("echo", []byte("a"), nil)
	second := rpc.NewClientHandle("echo", []byte("b"), nil)
	s.StartRPC(first)
	s.StartRPC(second)
	require.True(t, s.opened == false)

	openSession(t, s, sent, 2) // max_channel_id=2 -> 3 channels, within MaxNumChannelsPerSession

	require.True(t, s.opened)
	require.Len(t, s.channels, 3)
	assert.Equal(t, uint32(0), first.RPCID())
	assert.Equal(t, uint32(0), second.RPCID())
	assert.Equal(t, channel.ClientSending, s.channels[0].State())
	assert.Equal(t, channel.ClientSending, s.channels[1].State())
}

func TestClientSession_ProcessSessionOpenResponseClampsToMaxChannels(t *testing.T) {
	s, _, sent := newClientSessionForTest(t)
	openSession(t, s, sent, 200) // server offers 201 channels; client caps at MaxNumChannelsPerSession
	assert.Len(t, s.channels, testConfig().MaxNumChannelsPerSession)
}

func TestClientSession_StartRPCQueuesSessionLevelBeforeOpen(t *testing.T) {
	s, _, _ := newClientSessionForTest(t)
	h := rpc.NewClientHandle("echo", []byte("x"), nil)

	s.StartRPC(h)

	assert.Len(t, s.queue, 1)
}

func TestClientSession_StartRPCOverflowsOntoBusyChannelQueue(t *testing.T) {
	s, _, sent := newClientSessionForTest(t)
	openSession(t, s, sent, 1) // 2 channels

	a := rpc.NewClientHandle("echo", []byte("a"), nil)
	b := rpc.NewClientHandle("echo", []byte("b"), nil)
	overflow := rpc.NewClientHandle("echo", []byte("c"), nil)
	s.StartRPC(a)
	s.StartRPC(b)
	s.StartRPC(overflow)

	assert.Equal(t, channel.ClientSending, s.channels[0].State())
	assert.Equal(t, channel.ClientSending, s.channels[1].State())

	total := 0
	for _, ch := range s.channels {
		total += ch.QueueLen()
	}
	assert.Equal(t, 1, total, "the third RPC must be waiting on one of the busy channels")
}

func TestClientSession_ResponseCompletesRPCAndAdvancesChannelRPCID(t *testing.T) {
	s, _, sent := newClientSessionForTest(t)
	openSession(t, s, sent, 1)
	h := rpc.NewClientHandle("echo", []byte("req"), nil)
	s.StartRPC(h)

	raw := rawFrag([]byte("resp"))
	s.ProcessInboundPacket(wire.FragmentHeader{SessionToken: s.Token(), ChannelID: 0, FragNumber: 0, TotalFrags: 1}, nil,
		func() []byte { return raw }, func([]byte) {})

	assert.Equal(t, rpc.ClientCompleted, h.State())
	assert.Equal(t, "resp", string(h.Reply()))
	assert.Equal(t, channel.ClientIdle, s.channels[0].State())
}

func TestClientSession_ProcessInboundPacketDropsMismatchedToken(t *testing.T) {
	s, _, sent := newClientSessionForTest(t)
	openSession(t, s, sent, 1)
	h := rpc.NewClientHandle("echo", []byte("req"), nil)
	s.StartRPC(h)

	raw := rawFrag([]byte("resp"))
	s.ProcessInboundPacket(wire.FragmentHeader{SessionToken: s.Token() + 1, ChannelID: 0, FragNumber: 0, TotalFrags: 1}, nil,
		func() []byte { return raw }, func([]byte) {})

	assert.Equal(t, rpc.ClientInProgress, h.State(), "a response carrying the wrong token must be dropped")
}

func TestClientSession_HandleBadSessionRequeuesAndReconnects(t *testing.T) {
	s, _, sent := newClientSessionForTest(t)
	openSession(t, s, sent, 1)
	h := rpc.NewClientHandle("echo", []byte("req"), nil)
	s.StartRPC(h)
	sentBefore := len(*sent)

	s.HandleBadSession(wire.FragmentHeader{ChannelID: 0, RPCID: 0})

	assert.False(t, s.opened)
	assert.Equal(t, uint64(0), s.Token())
	assert.Len(t, s.queue, 1, "the in-flight RPC must be requeued")
	assert.Greater(t, len(*sent), sentBefore, "a fresh SESSION_OPEN must be retransmitted")
}

func TestClientSession_HandleBadSessionIgnoresStaleRPCID(t *testing.T) {
	s, _, sent := newClientSessionForTest(t)
	openSession(t, s, sent, 1)
	h := rpc.NewClientHandle("echo", []byte("req"), nil)
	s.StartRPC(h)

	s.HandleBadSession(wire.FragmentHeader{ChannelID: 0, RPCID: 99})

	assert.True(t, s.opened, "a BAD_SESSION for an rpc_id that doesn't match must be ignored")
}

func TestClientSession_RetransmitBudgetExhaustionAbortsCurrentRPC(t *testing.T) {
	clock := timer.NewFakeClock()
	reg := timer.NewRegistry()
	var sent []sentPacket
	send := func(addr net.Addr, header wire.FragmentHeader, payload []byte) error {
		sent = append(sent, sentPacket{addr, header, payload})
		return nil
	}
	s := NewClientSession(1, testConfig(), clock, reg, send, nil)
	openSession(t, s, &sent, 1)

	h := rpc.NewClientHandle("echo", []byte("req"), nil)
	s.StartRPC(h)
	require.Equal(t, channel.ClientSending, s.channels[0].State())

	cfg := testConfig()
	for i := 0; i < cfg.MaxRetransmitTimeouts+2; i++ {
		clock.Advance(cfg.FragmentTimeout + 1)
		reg.FireTimers(clock.Now())
	}

	require.Equal(t, rpc.ClientAborted, h.State(), "the RPC must be aborted once the peer never ACKs after the retransmit budget is exhausted")
	_, err := h.GetReply()
	assert.Error(t, err)
	assert.Equal(t, channel.ClientIdle, s.channels[0].State(), "the channel must recover to IDLE, not wedge, once the RPC is aborted")
}

func TestClientSession_ExpireRefusesWithQueuedOrInFlightRPCs(t *testing.T) {
	s, clock, sent := newClientSessionForTest(t)
	openSession(t, s, sent, 1)
	h := rpc.NewClientHandle("echo", []byte("req"), nil)
	s.StartRPC(h)

	now := clock.Advance(testConfig().SessionTimeout + 1)
	assert.False(t, s.Expire(now))
}

func TestClientSession_ExpireSucceedsWhenFullyIdle(t *testing.T) {
	s, clock, sent := newClientSessionForTest(t)
	openSession(t, s, sent, 1)

	now := clock.Advance(testConfig().SessionTimeout + 1)
	assert.True(t, s.Expire(now))
	assert.False(t, s.opened)
}

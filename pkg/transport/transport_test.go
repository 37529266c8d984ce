package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fragrpc/internal/timer"
	"fragrpc/internal/wire"
	"fragrpc/pkg/config"
	"fragrpc/pkg/driver"
	"fragrpc/pkg/driver/memdriver"
	"fragrpc/pkg/rpc"
)

// countingDriver wraps a real Driver and counts non-empty Release
// calls, so a test can assert spec §8 S3's "exactly N payload
// releases" property against a driver that actually hands out and
// reclaims payloads (memdriver's own bookkeeping only catches
// double-release, not leaks or release counts).
type countingDriver struct {
	driver.Driver
	releases int
}

func (d *countingDriver) Release(payload []byte) {
	if len(payload) > 0 {
		d.releases++
	}
	d.Driver.Release(payload)
}

func testTransportConfig() *config.Config {
	return &config.Config{
		WindowSize:               4,
		MaxStagingFragments:      8,
		ReqAckAfter:              3,
		FragmentTimeout:          50 * time.Millisecond,
		SessionTimeout:           500 * time.Millisecond,
		MaxNumChannelsPerSession: 3,
		NumChannelsPerSession:    3,
		MaxRetransmitTimeouts:    5,
		MaxSessions:              8,
	}
}

func newTestPair(t *testing.T, maxPayload uint32) (client, server *Transport, clock *timer.FakeClock, net *memdriver.Network, clientAddr, serverAddr memdriver.Addr) {
	t.Helper()
	net = memdriver.NewNetwork(maxPayload, 1)
	clientAddr, serverAddr = memdriver.Addr("client:1"), memdriver.Addr("server:1")
	clientDrv := net.NewDriver(clientAddr)
	serverDrv := net.NewDriver(serverAddr)
	clock = timer.NewFakeClock()
	client = New(clientDrv, testTransportConfig(), nil, clock)
	server = New(serverDrv, testTransportConfig(), nil, clock)
	return
}

func pump(client, server *Transport, rounds int) {
	for i := 0; i < rounds; i++ {
		client.Poll()
		server.Poll()
	}
}

// pumpUntilServed drives both transports, echoing back whatever the
// server receives, for enough rounds that any pending exchange
// (including a BAD_SESSION reconnect) settles.
func pumpUntilServed(client, server *Transport, rounds int) {
	for i := 0; i < rounds; i++ {
		client.Poll()
		server.Poll()
		for len(server.ready) > 0 {
			h := server.ready[0]
			server.ready = server.ready[1:]
			h.SetReplyPayload(h.RecvPayload())
			h.SendReply()
		}
	}
}

func allCompleted(handles []*rpc.ClientHandle) bool {
	for _, h := range handles {
		if h.State() != rpc.ClientCompleted {
			return false
		}
	}
	return true
}

func TestTransport_SingleFragmentRoundTrip(t *testing.T) {
	client, server, _, _, _, serverAddr := newTestPair(t, 256)

	handle := client.ClientSend(serverAddr, "echo", []byte("hello"))
	pump(client, server, 10)

	require.NotEmpty(t, server.ready)
	reqHandle := server.ready[0]
	server.ready = server.ready[1:]
	assert.Equal(t, "hello", string(reqHandle.RecvPayload()))

	reqHandle.SetReplyPayload([]byte("world"))
	reqHandle.SendReply()

	reply, err := handle.GetReply()
	require.NoError(t, err)
	assert.Equal(t, "world", string(reply))
}

func TestTransport_MultiFragmentWithLoss(t *testing.T) {
	netw := memdriver.NewNetwork(64, 7)
	clientAddr, serverAddr := memdriver.Addr("client:1"), memdriver.Addr("server:1")
	clientDrv := netw.NewDriver(clientAddr)
	serverDrv := netw.NewDriver(serverAddr)
	clock := timer.NewFakeClock()
	cfg := testTransportConfig()
	client := New(clientDrv, cfg, nil, clock)
	server := New(serverDrv, cfg, nil, clock)

	dropped := false
	netw.SetFilter(func(from, to memdriver.Addr, data []byte) bool {
		h, err := wire.DecodeHeader(data)
		if err != nil {
			return false
		}
		if h.Direction == wire.ClientToServer && h.PayloadType == wire.PayloadData && h.FragNumber == 1 && !dropped {
			dropped = true
			return true
		}
		return false
	})

	request := make([]byte, 100)
	for i := range request {
		request[i] = byte('a' + i%26)
	}
	handle := client.ClientSend(serverAddr, "echo", request)

	pump(client, server, 6)
	assert.True(t, dropped, "the fragment must have been dropped exactly once")
	assert.Empty(t, server.ready, "reassembly must be blocked on the missing fragment")

	advance := timer.Tick(cfg.FragmentTimeout.Nanoseconds()) + 1
	for i := 0; i < 10 && len(server.ready) == 0; i++ {
		clock.Advance(advance)
		client.Poll()
		server.Poll()
	}

	require.NotEmpty(t, server.ready, "retransmission must eventually recover the dropped fragment")
	reqHandle := server.ready[0]
	server.ready = server.ready[1:]
	assert.Equal(t, request, reqHandle.RecvPayload())

	reqHandle.SetReplyPayload([]byte("ok"))
	reqHandle.SendReply()
	pump(client, server, 6)

	assert.Equal(t, rpc.ClientCompleted, handle.State())
	assert.Equal(t, "ok", string(handle.Reply()))
}

func TestTransport_ChannelQueueOverflow(t *testing.T) {
	client, server, _, _, _, serverAddr := newTestPair(t, 256)

	var handles []*rpc.ClientHandle
	for i := 0; i < 5; i++ {
		handles = append(handles, client.ClientSend(serverAddr, "echo", []byte{byte('a' + i)}))
	}

	for round := 0; round < 40 && !allCompleted(handles); round++ {
		client.Poll()
		server.Poll()
		for len(server.ready) > 0 {
			h := server.ready[0]
			server.ready = server.ready[1:]
			h.SetReplyPayload(h.RecvPayload())
			h.SendReply()
		}
	}

	for i, h := range handles {
		require.Equal(t, rpc.ClientCompleted, h.State(), "rpc %d did not complete", i)
		assert.Equal(t, string([]byte{byte('a' + i)}), string(h.Reply()))
	}
}

func TestTransport_DuplicatePacketsAreIdempotent(t *testing.T) {
	netw := memdriver.NewNetwork(256, 3)
	netw.SetDuplicatePercentage(100)
	clientAddr, serverAddr := memdriver.Addr("client:1"), memdriver.Addr("server:1")
	clientDrv := netw.NewDriver(clientAddr)
	serverDrv := netw.NewDriver(serverAddr)
	clock := timer.NewFakeClock()
	cfg := testTransportConfig()
	client := New(clientDrv, cfg, nil, clock)
	server := New(serverDrv, cfg, nil, clock)

	handle := client.ClientSend(serverAddr, "echo", []byte("ping"))

	var reqHandle *rpc.ServerHandle
	for round := 0; round < 20 && reqHandle == nil; round++ {
		client.Poll()
		server.Poll()
		if len(server.ready) > 0 {
			reqHandle = server.ready[0]
			server.ready = server.ready[1:]
		}
	}
	require.NotNil(t, reqHandle)
	assert.Equal(t, "ping", string(reqHandle.RecvPayload()))
	reqHandle.SetReplyPayload([]byte("pong"))
	reqHandle.SendReply()

	for round := 0; round < 20 && handle.State() == rpc.ClientInProgress; round++ {
		client.Poll()
		server.Poll()
	}

	assert.Equal(t, rpc.ClientCompleted, handle.State())
	assert.Equal(t, "pong", string(handle.Reply()))
}

func TestTransport_RetransmitBudgetExhaustionAbortsRPC(t *testing.T) {
	client, server, clock, _, _, serverAddr := newTestPair(t, 256)

	warm := client.ClientSend(serverAddr, "echo", []byte("warm"))
	pumpUntilServed(client, server, 20)
	require.Equal(t, rpc.ClientCompleted, warm.State())

	handle := client.ClientSend(serverAddr, "echo", []byte("hello"))
	client.Poll() // send the first DATA fragment of the request

	cfg := testTransportConfig()
	advance := timer.Tick(cfg.FragmentTimeout.Nanoseconds()) + 1
	for i := 0; i < cfg.MaxRetransmitTimeouts+3 && handle.State() == rpc.ClientInProgress; i++ {
		clock.Advance(advance)
		client.Poll() // server never polled again: the peer has gone silent
	}

	require.Equal(t, rpc.ClientAborted, handle.State(), "GetReply must not hang forever against a silent peer")
	_, err := handle.GetReply()
	assert.Error(t, err)
}

// TestTransport_OutOfOrderStagingReleasesExactlyOncePerFragment drives
// spec §8 S3 end to end against a real (counting) driver: the server
// receives a 4-fragment request in order [0, 2, 1, 3], and every
// fragment's payload must be released back to the driver exactly once
// (via the destination buffer, on completion) — no more, no less.
func TestTransport_OutOfOrderStagingReleasesExactlyOncePerFragment(t *testing.T) {
	netw := memdriver.NewNetwork(64, 1)
	clientAddr, serverAddr := memdriver.Addr("client:1"), memdriver.Addr("server:1")
	clientDrv := netw.NewDriver(clientAddr)
	serverDrv := &countingDriver{Driver: netw.NewDriver(serverAddr)}
	clock := timer.NewFakeClock()
	cfg := testTransportConfig()
	client := New(clientDrv, cfg, nil, clock)
	server := New(serverDrv, cfg, nil, clock)

	// Warm up the session first so the client has a live token/hints to
	// address the server with, capturing them off the wire.
	var hdr wire.FragmentHeader
	netw.SetFilter(func(from, to memdriver.Addr, data []byte) bool {
		if h, err := wire.DecodeHeader(data); err == nil && h.Direction == wire.ClientToServer && h.PayloadType == wire.PayloadData {
			hdr = h
		}
		return false
	})
	warm := client.ClientSend(serverAddr, "echo", []byte("w"))
	pumpUntilServed(client, server, 20)
	require.Equal(t, rpc.ClientCompleted, warm.State())
	netw.SetFilter(nil)
	// The warm-up's own SESSION_OPEN and DATA payloads were released too.
	releasesBefore := serverDrv.releases

	body := []byte("ABCD")
	order := []int{0, 2, 1, 3}
	for _, i := range order {
		h := wire.FragmentHeader{
			SessionToken: hdr.SessionToken, RPCID: hdr.RPCID + 1,
			ClientSessionHint: hdr.ClientSessionHint, ServerSessionHint: hdr.ServerSessionHint,
			ChannelID: hdr.ChannelID, Direction: wire.ClientToServer, PayloadType: wire.PayloadData,
			FragNumber: uint16(i), TotalFrags: 4,
		}
		require.NoError(t, clientDrv.SendPacket(serverAddr, h.Marshal(), body[i:i+1]))
	}

	for i := 0; i < 20 && len(server.ready) == 0; i++ {
		server.Poll()
	}

	require.NotEmpty(t, server.ready)
	assert.Equal(t, "ABCD", string(server.ready[0].RecvPayload()))

	// The buffer isn't released until the application finishes with it
	// (SendReply), mirroring the golden path in production use.
	server.ready[0].SetReplyPayload([]byte("ok"))
	server.ready[0].SendReply()
	assert.Equal(t, 4, serverDrv.releases-releasesBefore, "all four fragments must be released exactly once, via the destination buffer")
}

func TestTransport_BadSessionRecoversAfterServerForgetsSession(t *testing.T) {
	client, server, clock, _, _, serverAddr := newTestPair(t, 256)

	first := client.ClientSend(serverAddr, "echo", []byte("one"))
	pumpUntilServed(client, server, 40)
	require.Equal(t, rpc.ClientCompleted, first.State())
	assert.Equal(t, "one", string(first.Reply()))

	clock.Advance(timer.Tick(testTransportConfig().SessionTimeout.Nanoseconds()) + 1)
	server.serverSessions.Expire(clock.Now())

	second := client.ClientSend(serverAddr, "echo", []byte("two"))
	pumpUntilServed(client, server, 40)

	assert.Equal(t, rpc.ClientCompleted, second.State())
	assert.Equal(t, "two", string(second.Reply()))
}

// Package transport implements the poll loop and packet demultiplex
// dispatcher of spec §4.1: the single entry point gluing a Driver, the
// server/client session tables and the timer registry into the
// client_send/server_recv/poll service contract.
package transport

import (
	"net"

	"fragrpc/internal/timer"
	"fragrpc/internal/utils"
	"fragrpc/internal/wire"
	"fragrpc/pkg/config"
	"fragrpc/pkg/driver"
	"fragrpc/pkg/logging"
	"fragrpc/pkg/rpc"
	"fragrpc/pkg/rpcsession"
)

// sessionTableSweepBatch bounds how many server session slots one
// Expire() call examines. Expire runs each time a SESSION_OPEN needs a
// fresh slot, so the sweep is amortized across them instead of
// scanning the whole table every time.
const sessionTableSweepBatch = 8

// Transport is one endpoint that can act as client, server, or both
// at once, riding on a single Driver (spec §4.1, §5).
type Transport struct {
	driver   driver.Driver
	clock    timer.Clock
	registry *timer.Registry
	cfg      rpcsession.Config
	log      *logging.Logger

	serverSessions *rpcsession.Table[*rpcsession.ServerSession]
	ready          []*rpc.ServerHandle

	clientSessions *rpcsession.Table[*rpcsession.ClientSession]
	clientByAddr   map[string]*rpcsession.ClientSession
}

// New constructs a Transport over drv using cfg's tunables. A nil
// clock defaults to a RealClock; a nil log discards everything.
func New(drv driver.Driver, cfg *config.Config, log *logging.Logger, clock timer.Clock) *Transport {
	if log == nil {
		log = logging.Nop()
	}
	if clock == nil {
		clock = timer.NewRealClock()
	}
	maxFragmentSize := int(drv.MaxPayloadSize()) - wire.HeaderSize

	t := &Transport{
		driver:       drv,
		clock:        clock,
		registry:     timer.NewRegistry(),
		cfg:          sessionConfig(cfg, maxFragmentSize),
		log:          log,
		clientByAddr: make(map[string]*rpcsession.ClientSession),
	}

	t.serverSessions = rpcsession.NewTable(cfg.MaxSessions, sessionTableSweepBatch,
		func(id uint32) *rpcsession.ServerSession {
			return rpcsession.NewServerSession(id, t.cfg, t.clock, t.registry, t.sendPacket, t.log, t.onServerRPCReady)
		})
	t.clientSessions = rpcsession.NewTable(cfg.MaxSessions, sessionTableSweepBatch,
		func(id uint32) *rpcsession.ClientSession {
			return rpcsession.NewClientSession(id, t.cfg, t.clock, t.registry, t.sendPacket, t.log)
		})
	return t
}

// sessionConfig translates pkg/config's time.Duration tunables into
// the timer.Tick units every protocol-state type operates in. Inbound
// inactivity reuses the same fragment timeout the spec names as the
// single TIMEOUT constant (§6) — there is no separate tunable for it.
func sessionConfig(cfg *config.Config, maxFragmentSize int) rpcsession.Config {
	fragTimeout := timer.Tick(cfg.FragmentTimeout.Nanoseconds())
	return rpcsession.Config{
		WindowSize:               cfg.WindowSize,
		MaxStagingFragments:      cfg.MaxStagingFragments,
		ReqAckAfter:              cfg.ReqAckAfter,
		FragmentTimeout:          fragTimeout,
		SessionTimeout:           timer.Tick(cfg.SessionTimeout.Nanoseconds()),
		InactivityTimeout:        fragTimeout,
		NumChannelsPerSession:    cfg.NumChannelsPerSession,
		MaxNumChannelsPerSession: cfg.MaxNumChannelsPerSession,
		MaxRetransmitTimeouts:    cfg.MaxRetransmitTimeouts,
		MaxFragmentSize:          maxFragmentSize,
	}
}

func (t *Transport) onServerRPCReady(h *rpc.ServerHandle) {
	t.ready = append(t.ready, h)
}

func (t *Transport) sendPacket(addr net.Addr, header wire.FragmentHeader, payload []byte) error {
	if err := t.driver.SendPacket(addr, header.Marshal(), payload); err != nil {
		t.log.Warn("driver rejected send to %v: %v", addr, err)
		return utils.NewDriverSendFailedError(err)
	}
	return nil
}

// ClientSend begins a new client RPC to addr. The returned handle is
// already attached to a channel (or queued) on that destination's
// client session; a session is opened automatically the first time
// addr is seen. If the session table is exhausted the handle starts
// already ABORTED.
func (t *Transport) ClientSend(addr net.Addr, service string, request []byte) *rpc.ClientHandle {
	h := rpc.NewClientHandle(service, request, t.Poll)
	session, err := t.clientSessionFor(addr)
	if err != nil {
		h.MarkAborted(err)
		return h
	}
	session.StartRPC(h)
	return h
}

func (t *Transport) clientSessionFor(addr net.Addr) (*rpcsession.ClientSession, error) {
	key := addr.String()
	if s, ok := t.clientByAddr[key]; ok {
		return s, nil
	}
	s, err := t.clientSessions.Get()
	if err != nil {
		return nil, err
	}
	s.Connect(addr)
	t.clientByAddr[key] = s
	return s, nil
}

// ServerRecv blocks, polling, until a fully reassembled request is
// ready for the application (spec §4.1's server_recv).
func (t *Transport) ServerRecv() *rpc.ServerHandle {
	for len(t.ready) == 0 {
		t.Poll()
	}
	h := t.ready[0]
	t.ready = t.ready[1:]
	return h
}

// Poll drains every packet the driver currently has buffered, firing
// due timers between packets and once more before returning (spec
// §4.1's poll()). It never blocks.
func (t *Transport) Poll() {
	for {
		pkt, ok := t.driver.TryRecvPacket()
		if !ok {
			t.registry.FireTimers(t.clock.Now())
			return
		}
		t.handlePacket(pkt)
		t.registry.FireTimers(t.clock.Now())
	}
}

// handlePacket dispatches one received packet and guarantees its
// payload is released exactly once (spec §5's shared-resource policy)
// regardless of where processing stops: the deferred release re-steals
// at the very end, which is a no-op if a deeper handler already stole
// the payload into a staging slot or destination buffer chunk, and
// otherwise hands the untouched payload back to the driver.
func (t *Transport) handlePacket(pkt driver.ReceivedPacket) {
	steal := func() []byte { return pkt.Steal() }
	release := func(b []byte) { t.driver.Release(b) }
	defer func() { release(steal()) }()

	raw := pkt.Payload()
	header, err := wire.DecodeHeader(raw)
	if err != nil {
		return // too short to carry a header: silently dropped, per spec §7
	}
	if header.PleaseDrop {
		return
	}
	payload := raw[wire.HeaderSize:]

	switch header.Direction {
	case wire.ClientToServer:
		t.handleClientToServer(pkt.Addr(), header, payload, steal, release)
	case wire.ServerToClient:
		t.handleServerToClient(header, payload, steal, release)
	}
}

// handleClientToServer implements spec §4.1 step 2: route by
// server_session_hint with a token check, open a fresh session on
// SESSION_OPEN if the hint doesn't resolve, or reply BAD_SESSION.
func (t *Transport) handleClientToServer(addr net.Addr, header wire.FragmentHeader, payload []byte, steal func() []byte, release func([]byte)) {
	// A zero token never identifies a real session (newToken() draws
	// from crypto/rand and a freshly reset/never-started slot reports
	// token 0): excluding it here keeps an unestablished client's first
	// SESSION_OPEN (which also carries a zero token) from accidentally
	// matching a reset slot instead of falling through to allocation.
	if sess, ok := t.serverSessions.At(header.ServerSessionHint); ok && header.SessionToken != 0 && sess.Token() == header.SessionToken {
		sess.ProcessInboundPacket(header, payload, steal, release)
		return
	}
	if header.PayloadType == wire.PayloadSessionOpen {
		t.serverSessions.Expire(t.clock.Now())
		sess, err := t.serverSessions.Get()
		if err != nil {
			t.log.Warn("server session table exhausted, dropping SESSION_OPEN from %v", addr)
			return
		}
		sess.StartSession(addr, header.ClientSessionHint)
		return
	}
	t.sendBadSession(addr, header)
}

// handleServerToClient implements spec §4.1 step 3: route by
// client_session_hint; the session itself verifies the token.
func (t *Transport) handleServerToClient(header wire.FragmentHeader, payload []byte, steal func() []byte, release func([]byte)) {
	sess, ok := t.clientSessions.At(header.ClientSessionHint)
	if !ok {
		return
	}
	sess.ProcessInboundPacket(header, payload, steal, release)
}

func (t *Transport) sendBadSession(addr net.Addr, header wire.FragmentHeader) {
	reply := wire.FragmentHeader{
		SessionToken:      header.SessionToken,
		RPCID:             header.RPCID,
		ClientSessionHint: header.ClientSessionHint,
		ServerSessionHint: header.ServerSessionHint,
		ChannelID:         header.ChannelID,
		Direction:         wire.ServerToClient,
		PayloadType:       wire.PayloadBadSession,
	}
	_ = t.sendPacket(addr, reply, nil)
}

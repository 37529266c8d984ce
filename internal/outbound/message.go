// Package outbound implements the sender side of one in-flight
// message: window-based fragment transmission with retransmit and ACK
// processing (spec §4.3).
package outbound

import (
	"fragrpc/internal/timer"
	"fragrpc/internal/wire"
)

// acked is the sentinel sentTimes value meaning "this fragment index
// is fully acknowledged", distinct from 0 ("never sent").
const acked = timer.Tick(1<<64 - 1)

// SendFunc transmits one fragment. The message only knows
// fragment-local fields; the channel/session context (session token,
// rpc id, channel id, direction, hints) is closed over by the caller.
type SendFunc func(fragNumber, totalFrags uint16, requestAck bool, payload []byte) error

// Config are the tunables that govern one outbound message's
// behavior (spec §6).
type Config struct {
	WindowSize            int
	ReqAckAfter           int
	MaxStagingFragments   int
	FragmentTimeout       timer.Tick
	MaxRetransmitTimeouts int
}

// Message is one outbound message: a source buffer being transmitted
// fragment by fragment under a sliding window, as described in spec
// §3/§4.3.
type Message struct {
	cfg      Config
	clock    timer.Clock
	registry *timer.Registry
	rtxTimer *timer.Timer

	send                SendFunc
	onRetransmitTimeout func() // called once the consecutive-timeout budget is exhausted

	maxFragmentSize int
	source          []byte

	totalFrags         uint16
	firstMissingFrag   uint16
	numAcked           uint16
	sentTimes          []timer.Tick // ring; index i = fragment firstMissingFrag+i
	packetsSinceAckReq int
	consecutiveTimeouts int
	active              bool
}

// New constructs an idle outbound message bound to a sender and
// optional retransmit-budget-exceeded callback.
func New(cfg Config, clock timer.Clock, registry *timer.Registry, send SendFunc, onRetransmitTimeout func()) *Message {
	m := &Message{
		cfg:                 cfg,
		clock:               clock,
		registry:            registry,
		send:                send,
		onRetransmitTimeout: onRetransmitTimeout,
	}
	m.rtxTimer = timer.NewTimer(func(now timer.Tick) { m.send_() })
	return m
}

// IsActive reports whether a message is currently being transmitted.
func (m *Message) IsActive() bool { return m.active }

// IsComplete reports whether every fragment has been acknowledged.
func (m *Message) IsComplete() bool {
	return m.active && m.firstMissingFrag == m.totalFrags
}

// TotalFrags returns the fragment count of the message in flight.
func (m *Message) TotalFrags() uint16 { return m.totalFrags }

// BeginSending fixes the source buffer and starts transmission.
// maxFragmentSize is the usable payload bytes per fragment (driver
// MaxPayloadSize minus header size).
func (m *Message) BeginSending(source []byte, maxFragmentSize int) {
	m.source = source
	m.maxFragmentSize = maxFragmentSize
	m.totalFrags = uint16(fragCount(len(source), maxFragmentSize))
	m.firstMissingFrag = 0
	m.numAcked = 0
	m.sentTimes = make([]timer.Tick, m.cfg.WindowSize)
	m.packetsSinceAckReq = 0
	m.consecutiveTimeouts = 0
	m.active = true
	m.send_()
}

// Abort stops transmission and releases the retransmit timer, without
// touching the source buffer's ownership (the caller owns that).
func (m *Message) Abort() {
	m.registry.Remove(m.rtxTimer)
	m.active = false
}

// Resend re-enters the sender without resetting window state, for a
// channel that wants to re-drive transmission in response to a
// spurious peer signal rather than a real timeout.
func (m *Message) Resend() {
	m.send_()
}

func fragCount(totalLen, perFrag int) int {
	if totalLen == 0 {
		return 1
	}
	return (totalLen + perFrag - 1) / perFrag
}

func (m *Message) fragmentPayload(fragNumber uint16) []byte {
	start := int(fragNumber) * m.maxFragmentSize
	end := start + m.maxFragmentSize
	if end > len(m.source) {
		end = len(m.source)
	}
	if start > len(m.source) {
		start = len(m.source)
	}
	return m.source[start:end]
}

// send_ is the heart of the sender (spec §4.3's "send()"). Named with
// a trailing underscore to avoid colliding with the send SendFunc field.
func (m *Message) send_() {
	if !m.active || m.firstMissingFrag == m.totalFrags {
		return
	}
	now := m.clock.Now()

	stop := m.totalFrags
	if v := m.numAcked + uint16(m.cfg.WindowSize); v < stop {
		stop = v
	}
	if v := m.firstMissingFrag + uint16(m.cfg.MaxStagingFragments) + 1; v < stop {
		stop = v
	}

	retransmitted := false
	timedOutThisRound := false
	for i := 0; i < int(stop-m.firstMissingFrag); i++ {
		if retransmitted {
			break
		}
		sentTime := m.sentTimes[i]
		if sentTime == acked {
			continue
		}
		if sentTime != 0 && !(sentTime+m.cfg.FragmentTimeout <= now) {
			continue // sent and not yet timed out
		}
		isRetransmit := sentTime != 0
		fragNumber := m.firstMissingFrag + uint16(i)
		isFinal := fragNumber == m.totalFrags-1
		requestAck := isRetransmit || (m.packetsSinceAckReq == m.cfg.ReqAckAfter-1 && !isFinal)

		err := m.send(fragNumber, m.totalFrags, requestAck, m.fragmentPayload(fragNumber))
		if err == nil {
			// 0 marks a never-sent slot, so a send at tick 0 is
			// recorded as tick 1.
			sentAt := now
			if sentAt == 0 {
				sentAt = 1
			}
			m.sentTimes[i] = sentAt
			if requestAck {
				m.packetsSinceAckReq = 0
			} else {
				m.packetsSinceAckReq++
			}
		}
		if isRetransmit {
			timedOutThisRound = true
			retransmitted = true
		}
	}

	if timedOutThisRound {
		m.consecutiveTimeouts++
		if m.consecutiveTimeouts >= m.cfg.MaxRetransmitTimeouts {
			m.active = false
			m.registry.Remove(m.rtxTimer)
			if m.onRetransmitTimeout != nil {
				m.onRetransmitTimeout()
			}
			return
		}
	}

	m.rearmTimer(now)
}

func (m *Message) rearmTimer(now timer.Tick) {
	var earliest timer.Tick
	found := false
	stop := m.totalFrags
	if v := m.numAcked + uint16(m.cfg.WindowSize); v < stop {
		stop = v
	}
	for i := 0; i < int(stop-m.firstMissingFrag) && i < len(m.sentTimes); i++ {
		st := m.sentTimes[i]
		if st == 0 || st == acked {
			continue
		}
		deadline := st + m.cfg.FragmentTimeout
		if !found || deadline < earliest {
			earliest = deadline
			found = true
		}
	}
	if found {
		m.registry.Add(m.rtxTimer, earliest)
	} else {
		m.registry.Remove(m.rtxTimer)
	}
}

// ProcessReceivedAck applies an ACK to this message's window. It
// returns true once the message is fully acknowledged.
func (m *Message) ProcessReceivedAck(ack wire.AckPayload) bool {
	if !m.active {
		return false
	}
	if ack.FirstMissingFrag < uint32(m.firstMissingFrag) {
		return m.firstMissingFrag == m.totalFrags // stale
	}
	if ack.FirstMissingFrag > uint32(m.totalFrags) {
		return m.firstMissingFrag == m.totalFrags // impossible
	}
	delta := ack.FirstMissingFrag - uint32(m.firstMissingFrag)
	if delta > uint32(m.cfg.WindowSize) {
		return m.firstMissingFrag == m.totalFrags // advances beyond the window
	}

	if delta > 0 {
		m.consecutiveTimeouts = 0 // forward progress: the peer is alive
	}
	advanceRing(m.sentTimes, int(delta))
	m.firstMissingFrag += uint16(delta)
	if v := uint16(m.firstMissingFrag); v > m.numAcked {
		m.numAcked = v
	}

	for i := 0; i < m.cfg.MaxStagingFragments && i+1 < len(m.sentTimes); i++ {
		if ack.HasBit(i) && m.sentTimes[i+1] != acked {
			m.sentTimes[i+1] = acked
			m.numAcked++
		}
	}

	m.send_()
	return m.firstMissingFrag == m.totalFrags
}

func advanceRing(ring []timer.Tick, n int) {
	if n <= 0 {
		return
	}
	if n >= len(ring) {
		for i := range ring {
			ring[i] = 0
		}
		return
	}
	copy(ring, ring[n:])
	for i := len(ring) - n; i < len(ring); i++ {
		ring[i] = 0
	}
}

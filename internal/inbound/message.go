// Package inbound implements the receiver side of one in-flight
// message: fragment staging and in-order reassembly, with ACK
// generation (spec §4.4).
package inbound

import (
	"fragrpc/internal/timer"
	"fragrpc/internal/wire"
	"fragrpc/pkg/buffer"
)

// AckSendFunc transmits an ACK for this message's channel/session.
type AckSendFunc func(ack wire.AckPayload) error

// Config are the tunables that govern one inbound message.
type Config struct {
	MaxStagingFragments int
	InactivityTimeout   timer.Tick
}

type stagingSlot struct {
	filled  bool
	data    []byte // fragment body, header already stripped
	release func()
}

// Message is one inbound message: a destination buffer being filled
// by possibly out-of-order fragments, staged until contiguous (spec
// §3/§4.4).
type Message struct {
	cfg      Config
	clock    timer.Clock
	registry *timer.Registry
	timer    *timer.Timer

	dest             buffer.Buffer
	totalFrags       uint16
	firstMissingFrag uint16
	staging          []stagingSlot
	useTimer         bool
	active           bool

	sendAckFn     AckSendFunc
	onInactivity  func(now timer.Tick)
}

// New constructs an idle inbound message. onInactivity, if non-nil, is
// invoked when the inactivity timer lapses without having been
// re-armed by a subsequent fragment; a channel can use it to evict a
// stalled reassembly. The timer does not re-arm itself on firing —
// only ProcessReceivedData does that.
func New(cfg Config, clock timer.Clock, registry *timer.Registry, sendAck AckSendFunc, onInactivity ...func(now timer.Tick)) *Message {
	m := &Message{cfg: cfg, clock: clock, registry: registry, sendAckFn: sendAck}
	if len(onInactivity) > 0 {
		m.onInactivity = onInactivity[0]
	}
	m.timer = timer.NewTimer(func(now timer.Tick) {
		if m.onInactivity != nil {
			m.onInactivity(now)
		}
	})
	return m
}

// Init (re)starts the message for a new total_frags/destination pair,
// clearing any prior state first.
func (m *Message) Init(totalFrags uint16, dest buffer.Buffer, useTimer bool) {
	m.clear()
	m.totalFrags = totalFrags
	m.dest = dest
	m.staging = make([]stagingSlot, m.cfg.MaxStagingFragments)
	m.useTimer = useTimer
	m.active = true
	if useTimer {
		m.registry.Add(m.timer, m.clock.Now()+m.cfg.InactivityTimeout)
	}
}

// IsComplete reports whether every fragment has been reassembled.
func (m *Message) IsComplete() bool {
	return m.active && m.firstMissingFrag == m.totalFrags
}

// ProcessReceivedData incorporates one received fragment. steal
// transfers ownership of the fragment's raw bytes (header included);
// release returns a previously stolen raw buffer to the driver. The
// caller is responsible for releasing the packet itself if
// ProcessReceivedData never calls steal (duplicate/stale/out-of-range
// fragments are dropped without stealing).
func (m *Message) ProcessReceivedData(header wire.FragmentHeader, steal func() []byte, release func([]byte)) bool {
	if header.TotalFrags != m.totalFrags {
		return m.firstMissingFrag == m.totalFrags
	}

	if header.FragNumber == m.firstMissingFrag {
		raw := steal()
		body := raw[wire.HeaderSize:]
		m.dest.AppendChunk(body, func() { release(raw) })
		m.firstMissingFrag++
		for m.staging[0].filled {
			slot := m.staging[0]
			m.dest.AppendChunk(slot.data, slot.release)
			m.advanceStaging(1)
			m.firstMissingFrag++
		}
	} else if header.FragNumber > m.firstMissingFrag {
		gap := int(header.FragNumber - m.firstMissingFrag)
		if gap <= m.cfg.MaxStagingFragments {
			i := gap - 1
			if !m.staging[i].filled {
				raw := steal()
				body := raw[wire.HeaderSize:]
				m.staging[i] = stagingSlot{filled: true, data: body, release: func() { release(raw) }}
			}
			// else: duplicate fragment, drop without stealing.
		}
		// else: too far ahead of the window the receiver is staging, drop.
	}
	// else header.FragNumber < firstMissingFrag: stale, drop.

	if header.RequestAck {
		m.SendAck()
	}
	if m.useTimer {
		m.registry.Add(m.timer, m.clock.Now()+m.cfg.InactivityTimeout)
	}
	return m.firstMissingFrag == m.totalFrags
}

func (m *Message) advanceStaging(n int) {
	copy(m.staging, m.staging[n:])
	for i := len(m.staging) - n; i < len(m.staging); i++ {
		m.staging[i] = stagingSlot{}
	}
}

// SendAck builds and transmits an AckPayload reflecting the current
// firstMissingFrag and staged fragments.
func (m *Message) SendAck() {
	ack := wire.AckPayload{FirstMissingFrag: uint32(m.firstMissingFrag)}
	for i, slot := range m.staging {
		if slot.filled {
			ack.SetBit(i)
		}
	}
	if m.sendAckFn != nil {
		_ = m.sendAckFn(ack)
	}
}

// clear releases every staged payload, zeroes state and disarms the
// inactivity timer (spec §4.4's clear()).
func (m *Message) clear() {
	for i, slot := range m.staging {
		if slot.filled && slot.release != nil {
			slot.release()
		}
		m.staging[i] = stagingSlot{}
	}
	m.staging = nil
	m.totalFrags = 0
	m.firstMissingFrag = 0
	m.active = false
	m.registry.Remove(m.timer)
}

// Clear is the exported form of clear, for use by channel state
// machines tearing down a finished or aborted message.
func (m *Message) Clear() { m.clear() }

// Package utils holds error codes and tunable defaults shared across the
// transport's internal packages.
package utils

import "time"

// Protocol-wide defaults. All are overridable via pkg/config.
const (
	// WindowSize is the max number of unacknowledged fragments an
	// outbound message may have in flight at once.
	WindowSize = 10

	// MaxStagingFragments bounds how far ahead of firstMissingFrag an
	// inbound message will buffer out-of-order fragments, and is the
	// bit width of the ACK staging_vector.
	MaxStagingFragments = 32

	// ReqAckAfter sets how often a sender piggy-backs an ACK request:
	// after ReqAckAfter-1 fragments without one, the next fragment
	// carries it (the final fragment of a message never does).
	ReqAckAfter = 5

	// FragmentTimeout is how long a sent-but-unacknowledged fragment
	// waits before being considered lost and retransmitted.
	FragmentTimeout = 10 * time.Millisecond

	// SessionTimeout is how long a session may sit idle before its
	// table sweeps it back onto the free list.
	SessionTimeout = 60 * time.Second

	// NumChannelsPerSession is the fixed number of channels a server
	// allocates per session.
	NumChannelsPerSession = 8

	// MaxNumChannelsPerSession bounds how many channels a client will
	// ever allocate, regardless of what a server offers.
	MaxNumChannelsPerSession = 8

	// MaxRetransmitTimeouts bounds how many consecutive retransmit
	// timeouts a single outbound message may take before it is given
	// up: a client channel aborts only its current RPC, a server
	// channel resets to IDLE. The session itself is not closed.
	MaxRetransmitTimeouts = 8

	// DefaultMaxSessions bounds the size of a session table.
	DefaultMaxSessions = 1024
)

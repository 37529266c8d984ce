// Package channel implements the client and server channel state
// machines of spec §4.5: the per-session slot that carries one
// in-flight RPC at a time, driving its bound inbound/outbound message
// objects through DATA and ACK events.
package channel

import (
	"fragrpc/pkg/buffer"
)

// ClientState is one of the three states a client channel occupies.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientSending
	ClientReceiving
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "IDLE"
	case ClientSending:
		return "SENDING"
	case ClientReceiving:
		return "RECEIVING"
	default:
		return "UNKNOWN"
	}
}

// ServerState is one of the four states a server channel occupies.
type ServerState int

const (
	ServerIdle ServerState = iota
	ServerReceiving
	ServerProcessing
	ServerSendingWaiting
)

func (s ServerState) String() string {
	switch s {
	case ServerIdle:
		return "IDLE"
	case ServerReceiving:
		return "RECEIVING"
	case ServerProcessing:
		return "PROCESSING"
	case ServerSendingWaiting:
		return "SENDING_WAITING"
	default:
		return "UNKNOWN"
	}
}

// ClientRPC is the contract a client channel needs from a
// caller-visible RPC handle (implemented by pkg/rpc.ClientHandle).
type ClientRPC interface {
	RequestBytes() []byte
	ResponseBuffer() buffer.Buffer
	SetRPCID(id uint32)
	MarkCompleted()
	MarkAborted(err error)
}

// ServerRPC is the contract a server channel needs from a
// service-visible RPC handle (implemented by pkg/rpc.ServerHandle).
type ServerRPC interface {
	RPCID() uint32
	RecvBuffer() buffer.Buffer
}

// steal/release closures mirror inbound.Message.ProcessReceivedData's
// contract: steal transfers ownership of the raw fragment bytes,
// release returns a previously stolen buffer.
type stealFunc func() []byte
type releaseFunc func([]byte)

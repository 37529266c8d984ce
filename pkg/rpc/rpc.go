// Package rpc implements the caller- and service-visible RPC handles
// of spec §4.9: the client-side request/response future and the
// server-side in-flight request record.
package rpc

import (
	"fragrpc/pkg/buffer"
)

// ClientState is one of the four states a client RPC handle occupies.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientInProgress
	ClientCompleted
	ClientAborted
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "IDLE"
	case ClientInProgress:
		return "IN_PROGRESS"
	case ClientCompleted:
		return "COMPLETED"
	case ClientAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// PollFunc drives the transport's poll loop one non-blocking step;
// ClientHandle.GetReply calls it in a loop until the RPC leaves
// IN_PROGRESS, per spec §4.9/§5.
type PollFunc func()

// ClientHandle is the caller-visible handle for one client RPC:
// IDLE → IN_PROGRESS → {COMPLETED, ABORTED}.
type ClientHandle struct {
	service  string
	request  []byte
	response *buffer.ChunkedBuffer
	reply    []byte

	state ClientState
	rpcID uint32
	err   error

	poll PollFunc
}

// NewClientHandle constructs a handle in IN_PROGRESS, ready to be
// attached to a channel. poll is the transport's non-blocking
// progress step, called repeatedly by GetReply.
func NewClientHandle(service string, request []byte, poll PollFunc) *ClientHandle {
	return &ClientHandle{
		service:  service,
		request:  request,
		response: buffer.New(),
		state:    ClientInProgress,
		poll:     poll,
	}
}

// Service is the name of the service this RPC was addressed to.
func (h *ClientHandle) Service() string { return h.service }

// State returns the handle's current state.
func (h *ClientHandle) State() ClientState { return h.state }

// RequestBytes satisfies channel.ClientRPC: the bytes to transmit.
func (h *ClientHandle) RequestBytes() []byte { return h.request }

// ResponseBuffer satisfies channel.ClientRPC: the destination the
// channel's inbound message reassembles the reply into. It is closed
// once the RPC leaves IN_PROGRESS; callers that want the reply bytes
// afterward should use Reply or GetReply instead of reading it here.
func (h *ClientHandle) ResponseBuffer() buffer.Buffer { return h.response }

// Reply returns the snapshotted reply bytes recorded by MarkCompleted.
// Valid once State returns ClientCompleted.
func (h *ClientHandle) Reply() []byte { return h.reply }

// SetRPCID satisfies channel.ClientRPC: records the rpc_id the owning
// channel assigned this RPC.
func (h *ClientHandle) SetRPCID(id uint32) { h.rpcID = id }

// RPCID returns the rpc_id this RPC was assigned.
func (h *ClientHandle) RPCID() uint32 { return h.rpcID }

// MarkCompleted satisfies channel.ClientRPC: the reply has been fully
// reassembled. The response bytes are snapshotted before the buffer
// is closed, releasing every payload chunk back to the driver exactly
// once (spec §5's shared resource policy).
func (h *ClientHandle) MarkCompleted() {
	h.reply = h.response.Bytes()
	h.response.Close()
	h.state = ClientCompleted
}

// MarkAborted satisfies channel.ClientRPC: the RPC failed terminally
// (retransmit budget exhausted, session expired, etc). Any partially
// reassembled response chunks are released along with it.
func (h *ClientHandle) MarkAborted(err error) {
	h.response.Close()
	h.state = ClientAborted
	h.err = err
}

// GetReply blocks by repeatedly polling the transport until the RPC
// leaves IN_PROGRESS. COMPLETED returns the reply bytes; ABORTED
// returns the terminal error recorded by MarkAborted.
func (h *ClientHandle) GetReply() ([]byte, error) {
	for h.state == ClientInProgress {
		h.poll()
	}
	if h.state == ClientAborted {
		return nil, h.err
	}
	return h.reply, nil
}

// ServerHandle is the service-visible handle for one server RPC: its
// reassembled request, a place to write the reply, and the hook that
// kicks off transmission.
type ServerHandle struct {
	rpcID      uint32
	recv       *buffer.ChunkedBuffer
	replyBytes []byte

	beginSending func(replyBytes []byte)
}

// NewServerHandle constructs a handle for a newly-begun server RPC.
// beginSending is bound by the owning channel to its own
// BeginSending, so SendReply doesn't need a back-reference to the
// channel itself.
func NewServerHandle(rpcID uint32, beginSending func(replyBytes []byte)) *ServerHandle {
	return &ServerHandle{rpcID: rpcID, recv: buffer.New(), beginSending: beginSending}
}

// RPCID satisfies channel.ServerRPC.
func (h *ServerHandle) RPCID() uint32 { return h.rpcID }

// RecvBuffer satisfies channel.ServerRPC: the destination the
// channel's inbound message reassembles the request into.
func (h *ServerHandle) RecvBuffer() buffer.Buffer { return h.recv }

// RecvPayload returns the fully reassembled request bytes. Valid only
// after the RPC has been handed to the application (state PROCESSING).
func (h *ServerHandle) RecvPayload() []byte { return h.recv.Bytes() }

// SetReplyPayload records the application's response bytes.
func (h *ServerHandle) SetReplyPayload(reply []byte) { h.replyBytes = reply }

// SendReply triggers the owning channel's begin_sending, transitioning
// it from PROCESSING to SENDING_WAITING and starting transmission of
// the reply buffer. The request buffer is released here: the
// application has necessarily read RecvPayload by this point, and the
// channel holds no other reference to it.
func (h *ServerHandle) SendReply() {
	h.recv.Close()
	h.beginSending(h.replyBytes)
}

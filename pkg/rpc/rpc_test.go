package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fragrpc/internal/utils"
	"fragrpc/pkg/channel"
)

func TestClientHandle_GetReplyBlocksUntilCompleted(t *testing.T) {
	polls := 0
	h := NewClientHandle("echo", []byte("hi"), nil)
	h.poll = func() {
		polls++
		if polls == 3 {
			h.response.AppendChunk([]byte("hi back"), func() {})
			h.MarkCompleted()
		}
	}

	reply, err := h.GetReply()
	require.NoError(t, err)
	assert.Equal(t, "hi back", string(reply))
	assert.Equal(t, 3, polls)
}

func TestClientHandle_GetReplyReturnsErrorWhenAborted(t *testing.T) {
	polls := 0
	h := NewClientHandle("echo", []byte("hi"), nil)
	h.poll = func() {
		polls++
		h.MarkAborted(utils.NewRPCAbortedError("session expired"))
	}

	_, err := h.GetReply()
	require.Error(t, err)
	assert.Equal(t, 1, polls)
}

func TestServerHandle_SendReplyInvokesBeginSending(t *testing.T) {
	var gotReply []byte
	h := NewServerHandle(5, func(replyBytes []byte) { gotReply = replyBytes })

	h.SetReplyPayload([]byte("reply bytes"))
	h.SendReply()

	assert.Equal(t, "reply bytes", string(gotReply))
	assert.Equal(t, uint32(5), h.RPCID())
}

var _ channel.ClientRPC = (*ClientHandle)(nil)
var _ channel.ServerRPC = (*ServerHandle)(nil)

package utils

import "fmt"

// Error codes. Names mirror the spec's error-handling taxonomy: transient
// packet-level conditions are never surfaced (see doc comments at call
// sites), only session-level and terminal errors ever reach a TransportError.
const (
	ErrSessionNotFound         = "FRAGRPC_SESSION_NOT_FOUND"
	ErrBadSession              = "FRAGRPC_BAD_SESSION"
	ErrSessionExpired          = "FRAGRPC_SESSION_EXPIRED"
	ErrSessionLimitExceeded    = "FRAGRPC_SESSION_LIMIT_EXCEEDED"
	ErrWindowExhausted         = "FRAGRPC_WINDOW_EXHAUSTED"
	ErrStagingFull             = "FRAGRPC_STAGING_FULL"
	ErrRPCAborted              = "FRAGRPC_RPC_ABORTED"
	ErrRetransmitBudgetExceeded = "FRAGRPC_RETRANSMIT_BUDGET_EXCEEDED"
	ErrDriverSendFailed        = "FRAGRPC_DRIVER_SEND_FAILED"
	ErrChannelLimitExceeded    = "FRAGRPC_CHANNEL_LIMIT_EXCEEDED"
	ErrConfigurationInvalid   = "FRAGRPC_CONFIGURATION_INVALID"
)

// TransportError is the only error type ever returned across the service
// boundary (RpcHandle.GetReply). Everything transient at the packet level
// is dropped internally and never wrapped in one of these.
type TransportError struct {
	Code    string
	Message string
	Cause   error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError builds a TransportError, optionally wrapping cause.
func NewTransportError(code, message string, cause error) *TransportError {
	return &TransportError{Code: code, Message: message, Cause: cause}
}

func NewSessionExpiredError(sessionID uint32) error {
	return NewTransportError(ErrSessionExpired,
		fmt.Sprintf("session %d expired with RPCs in flight", sessionID), nil)
}

func NewRetransmitBudgetExceededError(channelID uint8, rpcID uint32) error {
	return NewTransportError(ErrRetransmitBudgetExceeded,
		fmt.Sprintf("channel %d rpc %d exhausted its retransmit budget", channelID, rpcID), nil)
}

func NewRPCAbortedError(reason string) error {
	return NewTransportError(ErrRPCAborted, reason, nil)
}

func NewDriverSendFailedError(cause error) error {
	return NewTransportError(ErrDriverSendFailed, "driver rejected packet send", cause)
}

func NewConfigurationInvalidError(reason string) error {
	return NewTransportError(ErrConfigurationInvalid, reason, nil)
}

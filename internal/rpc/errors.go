package rpc

import (
	"errors"
	"fmt"
)

// Sentinel errors for the bridge failure taxonomy. Callers distinguish
// them with errors.Is; a peer-reported failure carries its code and
// message as a RemoteError.
var (
	// ErrNotConnected is returned when no peer is attached.
	ErrNotConnected = errors.New("peer is not connected")

	// ErrCallTimeout is returned when a call exceeds its deadline.
	ErrCallTimeout = errors.New("tool call timed out")

	// ErrConnectionLost is returned for calls still pending when the
	// peer disconnects.
	ErrConnectionLost = errors.New("peer disconnected while call was pending")

	// ErrProtocol is returned for frames of unrecognized shape.
	ErrProtocol = errors.New("protocol error")
)

// RemoteError is a JSON-RPC error response from the peer.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

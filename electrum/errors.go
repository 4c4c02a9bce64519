package electrum

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by Call when the deadline elapses before a
// response (or error) is delivered for the request's id.
var ErrTimeout = errors.New("electrum: call timeout")

// ErrShutdown is returned to callers whose request was in flight when the
// transport was closed.
var ErrShutdown = errors.New("electrum: transport shut down")

// ErrProtocol indicates the server sent something that couldn't be parsed
// as a JSON-RPC response or notification.
var ErrProtocol = errors.New("electrum: protocol error")

// ServerError wraps a JSON-RPC error object returned by the server.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("electrum: server error %d: %s", e.Code, e.Message)
}

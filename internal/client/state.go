// Package client is the websocket client side of taskboard: a connection
// manager that keeps the transport alive and a reconciliation engine that
// folds optimistic edits, acks and fan-outs into one local view.
package client

import (
	"errors"
	"fmt"

	"taskboard/internal/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrReconnectExhausted is reported once the reconnect attempts run out.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// RequestError is a failed request, either a server failure ack or a
// client-side CONNECTION_LOST, TIMEOUT or UNAUTHENTICATED.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func requestError(code, message string) *RequestError {
	return &RequestError{Code: code, Message: message}
}

// Code extracts the protocol code from err, or SERVER_ERROR.
func Code(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code
	}
	return protocol.CodeServerError
}

var (
	errConnectionLost  = requestError(protocol.CodeConnectionLost, "Connection lost")
	errTimeout         = requestError(protocol.CodeTimeout, "Request timed out")
	errUnauthenticated = requestError(protocol.CodeUnauthenticated, "Sign in first")
)

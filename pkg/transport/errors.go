package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a transport failure so callers can translate it into the
// right JSON-RPC error or HTTP status without string matching.
type Kind string

const (
	// KindNotConnected means the transport has no usable upstream
	// connection and the single per-call reconnect attempt failed too.
	KindNotConnected Kind = "not_connected"
	// KindToolNotFound means the requested tool is not served by this
	// transport.
	KindToolNotFound Kind = "tool_not_found"
	// KindUpstream means the upstream returned an error response.
	KindUpstream Kind = "upstream"
	// KindTimeout means the call exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindCancelled means the caller's context was cancelled.
	KindCancelled Kind = "cancelled"
	// KindInstall means a preinstall/verify step for a stdio server
	// failed before any connection was attempted.
	KindInstall Kind = "install"
)

// Error is the failure type returned by every transport operation.
type Error struct {
	Kind   Kind
	Server string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Server, e.Kind)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Server, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a typed transport error for the given server.
func newError(kind Kind, server string, err error) *Error {
	return &Error{Kind: kind, Server: server, Err: err}
}

// classify wraps an arbitrary upstream failure, promoting context and
// network deadline errors to their dedicated kinds.
func classify(server string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, server, err)
	case errors.Is(err, context.Canceled):
		return newError(KindCancelled, server, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, server, err)
	}
	return newError(KindUpstream, server, err)
}

// KindOf extracts the transport error kind, or KindUpstream for foreign
// errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUpstream
}

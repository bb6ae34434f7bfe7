// Package remote talks to the external content service, result store and
// media upload endpoint.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a remote failure.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindTimeout  Kind = "timeout"
	KindServer   Kind = "server"
	KindRejected Kind = "rejected"
	KindEncoding Kind = "encoding"
)

// Error is returned by every remote call.
type Error struct {
	Op     string
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a remote error, or "" for other errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// transportError wraps an error returned by http.Client.Do.
func transportError(op string, err error) *Error {
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// statusError returns nil for 2xx responses.
func statusError(op string, res *http.Response) error {
	if res.StatusCode/100 == 2 {
		return nil
	}
	kind := KindRejected
	if res.StatusCode >= 500 {
		kind = KindServer
	}
	return &Error{Op: op, Kind: kind, Status: res.StatusCode, Err: errors.New(res.Status)}
}

func encodingError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindEncoding, Err: err}
}

package engine

import (
	"errors"
	"fmt"

	"github.com/zheng/modeswitcher/internal/docker"
	"github.com/zheng/modeswitcher/internal/gateway"
	"github.com/zheng/modeswitcher/internal/utils"
)

// Kind classifies a switch failure for HTTP mapping and rollback policy.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindPrecondition
	KindConflict
	KindTransport
	KindTimeout
	KindUnhealthy
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindUnhealthy:
		return "unhealthy"
	default:
		return "internal"
	}
}

// Error is a kind-tagged engine error.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg == "" {
			return e.err.Error()
		}
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func badRequestf(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, msg: fmt.Sprintf(format, args...)}
}

func preconditionf(format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, msg: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, msg: fmt.Sprintf(format, args...)}
}

func transportErr(context string, err error) *Error {
	return &Error{Kind: KindTransport, msg: context, err: err}
}

// KindOf extracts the kind from err, classifying untagged errors from the
// orchestration and gateway adapters.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var stateErr *docker.StateError
	if errors.As(err, &stateErr) {
		return KindUnhealthy
	}
	if errors.Is(err, utils.ErrDeadline) {
		return KindTimeout
	}
	var authErr *gateway.AuthError
	if errors.As(err, &authErr) {
		return KindTransport
	}
	return KindInternal
}

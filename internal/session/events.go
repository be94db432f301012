package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/simlink/internal/mux"
)

// Poll outcomes travel between ranks as one int: non-negative values are
// mux events, negative values name the error the root observed.
const (
	codeInterrupted   = -1
	codeInvalidHandle = -2
	codeInternal      = -3
	codeOther         = -4
	codeStopped       = -5
)

var ErrRootPoll = errors.New("session: root poll failed")

func encodeEvent(ev mux.Event, err error) int {
	if err == nil {
		return int(ev)
	}
	switch {
	case errors.Is(err, mux.ErrInterrupted):
		return codeInterrupted
	case errors.Is(err, mux.ErrInvalidHandle):
		return codeInvalidHandle
	case errors.Is(err, mux.ErrInternal):
		return codeInternal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return codeStopped
	default:
		return codeOther
	}
}

// decodeEvent rebuilds the root's outcome. local is the root's own error,
// preferred where present.
func decodeEvent(code int, local error) (mux.Event, error) {
	if code >= 0 {
		return mux.Event(code), nil
	}
	if local != nil {
		return mux.Error, local
	}
	switch code {
	case codeInterrupted:
		return mux.Error, mux.ErrInterrupted
	case codeInvalidHandle:
		return mux.Error, mux.ErrInvalidHandle
	case codeInternal:
		return mux.Error, mux.ErrInternal
	case codeStopped:
		return mux.Error, context.Canceled
	default:
		return mux.Error, fmt.Errorf("%w: code %d", ErrRootPoll, code)
	}
}

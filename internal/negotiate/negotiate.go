// Package negotiate receives the startup parameter list a viewer sends after
// a successful handshake and fans it out to every rank.
package negotiate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	// MaxTokenLen bounds one parameter line.
	MaxTokenLen = 4096
	// MaxParameters bounds the list length.
	MaxParameters = 1024
)

var ErrMalformedParameters = errors.New("negotiate: malformed parameter stream")

// Negotiate reads newline-terminated tokens from r on the root rank until an
// empty line, then broadcasts the list so every rank returns the same
// ordered slice. Non-root ranks never touch r and may pass nil. An empty list
// is valid.
func Negotiate(pctx *parallel.Context, r *bufio.Reader) ([]string, error) {
	var (
		args    []string
		readErr error
	)
	if pctx.IsRoot() {
		args, readErr = readParameters(r)
	}
	if err := pctx.ShareOutcome(readErr); err != nil {
		if errors.Is(err, parallel.ErrRootFailed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedParameters, err)
		}
		return nil, err
	}

	out, err := pctx.BroadcastStrings(args, parallel.RootRank)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Int("rank", pctx.Rank()).
		Int("count", len(out)).
		Msg("negotiate: parameters received")
	return out, nil
}

func readParameters(r *bufio.Reader) ([]string, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no reader on root rank", ErrMalformedParameters)
	}
	args := make([]string, 0, 4)
	for {
		line, err := protocol.ReadLine(r, MaxTokenLen)
		switch {
		case errors.Is(err, protocol.ErrLineTooLong):
			return nil, fmt.Errorf("%w: token %d over %d bytes", ErrMalformedParameters, len(args), MaxTokenLen)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: stream ended before terminator after %d tokens", ErrMalformedParameters, len(args))
		case err != nil:
			return nil, err
		}
		if line == "" {
			return args, nil
		}
		if !utf8.ValidString(line) {
			return nil, fmt.Errorf("%w: token %d is not valid UTF-8", ErrMalformedParameters, len(args))
		}
		if len(args) == MaxParameters {
			return nil, fmt.Errorf("%w: more than %d tokens", ErrMalformedParameters, MaxParameters)
		}
		args = append(args, line)
	}
}

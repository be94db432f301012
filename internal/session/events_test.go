package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/simlink/internal/mux"
	"github.com/danmuck/simlink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestPollOutcomeSeenByFollowers(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name    string
		ev      mux.Event
		err     error
		wantEv  mux.Event
		wantErr error
	}{
		{name: "timeout", ev: mux.Timeout, wantEv: mux.Timeout},
		{name: "engine", ev: mux.EngineReady, wantEv: mux.EngineReady},
		{name: "interrupted", err: fmt.Errorf("poll: %w", mux.ErrInterrupted), wantEv: mux.Error, wantErr: mux.ErrInterrupted},
		{name: "invalid", err: mux.ErrInvalidHandle, wantEv: mux.Error, wantErr: mux.ErrInvalidHandle},
		{name: "internal", err: mux.ErrInternal, wantEv: mux.Error, wantErr: mux.ErrInternal},
		{name: "cancelled", err: context.Canceled, wantEv: mux.Error, wantErr: context.Canceled},
		{name: "deadline", err: context.DeadlineExceeded, wantEv: mux.Error, wantErr: context.Canceled},
		{name: "other", err: errors.New("boom"), wantEv: mux.Error, wantErr: ErrRootPoll},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := encodeEvent(tc.ev, tc.err)
			// a follower has no local error and rebuilds from the code alone
			ev, err := decodeEvent(code, nil)
			require.Equal(t, tc.wantEv, ev)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)

			// the root keeps its own error
			_, err = decodeEvent(code, tc.err)
			require.Equal(t, tc.err, err)
		})
	}
}

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{Config(errors.New("bad flag")), 2},
		{Auth(errors.New("mac mismatch")), 3},
		{Launcher(errors.New("ssh failed")), 4},
		{Database(errors.New("conn refused")), 5},
		{Interrupted(errors.New("sigterm")), 6},
		{Timeout(errors.New("task timed out")), 7},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ExitCode(c.err))
	}
}

func TestExitCodeUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("wrapped: %w", Auth(errors.New("inner")))
	assert.Equal(t, 3, ExitCode(wrapped))
}

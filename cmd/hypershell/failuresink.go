package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/hypershell/hypershell/internal/dispatch"
	"github.com/hypershell/hypershell/internal/domain"
)

// openFailureSink opens path for append and returns a dispatch.FailureSink
// that writes one line per failed task's args (spec §8 "failure sieve"
// scenario: "F contains exactly one line"). An empty path disables the
// sink, matching server.failuresink's default.
func openFailureSink(path string) (dispatch.FailureSink, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open failure sink %s: %w", path, err)
	}
	var mu sync.Mutex
	sink := func(task *domain.Task) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(f, task.Args)
	}
	return dispatch.FailureSink(sink), func() { f.Close() }, nil
}

package runner

import (
	"context"
	"strings"
	"sync"
)

// outputBudget caps the combined size of a run's stdout and stderr. When
// the budget is exhausted the process is killed via the cancel func; bytes
// past the cap are dropped.
type outputBudget struct {
	mu        sync.Mutex
	remaining int64
	over      bool
	kill      context.CancelFunc
}

func newOutputBudget(limit int64, kill context.CancelFunc) *outputBudget {
	return &outputBudget{remaining: limit, kill: kill}
}

func (b *outputBudget) exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.over
}

// consume takes up to n bytes from the budget and returns how many fit.
// The first overdraw triggers the kill exactly once.
func (b *outputBudget) consume(n int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= b.remaining {
		b.remaining -= n
		return n
	}

	fit := b.remaining
	b.remaining = 0
	if !b.over {
		b.over = true
		b.kill()
	}
	return fit
}

// cappedWriter collects one stream's output against the shared budget.
type cappedWriter struct {
	budget *outputBudget
	buf    strings.Builder
}

func (b *outputBudget) writer() *cappedWriter {
	return &cappedWriter{budget: b}
}

// Write never returns an error: the process is killed through the budget
// instead, so the pipe copier keeps draining until the child exits.
func (w *cappedWriter) Write(p []byte) (int, error) {
	fit := w.budget.consume(int64(len(p)))
	if fit > 0 {
		w.buf.Write(p[:fit])
	}
	return len(p), nil
}

func (w *cappedWriter) String() string {
	return w.buf.String()
}

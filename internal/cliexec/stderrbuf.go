package cliexec

import "sync"

// stderrBuffer keeps the last N lines written to a child process's
// stderr, for attaching context to a cli_error. Adapted from the
// teacher's ring-buffered stderr capture in ai/agents/runner/events.go.
type stderrBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrBuffer(max int) *stderrBuffer {
	return &stderrBuffer{max: max}
}

func (b *stderrBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *stderrBuffer) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *stderrBuffer) joined() string {
	lines := b.all()
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

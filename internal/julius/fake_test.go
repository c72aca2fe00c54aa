package julius

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// fakeRunner plays back canned decoder output and records each invocation.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []Process
	inputs [][]byte
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, p Process) error {
	var input []byte
	if p.Stdin != nil {
		data, err := io.ReadAll(p.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		input = data
	}
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, err := io.WriteString(p.Stdout, f.stdout); err != nil {
		return err
	}
	_, err := io.WriteString(p.Stderr, f.stderr)
	return err
}

func (f *fakeRunner) lastCall() (Process, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.calls)
	return f.calls[n-1], f.inputs[n-1]
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

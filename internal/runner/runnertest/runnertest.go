// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"

	"github.com/animus-labs/wheelwright/internal/runner"
)

// Handler answers one command. Returning a nil error means success.
type Handler func(ctx context.Context, cmd runner.Command) (runner.Result, error)

// Recorder records every command and dispatches to the first handler whose
// prefix matches "name arg0 arg1 ...". Unmatched commands succeed silently.
type Recorder struct {
	mu       sync.Mutex
	Commands []runner.Command
	handlers []route
}

type route struct {
	prefix  string
	handler Handler
}

func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) On(prefix string, h Handler) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, route{prefix: prefix, handler: h})
	return r
}

func (r *Recorder) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	r.mu.Lock()
	r.Commands = append(r.Commands, cmd)
	handlers := append([]route(nil), r.handlers...)
	r.mu.Unlock()

	line := cmd.String()
	for _, rt := range handlers {
		if strings.HasPrefix(line, rt.prefix) {
			return rt.handler(ctx, cmd)
		}
	}
	return runner.Result{}, nil
}

// Lines returns the recorded commands rendered as strings.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Commands))
	for _, c := range r.Commands {
		out = append(out, c.String())
	}
	return out
}

// Fail returns a handler that exits with code 1 and the given output.
func Fail(output string) Handler {
	return func(ctx context.Context, cmd runner.Command) (runner.Result, error) {
		return runner.Result{ExitCode: 1, Output: output}, &runner.ExitError{Command: cmd.String(), ExitCode: 1, Output: output}
	}
}

// Output returns a handler that succeeds with the given output.
func Output(output string) Handler {
	return func(ctx context.Context, cmd runner.Command) (runner.Result, error) {
		return runner.Result{Output: output}, nil
	}
}

// Package runner runs external tools (git, the wheel build tool, docker) on
// behalf of the pipeline. Everything that shells out goes through Runner so
// the steps can be exercised without the real binaries.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrToolNotFound  = errors.New("tool_not_found")
	ErrCommandFailed = errors.New("command_failed")
)

// Runner executes one command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

type Command struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string
}

func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	return strings.Join(parts, " ")
}

type Result struct {
	ExitCode int
	Output   string
}

// ExitError reports a command that started but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = "..." + out[len(out)-512:]
	}
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, out)
}

func (e *ExitError) Unwrap() error {
	return ErrCommandFailed
}

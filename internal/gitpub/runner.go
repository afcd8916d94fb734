package gitpub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Output captures one git invocation.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs git with the given arguments in a fixed working tree.
type Runner interface {
	Run(ctx context.Context, args ...string) (Output, error)
}

// CommandError carries the diagnostic output of a failed git command.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command failed: git %s", strings.Join(e.Args, " "))
	if e.Output != "" {
		msg += "\n" + e.Output
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner shells out to the git binary.
type ExecRunner struct {
	Dir     string
	Timeout time.Duration
	Binary  string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) (Output, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := Output{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err == nil {
		return out, nil
	}
	out.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
	}
	diag := out.Stderr
	if diag == "" {
		diag = out.Stdout
	}
	return out, &CommandError{Args: args, ExitCode: out.ExitCode, Output: diag, Err: err}
}

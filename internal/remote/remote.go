// Package remote runs shell commands on the cluster submit host
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result is the outcome of a command that ran to completion, whatever its exit code
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Shell runs a command line. An error means the command could not be run or its outcome is
// unknown; a non-zero exit code alone is not an error.
type Shell interface {
	Run(ctx context.Context, command string) (Result, error)
}

// LocalShell runs commands with /bin/sh on this host. It serves workers that run on the submit
// host itself.
type LocalShell struct{}

func (LocalShell) Run(ctx context.Context, command string) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// do not wait on grandchildren holding the output pipes after a cancel
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, fmt.Errorf("could not run command: %w", err)
	}
}

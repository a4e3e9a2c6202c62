// Package procexec launches external stage executables and collects their
// terminal status together with everything they wrote to stdout and stderr.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long Wait keeps reading output after the process has
// exited or been killed, so grandchildren holding the pipes cannot hang a call.
const waitDelay = 5 * time.Second

// Command describes one external process invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
}

// Outcome is the terminal result of a process run. A non-zero ExitCode is a
// normal outcome, not an error.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the process exited with status zero.
func (o *Outcome) Success() bool {
	return o != nil && o.ExitCode == 0
}

// ConfigurationError reports an executable, or a file the executable needs,
// that does not exist.
type ConfigurationError struct {
	Path string
	// File is set when Path names a required file rather than the executable.
	File bool
	Err  error
}

func (e *ConfigurationError) Error() string {
	what := "executable"
	if e.File {
		what = "file"
	}
	return fmt.Sprintf("%s %q not found: %v", what, e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SpawnError reports a failure to start an existing executable.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports a process killed because its context expired. The
// accompanying Outcome still carries the output captured up to that point.
type TimeoutError struct {
	Path string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q did not finish: %v", e.Path, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Runner abstracts process execution for testability.
type Runner interface {
	Invoke(ctx context.Context, cmd Command) (*Outcome, error)
}

// Gateway runs commands on the local host.
type Gateway struct{}

// NewGateway constructs a local process gateway.
func NewGateway() *Gateway {
	return &Gateway{}
}

// Resolve returns the absolute path of an executable. Bare names are looked up
// on PATH. A missing file yields a ConfigurationError.
func Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", &ConfigurationError{Path: path, Err: errors.New("no executable configured")}
	}
	if !strings.ContainsRune(path, filepath.Separator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", &ConfigurationError{Path: path, Err: err}
		}
		return resolved, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &ConfigurationError{Path: path, Err: err}
		}
		return "", &SpawnError{Path: path, Err: err}
	}
	if info.IsDir() {
		return "", &ConfigurationError{Path: path, Err: errors.New("is a directory")}
	}
	return path, nil
}

// CheckFiles verifies that every file exists and is not a directory. The first
// missing one is reported as a ConfigurationError with File set.
func CheckFiles(files []string) error {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			return &ConfigurationError{Path: file, File: true, Err: err}
		}
		if info.IsDir() {
			return &ConfigurationError{Path: file, File: true, Err: errors.New("is a directory")}
		}
	}
	return nil
}

// Invoke starts cmd with an empty stdin and blocks until it exits. Both output
// streams are drained concurrently while the process runs, and draining
// completes before the exit status is returned.
func (g *Gateway) Invoke(ctx context.Context, cmd Command) (*Outcome, error) {
	path, err := Resolve(cmd.Path)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	proc := exec.CommandContext(ctx, path, cmd.Args...) //nolint:gosec
	proc.Dir = cmd.Dir
	proc.Stdin = nil
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	proc.WaitDelay = waitDelay
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}

	started := time.Now()
	if err := proc.Start(); err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}

	waitErr := proc.Wait()
	outcome := &Outcome{
		ExitCode: proc.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if ctxErr := ctx.Err(); ctxErr != nil && outcome.ExitCode != 0 {
		return outcome, &TimeoutError{Path: path, Err: ctxErr}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return outcome, fmt.Errorf("wait %q: %w", path, waitErr)
	}
	return outcome, nil
}

package procexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestInvokeCapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "stage.sh", `echo "out:$1"; echo "err:$(pwd)" >&2; exit 3`)

	outcome, err := NewGateway().Invoke(context.Background(), Command{Path: script, Args: []string{"arg"}, Dir: dir})
	if err != nil {
		t.Fatalf("non-zero exit must not be an error, got %v", err)
	}
	if outcome.ExitCode != 3 || outcome.Success() {
		t.Fatalf("exit code = %d", outcome.ExitCode)
	}
	if outcome.Stdout != "out:arg\n" {
		t.Fatalf("stdout = %q", outcome.Stdout)
	}
	resolvedDir, _ := filepath.EvalSymlinks(dir)
	if got := strings.TrimSpace(outcome.Stderr); got != "err:"+dir && got != "err:"+resolvedDir {
		t.Fatalf("stderr = %q, want working dir %s", outcome.Stderr, dir)
	}
}

func TestInvokeDrainsLargeOutputOnBothStreams(t *testing.T) {
	dir := t.TempDir()
	// Well above the default pipe buffer on both streams.
	script := writeScript(t, dir, "noisy.sh", `i=0
while [ $i -lt 4000 ]; do
  echo "stdout line $i with some padding to fill the pipe buffer"
  echo "stderr line $i with some padding to fill the pipe buffer" >&2
  i=$((i+1))
done
exit 0`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	outcome, err := NewGateway().Invoke(ctx, Command{Path: script, Dir: dir})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := strings.Count(outcome.Stdout, "\n"); got != 4000 {
		t.Fatalf("stdout lines = %d", got)
	}
	if got := strings.Count(outcome.Stderr, "\n"); got != 4000 {
		t.Fatalf("stderr lines = %d", got)
	}
}

func TestInvokeStdinIsEmpty(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "stdin.sh", `cat; echo done`)

	outcome, err := NewGateway().Invoke(context.Background(), Command{Path: script, Dir: dir})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if outcome.Stdout != "done\n" {
		t.Fatalf("stdout = %q", outcome.Stdout)
	}
}

func TestInvokePassesEnvironment(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "env.sh", `printf '%s' "$CHEMALYZE_INPUT"`)

	outcome, err := NewGateway().Invoke(context.Background(), Command{Path: script, Dir: dir, Env: []string{"CHEMALYZE_INPUT=/tmp/in.txt"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if outcome.Stdout != "/tmp/in.txt" {
		t.Fatalf("stdout = %q", outcome.Stdout)
	}
}

func TestInvokeMissingExecutableIsConfigurationError(t *testing.T) {
	_, err := NewGateway().Invoke(context.Background(), Command{Path: filepath.Join(t.TempDir(), "missing.sh")})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T (%v)", err, err)
	}

	_, err = NewGateway().Invoke(context.Background(), Command{Path: "chemalyze-no-such-binary"})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for PATH lookup, got %T (%v)", err, err)
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "generate.py")
	if err := os.WriteFile(script, []byte("print()\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckFiles([]string{script}); err != nil {
		t.Fatalf("CheckFiles: %v", err)
	}

	for _, path := range []string{filepath.Join(dir, "OCR_text.py"), dir} {
		err := CheckFiles([]string{script, path})
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) || !cfgErr.File || cfgErr.Path != path {
			t.Fatalf("%s: expected file ConfigurationError, got %v", path, err)
		}
	}
}

func TestInvokeNonExecutableIsSpawnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewGateway().Invoke(context.Background(), Command{Path: path, Dir: dir})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %T (%v)", err, err)
	}
}

func TestInvokeTimeoutKillsProcess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "slow.sh", `echo started; exec sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := NewGateway().Invoke(ctx, Command{Path: script, Dir: dir})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %T (%v)", err, err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("process was not killed promptly: %s", elapsed)
	}
	if outcome == nil || outcome.Stdout != "started\n" {
		t.Fatalf("expected partial output to be kept, got %+v", outcome)
	}
}

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/chemalyze/internal/config"
)

func writeCheckConfig(t *testing.T, workDir, recognition, analysis string) string {
	t.Helper()
	for _, key := range []string{
		"CHEMALYZE_WORK_DIR", "CHEMALYZE_RECOGNITION_EXECUTABLE", "CHEMALYZE_ANALYSIS_EXECUTABLE",
		"CHEMALYZE_RECOGNITION_ARGS", "CHEMALYZE_ANALYSIS_ARGS", "CHEMALYZE_MODE",
	} {
		t.Setenv(key, "")
	}

	body := fmt.Sprintf(`[pipeline]
work_dir = %q
recognition_executable = %q
recognition_args = ["ocr.py"]
analysis_executable = %q
analysis_args = ["generate.py"]
`, workDir, recognition, analysis)
	path := filepath.Join(t.TempDir(), "chemalyze.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
}

func runCheck(t *testing.T, configPath string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"check", "--config", configPath})
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckCommandReportsAvailableStages(t *testing.T) {
	workDir := t.TempDir()
	exe := filepath.Join(workDir, "interp")
	writeExecutable(t, exe)
	for _, script := range []string{"ocr.py", "generate.py"} {
		if err := os.WriteFile(filepath.Join(workDir, script), []byte("print()\n"), 0o644); err != nil {
			t.Fatalf("write script: %v", err)
		}
	}

	out, err := runCheck(t, writeCheckConfig(t, workDir, exe, exe))
	if err != nil {
		t.Fatalf("check failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "recognition") || !strings.Contains(out, "analysis") {
		t.Fatalf("unexpected output: %s", out)
	}
	if strings.Contains(out, "missing") {
		t.Fatalf("expected all stages available: %s", out)
	}
}

func TestCheckCommandFailsOnMissingScript(t *testing.T) {
	workDir := t.TempDir()
	exe := filepath.Join(workDir, "interp")
	writeExecutable(t, exe)
	if err := os.WriteFile(filepath.Join(workDir, "ocr.py"), []byte("print()\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	out, err := runCheck(t, writeCheckConfig(t, workDir, exe, exe))
	if err == nil {
		t.Fatalf("expected check to fail, output: %s", out)
	}
	if !strings.Contains(out, "generate.py") {
		t.Fatalf("expected missing script in output: %s", out)
	}
}

func TestCheckCommandFailsOnMissingExecutable(t *testing.T) {
	workDir := t.TempDir()
	exe := filepath.Join(workDir, "interp")
	writeExecutable(t, exe)

	_, err := runCheck(t, writeCheckConfig(t, workDir, exe, filepath.Join(workDir, "absent")))
	if err == nil {
		t.Fatal("expected check to fail")
	}
}

func TestStageOptionsRequireScriptFiles(t *testing.T) {
	workDir := t.TempDir()
	exe := filepath.Join(workDir, "interp")
	writeExecutable(t, exe)

	cfg, err := config.Load(writeCheckConfig(t, workDir, exe, exe))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	opts := stageOptions(cfg)
	if got := opts.Recognition.Files; len(got) != 1 || got[0] != filepath.Join(workDir, "ocr.py") {
		t.Fatalf("unexpected recognition files: %v", got)
	}
	if got := opts.Analysis.Files; len(got) != 1 || got[0] != filepath.Join(workDir, "generate.py") {
		t.Fatalf("unexpected analysis files: %v", got)
	}
	if opts.Analysis.Executable != exe {
		t.Fatalf("unexpected analysis executable: %q", opts.Analysis.Executable)
	}
}

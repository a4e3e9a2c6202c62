package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	p := &c.Pipeline
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))

	workDir, err := filepath.Abs(strings.TrimSpace(p.WorkDir))
	if err != nil {
		return fmt.Errorf("resolve work_dir: %w", err)
	}
	p.WorkDir = workDir

	p.RecognitionExecutable = c.resolveExecutable(p.RecognitionExecutable)
	p.AnalysisExecutable = c.resolveExecutable(p.AnalysisExecutable)
	p.RecognitionArgs = c.resolveScriptArgs(p.RecognitionArgs)
	p.AnalysisArgs = c.resolveScriptArgs(p.AnalysisArgs)
	c.Server.StaticDir = c.ResolvePath(strings.TrimSpace(c.Server.StaticDir))
	return nil
}

// resolveExecutable anchors relative executable paths to the work directory.
// Bare command names are left for PATH lookup.
func (c *Config) resolveExecutable(exe string) string {
	exe = strings.TrimSpace(exe)
	if exe == "" || !strings.ContainsRune(exe, filepath.Separator) {
		return exe
	}
	return c.ResolvePath(exe)
}

// resolveScriptArgs turns relative arguments that name files inside the work
// directory into absolute paths, so stages started from a session workspace
// still find their scripts.
func (c *Config) resolveScriptArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	resolved := make([]string, len(args))
	for i, arg := range args {
		resolved[i] = arg
		if arg == "" || strings.HasPrefix(arg, "-") || filepath.IsAbs(arg) {
			continue
		}
		candidate := filepath.Join(c.Pipeline.WorkDir, arg)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			resolved[i] = candidate
		}
	}
	return resolved
}

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Pipeline.Mode {
	case ModeIsolated, ModeLegacy:
	default:
		problems = append(problems, fmt.Sprintf("pipeline.mode must be %q or %q, got %q", ModeIsolated, ModeLegacy, c.Pipeline.Mode))
	}
	if c.Pipeline.TimeoutSeconds < 0 {
		problems = append(problems, "pipeline.timeout_seconds must not be negative")
	}
	if strings.TrimSpace(c.Pipeline.RecognitionExecutable) == "" {
		problems = append(problems, "pipeline.recognition_executable is required")
	}
	if strings.TrimSpace(c.Pipeline.AnalysisExecutable) == "" {
		problems = append(problems, "pipeline.analysis_executable is required")
	}
	files := []struct{ key, name string }{
		{"pipeline.staging_file", c.Pipeline.StagingFile},
		{"pipeline.intermediate_file", c.Pipeline.IntermediateFile},
		{"pipeline.final_file", c.Pipeline.FinalFile},
	}
	for _, f := range files {
		if f.name != filepath.Base(f.name) || f.name == "." || f.name == ".." {
			problems = append(problems, fmt.Sprintf("%s must be a plain file name, got %q", f.key, f.name))
		}
	}
	reserved := map[string]bool{
		c.Pipeline.StagingFile:      true,
		c.Pipeline.IntermediateFile: true,
		c.Pipeline.FinalFile:        true,
	}
	for _, name := range c.Pipeline.SharedResources {
		if name != filepath.Base(name) || name == "." || name == ".." || reserved[name] {
			problems = append(problems, fmt.Sprintf("pipeline.shared_resources entry %q must be a plain file name other than the artifact files", name))
		}
	}
	if c.Server.MaxUploadBytes < 0 {
		problems = append(problems, "server.max_upload_bytes must not be negative")
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		problems = append(problems, "server.shutdown_timeout_seconds must not be negative")
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

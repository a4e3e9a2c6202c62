package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/chemalyze/internal/config"
	"github.com/example/chemalyze/internal/preflight"
)

func newCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the stage executables are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			statuses := preflight.Check(stageRequirements(cfg))
			out := cmd.OutOrStdout()
			for _, status := range statuses {
				mark := "ok"
				if !status.Available {
					mark = "missing"
				}
				fmt.Fprintf(out, "%-12s %-8s %s (%s)\n", status.Name, mark, status.Command, status.Detail)
			}
			if !preflight.AllAvailable(statuses) {
				return errors.New("one or more stage executables are unavailable")
			}
			return nil
		},
	}
}

func stageRequirements(cfg *config.Config) []preflight.Requirement {
	p := cfg.Pipeline
	return []preflight.Requirement{
		{
			Name:        "recognition",
			Command:     p.RecognitionExecutable,
			Description: "extracts chemical names from the label photo",
			Files:       scriptFiles(cfg, p.RecognitionArgs),
		},
		{
			Name:        "analysis",
			Command:     p.AnalysisExecutable,
			Description: "generates the analysis for extracted names",
			Files:       scriptFiles(cfg, p.AnalysisArgs),
		},
	}
}

// scriptFiles picks the arguments that look like files, such as the script an
// interpreter is asked to run.
func scriptFiles(cfg *config.Config, args []string) []string {
	var files []string
	for _, arg := range args {
		if arg == "" || strings.HasPrefix(arg, "-") || filepath.Ext(arg) == "" {
			continue
		}
		files = append(files, cfg.ResolvePath(arg))
	}
	return files
}

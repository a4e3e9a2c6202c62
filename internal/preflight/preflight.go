// Package preflight reports whether the external stage executables are
// available before any request needs them.
package preflight

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/chemalyze/internal/procexec"
)

// Requirement names one executable the service relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	// Files lists scripts or models the command needs besides itself.
	Files []string
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Check evaluates the provided requirements and reports availability.
func Check(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		status := Status{
			Name:        req.Name,
			Command:     strings.TrimSpace(req.Command),
			Description: strings.TrimSpace(req.Description),
		}
		resolved, err := procexec.Resolve(status.Command)
		if err != nil {
			status.Detail = describe(err)
			results = append(results, status)
			continue
		}
		if err := procexec.CheckFiles(req.Files); err != nil {
			status.Detail = describe(err)
			results = append(results, status)
			continue
		}
		status.Available = true
		status.Detail = resolved
		results = append(results, status)
	}
	return results
}

// AllAvailable reports whether every status is available.
func AllAvailable(statuses []Status) bool {
	for _, status := range statuses {
		if !status.Available {
			return false
		}
	}
	return true
}

func describe(err error) string {
	var cfgErr *procexec.ConfigurationError
	if errors.As(err, &cfgErr) {
		switch {
		case cfgErr.File:
			return fmt.Sprintf("file %q not found", cfgErr.Path)
		case cfgErr.Path == "":
			return "command not configured"
		default:
			return fmt.Sprintf("binary %q not found", cfgErr.Path)
		}
	}
	return err.Error()
}

package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// OperationError records which side effect of a pipeline run failed.
//
// Operation names the dependency call, such as "repository.save_run",
// "cache.set.state" or "grpcserver.serve". RunID is the id of the run that
// triggered it, the same value stored in the pipeline_runs row and returned in
// the X-Run-ID header; it is empty for work that is not tied to a run, such as
// metrics queries or the health server.
type OperationError struct {
	Operation string
	RunID     string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RunID != "" {
		return fmt.Sprintf("%s (run_id=%s): %v", e.Operation, e.RunID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError tags err with the failing operation and run. A nil err
// stays nil so retry helpers can wrap their final result unconditionally.
func NewOperationError(operation, runID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RunID: runID, Err: err}
}

// ErrorFields turns err into log fields. When err carries an OperationError
// its operation and run id become separate fields and only the cause is
// logged as the error.
func ErrorFields(err error) []zap.Field {
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr == nil {
		return []zap.Field{zap.Error(err)}
	}
	fields := []zap.Field{zap.String("operation", opErr.Operation)}
	if opErr.RunID != "" {
		fields = append(fields, zap.String("run_id", opErr.RunID))
	}
	return append(fields, zap.Error(opErr.Err))
}

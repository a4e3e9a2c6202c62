package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("op", "run", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorFormatsAndUnwraps(t *testing.T) {
	err := NewOperationError("artifact.put_intermediate", "run-1", fs.ErrPermission)
	if got, want := err.Error(), "artifact.put_intermediate (run_id=run-1): permission denied"; got != want {
		t.Fatalf("unexpected message: %q, want %q", got, want)
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}

	bare := NewOperationError("cache.get", "", errors.New("boom"))
	if got := bare.Error(); got != "cache.get: boom" {
		t.Fatalf("unexpected message without run id: %q", got)
	}
}

func TestErrorFieldsSplitsOperationMetadata(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("publish: %w", NewOperationError("cache.set.state", "run-7", cause))

	fields := ErrorFields(err)
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	if fields[0].Key != "operation" || fields[0].String != "cache.set.state" {
		t.Fatalf("unexpected operation field: %+v", fields[0])
	}
	if fields[1].Key != "run_id" || fields[1].String != "run-7" {
		t.Fatalf("unexpected run id field: %+v", fields[1])
	}
	if fields[2].Key != "error" || fields[2].Interface != cause {
		t.Fatalf("expected the cause as error field, got %+v", fields[2])
	}

	noRun := ErrorFields(NewOperationError("grpcserver.serve", "", cause))
	if len(noRun) != 2 || noRun[0].String != "grpcserver.serve" {
		t.Fatalf("unexpected fields without run id: %+v", noRun)
	}

	plain := ErrorFields(cause)
	if len(plain) != 1 || plain[0].Key != "error" {
		t.Fatalf("unexpected fields for plain error: %+v", plain)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud", FormatJSON); err == nil {
		t.Fatal("expected error for unknown level")
	}
	logger, err := NewLogger("debug", FormatJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatal("expected debug level to be enabled")
	}
}

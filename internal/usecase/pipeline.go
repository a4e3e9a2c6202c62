package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/chemalyze/internal/artifact"
	"github.com/example/chemalyze/internal/logging"
	"github.com/example/chemalyze/internal/procexec"
	"github.com/example/chemalyze/internal/repository"
)

// Stage names used in logs, cache keys and run records.
const (
	StageRecognition = "recognition"
	StageAnalysis    = "analysis"
)

// Run states published to the cache while a stage is running.
const (
	StateIdle        = "idle"
	StateRecognizing = "recognizing"
	StateAnalyzing   = "analyzing"
)

// Environment variables naming the files a stage reads and writes.
const (
	EnvInput  = "CHEMALYZE_INPUT"
	EnvOutput = "CHEMALYZE_OUTPUT"
)

const (
	stateTTL  = 30 * time.Minute
	resultTTL = 10 * time.Minute
)

// ArtifactStore is the storage the pipeline needs for one session workspace.
type ArtifactStore interface {
	Lock(ctx context.Context, session string) (func(), error)
	Workspace(session string) (string, error)
	IntermediatePath(session string) (string, error)
	FinalPath(session string) (string, error)
	WriteStaging(session string, image []byte) (string, error)
	RemoveStaging(session string) error
	PutIntermediate(session, text string) error
	GetIntermediate(session string) (string, bool, error)
	PutFinal(session, text string) error
	GetFinal(session string) (string, bool, error)
}

// RunRecorder persists the audit trail of stage executions.
type RunRecorder interface {
	SaveRun(ctx context.Context, log *repository.RunLog) error
	LatestRun(ctx context.Context, sessionKey, stage string) (*repository.RunLog, error)
	AggregateMetrics(ctx context.Context) ([]repository.StageAggregation, error)
}

// StageCommand is the executable and leading arguments of an external stage.
type StageCommand struct {
	Executable string
	Args       []string
	// Files must exist before the stage is started, typically the script an
	// interpreter runs.
	Files []string
}

// Options configures the two stages.
type Options struct {
	Recognition StageCommand
	Analysis    StageCommand
	// StageTimeout bounds a single stage run; zero means no limit.
	StageTimeout time.Duration
}

// ExtractRequest carries one uploaded image.
type ExtractRequest struct {
	Session string
	Image   []byte
	MIME    string
}

// Extraction is the successful result of the recognition stage.
type Extraction struct {
	RunID string
	Text  string
	File  string
}

// Analysis is the successful result of the analysis stage.
type Analysis struct {
	RunID string
	Text  string
}

// PipelineUseCase orchestrates the recognition and analysis stages.
type PipelineUseCase struct {
	store          ArtifactStore
	runner         procexec.Runner
	cache          Cache
	recorder       RunRecorder
	opts           Options
	intermediate   string
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPipelineUseCase constructs a new use case instance. cache and recorder may
// be nil.
func NewPipelineUseCase(store ArtifactStore, runner procexec.Runner, cache Cache, recorder RunRecorder, opts Options, intermediateFile string, logger *zap.Logger) *PipelineUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	return &PipelineUseCase{
		store:          store,
		runner:         runner,
		cache:          cache,
		recorder:       recorder,
		opts:           opts,
		intermediate:   intermediateFile,
		logger:         logger.Named("pipeline_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Extract stages the image, runs the recognition stage on it and stores the
// trimmed stdout as the intermediate artifact. The staging file is removed on
// every path once the stage has terminated. On failure the intermediate
// artifact keeps its previous value.
func (uc *PipelineUseCase) Extract(ctx context.Context, req ExtractRequest) (*Extraction, error) {
	runID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.extract", runID).With(zap.String("session", sessionLabel(req.Session)))

	if len(req.Image) == 0 {
		return nil, &PipelineError{Kind: ErrInvalidInput, Stage: StageRecognition, Message: "No image uploaded"}
	}

	unlock, err := uc.store.Lock(ctx, req.Session)
	if err != nil {
		return nil, uc.lockError(StageRecognition, err)
	}
	defer unlock()

	started := time.Now()
	hash := sha1.Sum(req.Image)
	record := &repository.RunLog{
		RunID:      runID,
		SessionKey: req.Session,
		Stage:      StageRecognition,
		ExitCode:   -1,
		ImageSHA1:  hex.EncodeToString(hash[:]),
		ImageMIME:  req.MIME,
	}

	// The stage is not cancelled when the client goes away.
	runCtx, cancel := uc.stageContext(ctx)
	defer cancel()

	uc.publishState(runCtx, runID, req.Session, StateRecognizing)
	defer uc.clearState(context.WithoutCancel(ctx), runID, req.Session)

	extraction, err := uc.extract(runCtx, runID, req, record, opLogger)
	record.Success = err == nil
	record.ErrorKind = KindName(err)
	record.DurationMs = time.Since(started).Milliseconds()
	uc.recordRun(runCtx, record, opLogger)

	if err != nil {
		return nil, err
	}
	opLogger.Info("recognition completed", zap.Int("text_length", len(extraction.Text)))
	return extraction, nil
}

func (uc *PipelineUseCase) extract(ctx context.Context, runID string, req ExtractRequest, record *repository.RunLog, opLogger *zap.Logger) (*Extraction, error) {
	if err := procexec.CheckFiles(uc.opts.Recognition.Files); err != nil {
		return nil, uc.invokeError(StageRecognition, err, nil, opLogger)
	}
	workspace, err := uc.store.Workspace(req.Session)
	if err != nil {
		return nil, uc.storageError(StageRecognition, "Failed to save image", err, opLogger)
	}
	stagingPath, err := uc.store.WriteStaging(req.Session, req.Image)
	if err != nil {
		return nil, uc.storageError(StageRecognition, "Failed to save image", err, opLogger)
	}
	intermediatePath, err := uc.store.IntermediatePath(req.Session)
	if err != nil {
		_ = uc.store.RemoveStaging(req.Session)
		return nil, uc.storageError(StageRecognition, "Failed to save image", err, opLogger)
	}

	args := append(append([]string{}, uc.opts.Recognition.Args...), stagingPath)
	outcome, invokeErr := uc.runner.Invoke(ctx, procexec.Command{
		Path: uc.opts.Recognition.Executable,
		Args: args,
		Dir:  workspace,
		Env:  []string{EnvInput + "=" + stagingPath, EnvOutput + "=" + intermediatePath},
	})
	cleanupErr := uc.store.RemoveStaging(req.Session)
	if outcome != nil {
		record.ExitCode = outcome.ExitCode
	}

	if invokeErr != nil {
		if cleanupErr != nil {
			opLogger.Error("failed to remove staging file", zap.Error(cleanupErr))
		}
		return nil, uc.invokeError(StageRecognition, invokeErr, outcome, opLogger)
	}
	if !outcome.Success() {
		if cleanupErr != nil {
			opLogger.Error("failed to remove staging file", zap.Error(cleanupErr))
		}
		opLogger.Error("recognition stage failed",
			zap.Int("exit_code", outcome.ExitCode),
			zap.String("stderr", outcome.Stderr),
			zap.Duration("duration", outcome.Duration),
		)
		return nil, &PipelineError{
			Kind:        ErrRecognitionFailed,
			Stage:       StageRecognition,
			Message:     "Failed to extract text using OCR",
			Diagnostics: outcome.Stderr,
			Err:         fmt.Errorf("exit status %d", outcome.ExitCode),
		}
	}
	if cleanupErr != nil {
		return nil, uc.storageError(StageRecognition, "Failed to remove staged image", cleanupErr, opLogger)
	}

	text := strings.TrimSpace(outcome.Stdout)
	if err := uc.store.PutIntermediate(req.Session, text); err != nil {
		return nil, uc.storageError(StageRecognition, "Failed to write extracted text", err, opLogger)
	}
	return &Extraction{RunID: runID, Text: text, File: uc.intermediate}, nil
}

// Analyze runs the analysis stage against the stored intermediate artifact and
// returns the trimmed final artifact the stage wrote.
func (uc *PipelineUseCase) Analyze(ctx context.Context, session string) (*Analysis, error) {
	runID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", runID).With(zap.String("session", sessionLabel(session)))

	unlock, err := uc.store.Lock(ctx, session)
	if err != nil {
		return nil, uc.lockError(StageAnalysis, err)
	}
	defer unlock()

	intermediate, ok, err := uc.store.GetIntermediate(session)
	if err != nil {
		return nil, uc.storageError(StageAnalysis, "Failed to read extracted text", err, opLogger)
	}
	if !ok || intermediate == "" {
		return nil, &PipelineError{Kind: ErrPrecondition, Stage: StageAnalysis, Message: "No chemical names extracted yet"}
	}

	started := time.Now()
	record := &repository.RunLog{RunID: runID, SessionKey: session, Stage: StageAnalysis, ExitCode: -1}

	runCtx, cancel := uc.stageContext(ctx)
	defer cancel()

	uc.publishState(runCtx, runID, session, StateAnalyzing)
	defer uc.clearState(context.WithoutCancel(ctx), runID, session)

	analysis, err := uc.analyze(runCtx, runID, session, record, opLogger)
	record.Success = err == nil
	record.ErrorKind = KindName(err)
	record.DurationMs = time.Since(started).Milliseconds()
	uc.recordRun(runCtx, record, opLogger)

	if err != nil {
		return nil, err
	}
	opLogger.Info("analysis completed", zap.Int("text_length", len(analysis.Text)))
	return analysis, nil
}

func (uc *PipelineUseCase) analyze(ctx context.Context, runID, session string, record *repository.RunLog, opLogger *zap.Logger) (*Analysis, error) {
	if err := procexec.CheckFiles(uc.opts.Analysis.Files); err != nil {
		return nil, uc.invokeError(StageAnalysis, err, nil, opLogger)
	}
	workspace, err := uc.store.Workspace(session)
	if err != nil {
		return nil, uc.storageError(StageAnalysis, "Failed to read extracted text", err, opLogger)
	}
	intermediatePath, err := uc.store.IntermediatePath(session)
	if err != nil {
		return nil, uc.storageError(StageAnalysis, "Failed to read extracted text", err, opLogger)
	}
	finalPath, err := uc.store.FinalPath(session)
	if err != nil {
		return nil, uc.storageError(StageAnalysis, "Failed to read generated analysis", err, opLogger)
	}

	outcome, err := uc.runner.Invoke(ctx, procexec.Command{
		Path: uc.opts.Analysis.Executable,
		Args: append([]string{}, uc.opts.Analysis.Args...),
		Dir:  workspace,
		Env:  []string{EnvInput + "=" + intermediatePath, EnvOutput + "=" + finalPath},
	})
	if outcome != nil {
		record.ExitCode = outcome.ExitCode
	}
	if err != nil {
		return nil, uc.invokeError(StageAnalysis, err, outcome, opLogger)
	}
	if !outcome.Success() {
		opLogger.Error("analysis stage failed",
			zap.Int("exit_code", outcome.ExitCode),
			zap.String("stderr", outcome.Stderr),
			zap.Duration("duration", outcome.Duration),
		)
		return nil, &PipelineError{
			Kind:        ErrAnalysisFailed,
			Stage:       StageAnalysis,
			Message:     "Failed to generate analysis",
			Diagnostics: outcome.Stderr,
			Err:         fmt.Errorf("exit status %d", outcome.ExitCode),
		}
	}

	text, ok, err := uc.store.GetFinal(session)
	if err != nil {
		opLogger.Error("failed to read generated analysis", zap.Error(err))
		return nil, &PipelineError{Kind: ErrAnalysisFailed, Stage: StageAnalysis, Message: "Failed to read generated analysis", Diagnostics: outcome.Stderr, Err: err}
	}
	if !ok {
		opLogger.Error("analysis stage wrote no result", zap.String("stderr", outcome.Stderr))
		return nil, &PipelineError{Kind: ErrAnalysisFailed, Stage: StageAnalysis, Message: "Failed to generate analysis", Diagnostics: outcome.Stderr, Err: errors.New("final artifact missing")}
	}

	if err := uc.store.PutFinal(session, text); err != nil {
		opLogger.Warn("failed to normalise final artifact", zap.Error(err))
	}
	if err := uc.withRedisRetry(ctx, runID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(session), text, resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache analysis result", zap.Error(err))
	}
	return &Analysis{RunID: runID, Text: text}, nil
}

func (uc *PipelineUseCase) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if uc.opts.StageTimeout > 0 {
		return context.WithTimeout(detached, uc.opts.StageTimeout)
	}
	return context.WithCancel(detached)
}

func (uc *PipelineUseCase) invokeError(stage string, err error, outcome *procexec.Outcome, opLogger *zap.Logger) error {
	name := "Recognition"
	failed := ErrRecognitionFailed
	failedMessage := "Failed to extract text using OCR"
	if stage == StageAnalysis {
		name = "Analysis"
		failed = ErrAnalysisFailed
		failedMessage = "Failed to generate analysis"
	}
	var diagnostics string
	if outcome != nil {
		diagnostics = outcome.Stderr
	}

	var cfgErr *procexec.ConfigurationError
	var spawnErr *procexec.SpawnError
	var timeoutErr *procexec.TimeoutError
	switch {
	case errors.As(err, &cfgErr) && cfgErr.File:
		opLogger.Error("stage script not found", zap.String("stage", stage), zap.Error(err))
		return &PipelineError{Kind: ErrConfiguration, Stage: stage, Message: name + " script not found", Err: err}
	case errors.As(err, &cfgErr):
		opLogger.Error("stage executable not found", zap.String("stage", stage), zap.Error(err))
		return &PipelineError{Kind: ErrConfiguration, Stage: stage, Message: name + " executable not found", Err: err}
	case errors.As(err, &spawnErr):
		opLogger.Error("failed to start stage", zap.String("stage", stage), zap.Error(err))
		return &PipelineError{Kind: ErrSpawn, Stage: stage, Message: "Failed to start " + strings.ToLower(name) + " stage", Err: err}
	case errors.As(err, &timeoutErr):
		opLogger.Error("stage timed out", zap.String("stage", stage), zap.Error(err), zap.String("stderr", diagnostics))
		return &PipelineError{Kind: failed, Stage: stage, Message: failedMessage, Diagnostics: diagnostics, Err: err}
	default:
		opLogger.Error("stage execution failed", zap.String("stage", stage), zap.Error(err), zap.String("stderr", diagnostics))
		return &PipelineError{Kind: failed, Stage: stage, Message: failedMessage, Diagnostics: diagnostics, Err: err}
	}
}

func (uc *PipelineUseCase) storageError(stage, message string, err error, opLogger *zap.Logger) error {
	opLogger.Error(strings.ToLower(message), zap.Error(err))
	return &PipelineError{Kind: ErrStorage, Stage: stage, Message: message, Err: err}
}

func (uc *PipelineUseCase) lockError(stage string, err error) error {
	if errors.Is(err, artifact.ErrInvalidSession) {
		return &PipelineError{Kind: ErrInvalidInput, Stage: stage, Message: "Invalid session id", Err: err}
	}
	return &PipelineError{Kind: ErrStorage, Stage: stage, Message: "Workspace is busy", Err: err}
}

func (uc *PipelineUseCase) recordRun(ctx context.Context, record *repository.RunLog, opLogger *zap.Logger) {
	if uc.recorder == nil {
		return
	}
	record.CreatedAt = time.Now().UTC()
	if err := uc.recorder.SaveRun(ctx, record); err != nil {
		opLogger.Warn("failed to persist run log", zap.Error(err))
	}
}

func (uc *PipelineUseCase) publishState(ctx context.Context, runID, session, state string) {
	if err := uc.withRedisRetry(ctx, runID, "cache.set.state", func() error {
		return uc.cache.Set(ctx, stateKey(session), state, stateTTL)
	}); err != nil {
		uc.logger.Warn("failed to publish run state", logging.ErrorFields(err)...)
	}
}

func (uc *PipelineUseCase) clearState(ctx context.Context, runID, session string) {
	if err := uc.withRedisRetry(ctx, runID, "cache.del.state", func() error {
		return uc.cache.Del(ctx, stateKey(session))
	}); err != nil {
		uc.logger.Warn("failed to clear run state", logging.ErrorFields(err)...)
	}
}

func (uc *PipelineUseCase) withRedisRetry(ctx context.Context, runID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, runID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, runID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, runID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, runID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, runID, err)
}

func sessionLabel(session string) string {
	if session == "" {
		return "default"
	}
	return session
}

func stateKey(session string) string {
	return "chemalyze:" + sessionLabel(session) + ":state"
}

func resultKey(session string) string {
	return "chemalyze:" + sessionLabel(session) + ":result"
}

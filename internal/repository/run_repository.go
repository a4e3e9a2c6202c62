package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/chemalyze/internal/logging"
)

// RunLog is the audit record of one pipeline stage execution. It keeps the
// terminal status only; stage output is never persisted here.
type RunLog struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      string    `gorm:"column:run_id;uniqueIndex;size:64"`
	SessionKey string    `gorm:"column:session_key;index;size:64"`
	Stage      string    `gorm:"column:stage;index;size:32"`
	ExitCode   int       `gorm:"column:exit_code"`
	Success    bool      `gorm:"column:success"`
	ErrorKind  string    `gorm:"column:error_kind;size:64"`
	DurationMs int64     `gorm:"column:duration_ms"`
	ImageSHA1  string    `gorm:"column:image_sha1;size:40"`
	ImageMIME  string    `gorm:"column:image_mime;size:128"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RunLog) TableName() string {
	return "pipeline_runs"
}

// StageAggregation is the per-stage summary computed by the database.
type StageAggregation struct {
	Stage             string
	TotalCount        int64
	SuccessCount      int64
	AverageDurationMs float64
}

// RunRepository provides persistence APIs for pipeline run logs.
type RunRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRunRepository creates a new repository instance.
func NewRunRepository(db *gorm.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		db:             db,
		logger:         logger.Named("run_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *RunRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&RunLog{})
}

// SaveRun persists a run log entry.
func (r *RunRepository) SaveRun(ctx context.Context, log *RunLog) error {
	return r.executeWithRetry(ctx, "repository.save_run", log.RunID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// LatestRun returns the most recent run of stage for a session.
func (r *RunRepository) LatestRun(ctx context.Context, sessionKey, stage string) (*RunLog, error) {
	var log RunLog
	err := r.executeWithRetry(ctx, "repository.latest_run", "", func() error {
		return r.db.WithContext(ctx).
			Where("session_key = ? AND stage = ?", sessionKey, stage).
			Order("created_at DESC").
			First(&log).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises run logs per stage.
func (r *RunRepository) AggregateMetrics(ctx context.Context) ([]StageAggregation, error) {
	var rows []StageAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&RunLog{}).
			Select("stage, COUNT(*) AS total_count, " +
				"SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_count, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms").
			Group("stage").
			Order("stage").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *RunRepository) executeWithRetry(ctx context.Context, operation, runID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, runID)
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, runID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !isTransientError(err) || attempt == attempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, runID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, runID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}

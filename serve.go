package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/chemalyze/internal/artifact"
	"github.com/example/chemalyze/internal/auth"
	"github.com/example/chemalyze/internal/config"
	"github.com/example/chemalyze/internal/grpcserver"
	"github.com/example/chemalyze/internal/handlers"
	"github.com/example/chemalyze/internal/logging"
	"github.com/example/chemalyze/internal/preflight"
	"github.com/example/chemalyze/internal/procexec"
	"github.com/example/chemalyze/internal/repository"
	"github.com/example/chemalyze/internal/usecase"
)

const healthRefreshInterval = 30 * time.Second

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(parent, 15*time.Second)
	defer cancel()

	if err := os.MkdirAll(cfg.Pipeline.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	var recorder usecase.RunRecorder
	if cfg.Database.DSN != "" {
		db, err := initDatabase(ctx, cfg.Database.DSN, logger)
		if err != nil {
			return err
		}
		repo := repository.NewRunRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		recorder = repo
	} else {
		logger.Info("database not configured, run audit disabled")
	}

	var cache usecase.Cache = usecase.NopCache{}
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := initRedis(redisCtx, cfg.Redis.Addr)
		redisCancel()
		if err != nil {
			return err
		}
		defer client.Close()
		cache = usecase.NewRedisCache(client)
	} else {
		logger.Info("redis not configured, run state not published")
	}

	store := artifact.NewFileStore(cfg.Pipeline.WorkDir, artifact.Layout{
		StagingFile:      cfg.Pipeline.StagingFile,
		IntermediateFile: cfg.Pipeline.IntermediateFile,
		FinalFile:        cfg.Pipeline.FinalFile,
		Shared:           cfg.Pipeline.SharedResources,
	}, cfg.Isolated())

	uc := usecase.NewPipelineUseCase(store, procexec.NewGateway(), cache, recorder, stageOptions(cfg), cfg.Pipeline.IntermediateFile, logger)

	requirements := stageRequirements(cfg)
	checks := func() []preflight.Status { return preflight.Check(requirements) }
	for _, status := range checks() {
		if !status.Available {
			logger.Warn("stage executable unavailable",
				zap.String("stage", status.Name),
				zap.String("command", status.Command),
				zap.String("detail", status.Detail))
		}
	}

	var beforeShutdown func()
	if cfg.GRPC.HealthAddr != "" {
		healthCtx, stopHealth := context.WithCancel(parent)
		defer stopHealth()
		healthServer, err := startHealthServer(healthCtx, cfg.GRPC.HealthAddr, checks, logger)
		if err != nil {
			return err
		}
		defer healthServer.Stop()
		beforeShutdown = healthServer.Drain
	}

	if !logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}

	var authMiddleware gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		authMiddleware = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	}

	router := newRouter(uc, handlers.Options{
		StaticDir:     cfg.Server.StaticDir,
		MaxUploadSize: cfg.Server.MaxUploadBytes,
		Auth:          authMiddleware,
		Health:        checks,
	}, logger)

	svc := &httpService{
		server:          &http.Server{Addr: cfg.Server.Addr, Handler: router},
		shutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		beforeShutdown:  beforeShutdown,
		logger:          logger,
	}

	logger.Info("chemalyze API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("work_dir", cfg.Pipeline.WorkDir),
		zap.String("mode", cfg.Pipeline.Mode),
		zap.Bool("auth", authMiddleware != nil))
	return svc.run()
}

// stageOptions maps the pipeline configuration onto the two stage commands.
// Script arguments become required files so a missing script is caught before
// the interpreter is started.
func stageOptions(cfg *config.Config) usecase.Options {
	p := cfg.Pipeline
	return usecase.Options{
		Recognition: usecase.StageCommand{
			Executable: p.RecognitionExecutable,
			Args:       p.RecognitionArgs,
			Files:      scriptFiles(cfg, p.RecognitionArgs),
		},
		Analysis: usecase.StageCommand{
			Executable: p.AnalysisExecutable,
			Args:       p.AnalysisArgs,
			Files:      scriptFiles(cfg, p.AnalysisArgs),
		},
		StageTimeout: time.Duration(p.TimeoutSeconds) * time.Second,
	}
}

func newRouter(pipeline handlers.Pipeline, opts handlers.Options, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger), handlers.CORS())
	if opts.MaxUploadSize > 0 {
		r.MaxMultipartMemory = opts.MaxUploadSize
	} else {
		r.MaxMultipartMemory = handlers.MaxUploadSize
	}
	handlers.RegisterRoutes(r, pipeline, opts)
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	zapLogger.Info("database connected")
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return client, nil
}

func startHealthServer(ctx context.Context, addr string, checks func() []preflight.Status, logger *zap.Logger) (*grpcserver.HealthServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc health: %w", err)
	}

	healthServer := grpcserver.NewHealthServer(checks, logger)
	go func() {
		if err := healthServer.Serve(listener); err != nil {
			logger.Error("grpc health server stopped", logging.ErrorFields(err)...)
		}
	}()
	go func() {
		ticker := time.NewTicker(healthRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				healthServer.Refresh()
			}
		}
	}()

	return healthServer, nil
}

// httpService runs the API until a shutdown signal arrives. On shutdown it
// stops accepting connections and waits for in-flight requests, including
// requests blocked on a running stage, to be answered.
type httpService struct {
	server *http.Server
	// listener defaults to listening on server.Addr.
	listener        net.Listener
	shutdownTimeout time.Duration
	// signals defaults to SIGINT and SIGTERM.
	signals <-chan os.Signal
	// beforeShutdown runs once a signal is received, before draining.
	beforeShutdown func()
	logger         *zap.Logger
}

func (s *httpService) run() error {
	listener := s.listener
	if listener == nil {
		l, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.server.Addr, err)
		}
		listener = l
	}

	signals := s.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(listener)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig, ok := <-signals:
		name := "closed"
		if ok && sig != nil {
			name = sig.String()
		}
		s.logger.Info("shutdown requested, waiting for in-flight runs", zap.String("signal", name))
	}

	if s.beforeShutdown != nil {
		s.beforeShutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

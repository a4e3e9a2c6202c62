package handlers

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/example/chemalyze/internal/artifact"
	"github.com/example/chemalyze/internal/auth"
	"github.com/example/chemalyze/internal/preflight"
	"github.com/example/chemalyze/internal/usecase"
)

// MaxUploadSize is the default limit for an uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers on top of the
// image itself.
const multipartOverhead = 1 << 20

// SessionHeader lets anonymous clients select their own workspace.
const SessionHeader = "X-Session-ID"

// RunIDHeader carries the id of the pipeline run that served a request.
const RunIDHeader = "X-Run-ID"

// Pipeline is the controller surface the HTTP layer depends on.
type Pipeline interface {
	Extract(ctx context.Context, req usecase.ExtractRequest) (*usecase.Extraction, error)
	Analyze(ctx context.Context, session string) (*usecase.Analysis, error)
	LatestResult(ctx context.Context, session string) (string, bool, error)
	Status(ctx context.Context, session string) (*usecase.Status, error)
	GetMetricsSummary(ctx context.Context) ([]usecase.StageMetrics, error)
}

// Options tunes route registration.
type Options struct {
	// StaticDir holds the built client application served for unknown GET paths.
	StaticDir string
	// MaxUploadSize defaults to MaxUploadSize when zero.
	MaxUploadSize int64
	// Auth, when set, guards every pipeline route.
	Auth gin.HandlerFunc
	// Health reports stage executable availability.
	Health func() []preflight.Status
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, pipeline Pipeline, opts Options) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if opts.Health != nil {
			for _, status := range opts.Health() {
				body[status.Name] = status.Available
			}
		}
		c.JSON(http.StatusOK, body)
	})

	api := router.Group("/")
	if opts.Auth != nil {
		api.Use(opts.Auth)
	}

	api.POST("/analyze", func(c *gin.Context) {
		session, ok := resolveSession(c)
		if !ok {
			return
		}

		limit := opts.MaxUploadSize
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			if isTooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image uploaded"})
			return
		}
		if file.Size > limit {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
			return
		}
		if file.Size == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image uploaded"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save image"})
			return
		}

		// The declared part type is not trusted; the sniffed type is only recorded.
		result, err := pipeline.Extract(c.Request.Context(), usecase.ExtractRequest{
			Session: session,
			Image:   data,
			MIME:    mimetype.Detect(data).String(),
		})
		if err != nil {
			writeError(c, err)
			return
		}

		c.Header(RunIDHeader, result.RunID)
		c.JSON(http.StatusOK, gin.H{
			"message":       "OCR completed successfully.",
			"extractedText": result.Text,
			"file":          result.File,
		})
	})

	api.GET("/generate", func(c *gin.Context) {
		session, ok := resolveSession(c)
		if !ok {
			return
		}

		result, err := pipeline.Analyze(c.Request.Context(), session)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Header(RunIDHeader, result.RunID)
		c.JSON(http.StatusOK, gin.H{"generatedText": result.Text})
	})

	api.GET("/result", func(c *gin.Context) {
		session, ok := resolveSession(c)
		if !ok {
			return
		}

		text, found, err := pipeline.LatestResult(c.Request.Context(), session)
		if err != nil {
			writeError(c, err)
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "No analysis generated yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"generatedText": text})
	})

	api.GET("/status", func(c *gin.Context) {
		session, ok := resolveSession(c)
		if !ok {
			return
		}

		status, err := pipeline.Status(c.Request.Context(), session)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	api.GET("/metrics", func(c *gin.Context) {
		summary, err := pipeline.GetMetricsSummary(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrMetricsUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Metrics are not enabled"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stages": summary})
	})

	router.NoRoute(staticFallback(opts.StaticDir))
}

// resolveSession picks the workspace for a request: the token subject when
// authenticated, then the session header, then the shared default slot.
func resolveSession(c *gin.Context) (string, bool) {
	if subject, ok := auth.GetSubject(c.Request.Context()); ok {
		if artifact.ValidSessionKey(subject) {
			return subject, true
		}
		sum := sha1.Sum([]byte(subject))
		return hex.EncodeToString(sum[:]), true
	}

	header := strings.TrimSpace(c.GetHeader(SessionHeader))
	if header == "" {
		return artifact.DefaultSession, true
	}
	if !artifact.ValidSessionKey(header) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return "", false
	}
	return header, true
}

func writeError(c *gin.Context, err error) {
	var pipeErr *usecase.PipelineError
	if !errors.As(err, &pipeErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	status := http.StatusInternalServerError
	if usecase.IsClientError(err) {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": pipeErr.Message})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

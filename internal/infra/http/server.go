package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"equiaudit/internal/config"
	"equiaudit/internal/domain"
	"equiaudit/internal/infra/metrics"
	"equiaudit/internal/usecase"
)

type Exporter interface {
	Execute(ctx context.Context, req usecase.ExportRequest) (*usecase.ExportResult, error)
}

type LedgerReader interface {
	Head(ctx context.Context) (*domain.AuditRecord, error)
	Snapshot(ctx context.Context) ([]domain.AuditRecord, error)
	VerifyChain(ctx context.Context) (domain.ChainVerification, error)
}

type Server struct {
	cfg config.Config
	r   *gin.Engine
	log *zap.Logger

	exports Exporter
	ledger  LedgerReader
	runs    usecase.ExportRunRepository
	metrics *metrics.Metrics

	rateLimiter domain.RateLimiter
}

type ServerDeps struct {
	Exports     Exporter
	Ledger      LedgerReader
	Runs        usecase.ExportRunRepository
	RateLimiter domain.RateLimiter
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:         cfg,
		r:           r,
		log:         logger,
		exports:     deps.Exports,
		ledger:      deps.Ledger,
		runs:        deps.Runs,
		metrics:     deps.Metrics,
		rateLimiter: deps.RateLimiter,
	}
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
	}
	r.Use(s.accessLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ledger": s.cfg.LedgerBackend})
	})
	if s.metrics != nil {
		s.r.GET("/metrics", s.metrics.Handler())
	}

	v1 := s.r.Group("/v1", s.requireAuth())
	{
		v1.POST("/exports", s.rateLimit(routeExportsCreate), s.handleCreateExport)
		v1.GET("/exports/:run_id", s.rateLimit(routeExportsRead), s.handleGetExport)
		v1.GET("/ledger/head", s.rateLimit(routeLedgerRead), s.handleLedgerHead)
		v1.GET("/ledger/records", s.rateLimit(routeLedgerRead), s.handleLedgerRecords)
		v1.GET("/ledger/verify", s.rateLimit(routeLedgerVerify), s.handleLedgerVerify)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("auditd listening", zap.String("addr", s.cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// Package api exposes the pipeline jobs and the scheduler over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trend_trading/internal/backtest"
	"trend_trading/internal/config"
	"trend_trading/internal/indicators"
	"trend_trading/internal/jobs"
	"trend_trading/internal/market"
	"trend_trading/internal/models"
	"trend_trading/internal/pipeline"
	"trend_trading/internal/scheduler"
	"trend_trading/internal/screener"
)

// screenerWindowDays is the default lookback of GET /api/screener.
const screenerWindowDays = 30

// Scheduler is the part of the scheduler the API controls.
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
	State() scheduler.State
}

type Server struct {
	rt      *pipeline.Runtime
	sched   Scheduler
	version string
	base    context.Context
	logger  *zap.Logger
	engine  *gin.Engine
}

// New builds the router. base outlives requests and is handed to the
// scheduler when it is started over HTTP.
func New(base context.Context, rt *pipeline.Runtime, sched Scheduler, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		rt:      rt,
		sched:   sched,
		version: version,
		base:    base,
		logger:  logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes(r)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/screener", s.handleScreener)
		api.GET("/morning/preview", s.handleMorningPreview)

		api.POST("/run/morning", s.handleRunMorning)
		api.POST("/run/monitor", s.handleRunMonitor)
		api.POST("/run/reconcile", s.handleRunReconcile)
		api.POST("/run/eod", s.handleRunEOD)
		api.POST("/run/preflight", s.handleRunPreflight)
		api.POST("/run/backtest", s.handleRunBacktest)

		api.GET("/scheduler", s.handleSchedulerState)
		api.POST("/scheduler/start", s.handleSchedulerStart)
		api.POST("/scheduler/stop", s.handleSchedulerStop)
	}
}

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// requests for up to five seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, config.ErrConfiguration):
		return http.StatusFailedDependency
	case errors.Is(err, backtest.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, indicators.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		s.logger.Warn("Request rejected", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"ok": false, "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": msg})
}

// exclusive runs fn under the single-flight gate and writes its result.
func (s *Server) exclusive(c *gin.Context, job string, fn func(ctx context.Context) (any, error)) {
	var out any
	err := s.rt.Exclusive(job, func() error {
		var err error
		out, err = fn(c.Request.Context())
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"status":    "healthy",
		"version":   s.version,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Status())
}

func splitSymbols(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// floatParam overwrites *dst when the query parameter is present.
func floatParam(c *gin.Context, key string, dst *float64) error {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return errors.New("invalid " + key + ": " + raw)
	}
	*dst = v
	return nil
}

func (s *Server) handleScreener(c *gin.Context) {
	from, to := s.rt.Window(screenerWindowDays)
	from = c.DefaultQuery("from", from)
	to = c.DefaultQuery("to", to)
	for _, d := range []string{from, to} {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			badRequest(c, "invalid date "+d+", expected YYYY-MM-DD")
			return
		}
	}
	if from > to {
		badRequest(c, "from must not be after to")
		return
	}

	crit := s.rt.Criteria(from, to, splitSymbols(c.Query("symbols")))
	switch trend := models.Trend(strings.ToLower(c.DefaultQuery("trend", string(crit.Trend)))); trend {
	case models.TrendUp, models.TrendDown, models.TrendFlat, models.TrendAny:
		crit.Trend = trend
	default:
		badRequest(c, "invalid trend "+string(trend))
		return
	}
	for key, dst := range map[string]*float64{
		"rsiMin":         &crit.RSIMin,
		"rsiMax":         &crit.RSIMax,
		"minVolumeRatio": &crit.MinVolumeRatio,
		"minAdv20":       &crit.MinADV20,
		"minPrice":       &crit.MinPrice,
		"maxPrice":       &crit.MaxPrice,
		"minRsScore":     &crit.MinRSScore,
	} {
		if err := floatParam(c, key, dst); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	crit.BreakoutOnly = c.Query("breakoutOnly") == "true"
	switch sortBy := strings.ToLower(c.DefaultQuery("sortBy", crit.SortBy)); sortBy {
	case screener.SortRS, screener.SortRSI, screener.SortVolume, screener.SortPrice:
		crit.SortBy = sortBy
	default:
		badRequest(c, "invalid sortBy "+sortBy)
		return
	}
	// limit is the older name of maxResults.
	raw := c.Query("maxResults")
	if raw == "" {
		raw = c.Query("limit")
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "invalid maxResults: "+raw)
			return
		}
		crit.MaxResults = n
	}

	rows, err := s.rt.RunScreener(crit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if rows == nil {
		rows = []models.ScreenerRow{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "criteria": crit, "count": len(rows), "rows": rows})
}

func (s *Server) handleMorningPreview(c *gin.Context) {
	symbols := splitSymbols(c.Query("symbols"))
	s.exclusive(c, pipeline.JobMorning, func(ctx context.Context) (any, error) {
		return s.rt.PreviewMorning(ctx, symbols)
	})
}

func (s *Server) handleRunMorning(c *gin.Context) {
	s.exclusive(c, pipeline.JobMorning, func(ctx context.Context) (any, error) {
		return s.rt.RunMorning(ctx)
	})
}

func (s *Server) handleRunMonitor(c *gin.Context) {
	s.exclusive(c, pipeline.JobMonitor, func(ctx context.Context) (any, error) {
		return s.rt.RunMonitor(ctx)
	})
}

func (s *Server) handleRunReconcile(c *gin.Context) {
	s.exclusive(c, pipeline.JobReconcile, func(ctx context.Context) (any, error) {
		return s.rt.RunReconcile(ctx)
	})
}

func (s *Server) handleRunEOD(c *gin.Context) {
	s.exclusive(c, pipeline.JobEODClose, func(ctx context.Context) (any, error) {
		return s.rt.RunEODClose(ctx)
	})
}

func (s *Server) handleRunPreflight(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Preflight())
}

// handleRunBacktest overlays the JSON body on the configured backtest
// parameters. An empty body backtests the default lookback.
func (s *Server) handleRunBacktest(c *gin.Context) {
	cfg := s.rt.DefaultBacktestConfig()
	if err := c.ShouldBindJSON(&cfg); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	if _, err := time.Parse(time.DateOnly, cfg.FromDate); err != nil {
		badRequest(c, "invalid fromDate "+cfg.FromDate)
		return
	}
	if _, err := time.Parse(time.DateOnly, cfg.ToDate); err != nil {
		badRequest(c, "invalid toDate "+cfg.ToDate)
		return
	}
	if cfg.FromDate > cfg.ToDate {
		badRequest(c, "fromDate must not be after toDate")
		return
	}
	s.exclusive(c, pipeline.JobBacktest, func(ctx context.Context) (any, error) {
		return s.rt.RunBacktest(ctx, cfg)
	})
}

func (s *Server) handleSchedulerState(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.State())
}

func (s *Server) handleSchedulerStart(c *gin.Context) {
	s.sched.Start(s.base)
	c.JSON(http.StatusOK, s.sched.State())
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	s.sched.Stop()
	c.JSON(http.StatusOK, s.sched.State())
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/config"
	"github.com/warp-endpoint-scanner/internal/metrics"
	"github.com/warp-endpoint-scanner/internal/snapshot"
	"github.com/warp-endpoint-scanner/internal/types"
	"golang.org/x/time/rate"
)

// Rescanner queues an out-of-schedule scan
type Rescanner interface {
	Trigger() bool
	Scanning() bool
}

type Server struct {
	config      *config.Config
	snapshot    *snapshot.Manager
	metrics     *metrics.Collector
	gatherer    prometheus.Gatherer
	rescanner   Rescanner
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	burst := requestsPerMinute / 10 // Allow bursts
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

// NewServer builds the HTTP API. metricsCollector and gatherer may be nil;
// rescanner may be nil to disable POST /rescan.
func NewServer(cfg *config.Config, snap *snapshot.Manager, metricsCollector *metrics.Collector,
	gatherer prometheus.Gatherer, rescanner Rescanner) *Server {

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		snapshot:    snap,
		metrics:     metricsCollector,
		gatherer:    gatherer,
		rescanner:   rescanner,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware())
	}

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled && s.gatherer != nil {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/endpoints", s.handleEndpoints)
	protected.GET("/stat", s.handleStat)
	protected.POST("/rescan", s.handleRescan)
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown is called
func (s *Server) Start() error {
	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		// Route template keeps label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordAPIRequest(method, path, strconv.Itoa(c.Writer.Status()))
		s.metrics.RecordAPIDuration(method, path, time.Since(start).Seconds())
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := s.rateLimiter.GetLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

type endpointView struct {
	Rank            int     `json:"rank"`
	Endpoint        string  `json:"endpoint"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	LossRatePercent float64 `json:"loss_rate_percent"`
}

func (s *Server) handleEndpoints(c *gin.Context) {
	snap := s.snapshot.Get()
	if len(snap.Ranked) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No ranked endpoints available",
		})
		return
	}

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit parameter",
			})
			return
		}
		limit = n
	}
	ranked := s.snapshot.Top(limit)

	format := c.Query("format")
	wantsText := format == "text" || (format == "" && strings.Contains(c.GetHeader("Accept"), "text/plain"))

	if wantsText {
		c.String(http.StatusOK, formatTable(ranked))
		return
	}

	views := make([]endpointView, len(ranked))
	for i, m := range ranked {
		views[i] = endpointView{
			Rank:            i + 1,
			Endpoint:        m.Endpoint.String(),
			AvgLatencyMs:    m.AvgLatencyMs,
			LossRatePercent: m.LossRatePercent,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     len(snap.Ranked),
		"updated":   snap.Updated.Format(time.RFC3339),
		"endpoints": views,
	})
}

// formatTable renders one line per endpoint: rank, endpoint, latency, loss
func formatTable(ranked []types.Measurement) string {
	var b strings.Builder
	for i, m := range ranked {
		fmt.Fprintf(&b, "%d\t%s\t%.2fms\t%.2f%%\n", i+1, m.Endpoint, m.AvgLatencyMs, m.LossRatePercent)
	}
	return b.String()
}

func (s *Server) handleStat(c *gin.Context) {
	snap := s.snapshot.Get()
	stats := snap.Stats

	response := gin.H{
		"remote_candidates": stats.RemoteCandidates,
		"manual_candidates": stats.ManualCandidates,
		"total_candidates":  stats.TotalCandidates,
		"measured":          stats.Measured,
		"no_signal":         stats.NoSignal,
		"failed":            stats.Failed,
		"ranked":            len(snap.Ranked),
		"scan_duration":     stats.ScanDuration.String(),
		"updated":           snap.Updated.Format(time.RFC3339),
	}
	if !stats.LastScanTime.IsZero() {
		response["last_scan"] = stats.LastScanTime.Format(time.RFC3339)
	}
	if s.rescanner != nil {
		response["scanning"] = s.rescanner.Scanning()
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleRescan(c *gin.Context) {
	if s.rescanner == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Rescan not available",
		})
		return
	}

	if !s.rescanner.Trigger() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Rescan already queued",
		})
		return
	}

	log.Info("Manual rescan triggered via API")
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Rescan triggered",
	})
}

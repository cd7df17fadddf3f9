package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/config"
	"go.uber.org/zap"
)

// RateLimiter 简单的内存速率限制器（滑动窗口）
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int           // 最大请求数
	window   time.Duration // 时间窗口
	now      func() time.Time
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	// 清理过期请求
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 使用用户名或 IP 作为限制 key
		key := c.GetString("username")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router   *gin.Engine
	handler  *Handler
	cfg      *config.Config
	registry *prometheus.Registry
	health   HealthChecker
	log      *zap.Logger

	trialLimiter *RateLimiter
}

func NewServer(cfg *config.Config, handler *Handler, registry *prometheus.Registry, health HealthChecker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))

	s := &Server{
		router:       router,
		handler:      handler,
		cfg:          cfg,
		registry:     registry,
		health:       health,
		log:          logger,
		trialLimiter: NewRateLimiter(cfg.Trial.RateLimit, cfg.Trial.RateWindow),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// Internal API - called by the storefront backend and the admin panel
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/provision", s.handler.Provision)
		internal.POST("/trial", s.handler.CreateTrial)

		internal.POST("/subscriptions/:id/provision", s.handler.ProvisionSubscription)
		internal.GET("/subscriptions/:id/status", s.handler.SubscriptionStatus)
		internal.GET("/subscriptions/:id/logs", s.handler.SubscriptionLogs)

		internal.GET("/plans/:ref", s.handler.GetPlan)
		internal.GET("/panels", s.handler.ListPanels)
		internal.GET("/panels/:id", s.handler.GetPanel)
	}

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	{
		user.GET("/my/subscriptions/:id/status", s.handler.GetMySubscriptionStatus)
		// 试用激活需要速率限制
		user.POST("/my/trial", RateLimitMiddleware(s.trialLimiter), s.handler.ActivateMyTrial)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"service": "panel-provisioner",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "panel-provisioner",
	})
}

// Handler exposes the router for http.Server and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

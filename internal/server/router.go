package server

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncwire/syncwire/pkg/logger"
)

type RouterConfig struct {
	RateLimit float64
	RateBurst int
	// MaxBodyBytes caps request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
	// Registry isolates metric registration, mainly for tests. Nil
	// uses the process default.
	Registry *prometheus.Registry
}

type Router struct {
	engine  *gin.Engine
	handler *Handler
	metrics *routerMetrics
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	errorTotal      *prometheus.CounterVec
}

func NewRouter(handler *Handler, log *logger.Logger, cfg RouterConfig) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	r := &Router{
		engine:  engine,
		handler: handler,
		metrics: newRouterMetrics(cfg.Registry),
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	engine.Use(
		Recovery(log),
		RequestID(),
		RequestLogger(log),
		r.metricsMiddleware(),
		BodyLimit(maxBody),
	)
	if cfg.RateLimit > 0 {
		engine.Use(RateLimit(cfg.RateLimit, cfg.RateBurst))
	}

	r.setup(cfg.Registry)
	return r
}

func (r *Router) Engine() *gin.Engine { return r.engine }

func (r *Router) setup(registry *prometheus.Registry) {
	health := r.engine.Group("/health")
	{
		health.GET("/live", r.handler.Live)
		health.GET("/ready", r.handler.Ready)
	}

	if registry != nil {
		r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	} else {
		r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := r.engine.Group("/api/v1")

	devices := api.Group("/devices")
	{
		devices.POST("/register", r.handler.Register)
		devices.POST("/token", r.handler.Token)
	}

	sync := api.Group("/sync")
	sync.Use(DeviceAuth(r.handler.tokens))
	{
		sync.POST("/push", r.handler.Push)
		sync.GET("/changes", r.handler.Changes)
	}
}

func newRouterMetrics(registry *prometheus.Registry) *routerMetrics {
	factory := promauto.With(prometheus.DefaultRegisterer)
	if registry != nil {
		factory = promauto.With(registry)
	}
	return &routerMetrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "syncserver",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncserver",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		errorTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncserver",
				Name:      "errors_total",
				Help:      "Total number of HTTP errors",
			},
			[]string{"method", "path"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()

		c.Next()

		status := fmt.Sprintf("%d", c.Writer.Status())
		duration := time.Since(start).Seconds()

		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		if c.Writer.Status() >= 400 {
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path).Inc()
		}
	}
}

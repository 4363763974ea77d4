package api

import (
	"net/http"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/api/handlers"
	"github.com/apk-analysis/apk-rgb-go/internal/config"
	"github.com/apk-analysis/apk-rgb-go/internal/middleware"
	"github.com/apk-analysis/apk-rgb-go/internal/service"
	"github.com/apk-analysis/apk-rgb-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Dependencies 路由需要的组件
type Dependencies struct {
	ScanService service.ScanService
	Pool        *worker.Pool
	Metrics     *middleware.PrometheusMetrics // 可为 nil
	Feed        *handlers.ScanFeedHandler     // 可为 nil
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
	}

	predictHandler := handlers.NewPredictHandler(deps.ScanService, deps.Pool, logger)
	scanHandler := handlers.NewScanHandler(deps.ScanService, logger)

	r.GET("/ping", handlers.Ping)
	r.POST("/predict", MaxBodySize(cfg.Upload.MaxBytes()), predictHandler.Predict)

	if deps.Metrics != nil {
		r.GET("/metrics", deps.Metrics.Handler())
	}
	if deps.Feed != nil {
		r.GET("/ws/scans", deps.Feed.HandleWebSocket)
	}

	v1 := r.Group("/api")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status": "ok",
				"dims":   cfg.Features.Dims,
			})
		})
		v1.GET("/stats", scanHandler.GetStats)
		v1.GET("/scans", scanHandler.ListScans)
		v1.GET("/scans/:id", scanHandler.GetScan)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// MaxBodySize 限制请求体大小，超出时 multipart 解析失败
func MaxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

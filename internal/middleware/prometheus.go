package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 扫描指标
	scansTotal      *prometheus.CounterVec
	scansInProgress prometheus.Gauge
	scanDuration    *prometheus.HistogramVec
	channelDuration *prometheus.HistogramVec
	channelFailures *prometheus.CounterVec
	predictions     *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_rgb"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"method", "path"},
		),

		scansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of package scans by final status",
			},
			[]string{"status"}, // completed, failed
		),
		scansInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scans_in_progress",
				Help:      "Number of scans currently running",
			},
		),
		scanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "End-to-end scan duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"status"},
		),
		channelDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "channel_extraction_duration_seconds",
				Help:      "Feature channel extraction duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"channel"}, // texture, opcode, fuzzyhash
		),
		channelFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_failures_total",
				Help:      "Feature channel failures by channel and reason",
			},
			[]string{"channel", "reason"},
		),
		predictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Classifier decisions by class",
			},
			[]string{"class"},
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),

		workerPoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of active workers",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of jobs waiting in queue",
			},
		),

		retryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		// 未匹配路由统一归为一个标签，避免基数爆炸
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordScanStarted 记录扫描开始
func (pm *PrometheusMetrics) RecordScanStarted() {
	pm.scansInProgress.Inc()
}

// RecordScanCompleted 记录扫描成功及分类结果
func (pm *PrometheusMetrics) RecordScanCompleted(class string, duration time.Duration) {
	pm.scansTotal.WithLabelValues("completed").Inc()
	pm.scansInProgress.Dec()
	pm.scanDuration.WithLabelValues("completed").Observe(duration.Seconds())
	pm.predictions.WithLabelValues(class).Inc()
}

// RecordScanFailed 记录扫描失败
func (pm *PrometheusMetrics) RecordScanFailed(duration time.Duration) {
	pm.scansTotal.WithLabelValues("failed").Inc()
	pm.scansInProgress.Dec()
	pm.scanDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordChannelDuration 记录单个特征通道耗时
func (pm *PrometheusMetrics) RecordChannelDuration(channel string, duration time.Duration) {
	pm.channelDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordChannelFailure 记录特征通道失败原因
func (pm *PrometheusMetrics) RecordChannelFailure(channel, reason string) {
	pm.channelFailures.WithLabelValues(channel, reason).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

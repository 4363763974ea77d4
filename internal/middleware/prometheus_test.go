package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMetrics 使用唯一的 namespace 避免指标重复注册
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	namespace := "test_" + t.Name() + "_" + time.Now().Format("20060102150405999999999")
	return NewPrometheusMetrics(logger, namespace)
}

// TestHTTPMiddleware 请求按路由模板计数
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/scans/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/scans/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/scans/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

// TestRecordScanMetrics 成功与失败
func TestRecordScanMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordScanStarted()
	pm.RecordScanStarted()
	pm.RecordScanStarted()
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.scansInProgress))

	pm.RecordScanCompleted("Ransomware", 200*time.Millisecond)
	pm.RecordScanCompleted("Benign", 100*time.Millisecond)
	pm.RecordScanFailed(10 * time.Millisecond)

	assert.Equal(t, 0.0, testutil.ToFloat64(pm.scansInProgress))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.scansTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.scansTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.predictions.WithLabelValues("Ransomware")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.scanDuration))
}

// TestRecordChannelMetrics 通道耗时与失败原因
func TestRecordChannelMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordChannelDuration("texture", 3*time.Millisecond)
	pm.RecordChannelDuration("opcode", 8*time.Millisecond)
	pm.RecordChannelFailure("opcode", "no_code_section")
	pm.RecordChannelFailure("opcode", "no_code_section")

	assert.Equal(t, 2, testutil.CollectAndCount(pm.channelDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.channelFailures.WithLabelValues("opcode", "no_code_section")))
}

// TestWorkerPoolAndRetryMetrics Gauge 与重试计数
func TestWorkerPoolAndRetryMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateWorkerPoolStats(4, 2, 7)
	assert.Equal(t, 4.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.workerPoolQueueSize))

	pm.RecordRetryAttempt("classifier", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.retryAttemptsTotal.WithLabelValues("classifier", "1")))
}

// TestMemoryMonitor_Sample 采样写入 Gauge
func TestMemoryMonitor_Sample(t *testing.T) {
	pm := setupTestMetrics(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	monitor := NewMemoryMonitor(logger, pm, time.Hour, 0)
	stats := monitor.Sample()

	assert.Greater(t, stats.Alloc, uint64(0))
	assert.Greater(t, stats.Goroutines, 0)
	assert.Equal(t, stats, monitor.GetStats())
	assert.Equal(t, float64(stats.Alloc), testutil.ToFloat64(pm.memoryUsage))

	monitor.Start()
	monitor.Stop()
	monitor.Stop()
}

// TestHandler 暴露 /metrics
func TestHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordScanStarted()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "scans_in_progress"))
}

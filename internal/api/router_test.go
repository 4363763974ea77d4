package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apk-analysis/apk-rgb-go/internal/api/handlers"
	"github.com/apk-analysis/apk-rgb-go/internal/config"
	"github.com/apk-analysis/apk-rgb-go/internal/domain"
	"github.com/apk-analysis/apk-rgb-go/internal/features"
	"github.com/apk-analysis/apk-rgb-go/internal/middleware"
	"github.com/apk-analysis/apk-rgb-go/internal/repository"
	"github.com/apk-analysis/apk-rgb-go/internal/service"
	"github.com/apk-analysis/apk-rgb-go/internal/testutil"
	"github.com/apk-analysis/apk-rgb-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClassifier 固定返回勒索概率
type stubClassifier struct {
	probs []float64
}

func (s stubClassifier) Predict(ctx context.Context, tensor *features.Tensor) ([]float64, error) {
	return s.probs, nil
}

func newTestRouter(t *testing.T, withMetrics bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.Default()
	cfg.Server.Mode = "test"
	cfg.Database.Type = "sqlite"
	cfg.Database.Path = ":memory:"
	cfg.Features.Dims = 8

	db, err := repository.InitDB(&cfg.Database, logger)
	require.NoError(t, err)
	repo := repository.NewScanRepository(db, logger)

	indices := make([]int, features.TransitionSize*features.TransitionSize)
	for i := range indices {
		indices[i] = i
	}
	ranking, err := features.NewFeatureRanking(indices)
	require.NoError(t, err)
	extractor, err := features.NewExtractor(cfg.Features.Dims, ranking)
	require.NoError(t, err)

	svc := service.NewScanService(extractor, stubClassifier{probs: []float64{0.9, 0.1}}, repo, service.Options{}, logger)

	pool := worker.NewPool(2, 8, logger)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	deps := Dependencies{ScanService: svc, Pool: pool}
	if withMetrics {
		deps.Metrics = middleware.NewPrometheusMetrics(logger, "router_test")
	}
	return SetupRouter(cfg, logger, deps)
}

func uploadRequest(t *testing.T, files map[string][]byte, order ...string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, name := range order {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

// TestRouter_PredictEndToEnd 上传 → 提取 → 分类 → 落库 → 查询
func TestRouter_PredictEndToEnd(t *testing.T) {
	router := newTestRouter(t, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, map[string][]byte{
		"good.apk":  testutil.SampleAPK(t),
		"empty.apk": {},
	}, "good.apk", "empty.apk"))

	require.Equal(t, http.StatusMultiStatus, w.Code)
	var resp handlers.PredictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Prediction completed with errors for files: empty.apk", resp.Message)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "good.apk", resp.Results[0].FileName)
	assert.Equal(t, domain.ClassBenign, resp.Results[0].Class)
	assert.InDelta(t, 0.9, resp.Results[0].Probability, 1e-9)

	// 成功的扫描可以按 ID 查询
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/scans/"+resp.Results[0].ScanID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var scan domain.ScanResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scan))
	assert.Equal(t, domain.ScanStatusCompleted, scan.Status)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.ScanStatistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus[string(domain.ScanStatusFailed)])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "router_test_http_requests_total")
}

// TestRouter_HealthAndPing 基础路由
func TestRouter_HealthAndPing(t *testing.T) {
	router := newTestRouter(t, false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","dims":8}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// 未启用指标时没有 /metrics
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestCORSMiddleware_Preflight OPTIONS 直接返回 204
func TestCORSMiddleware_Preflight(t *testing.T) {
	router := newTestRouter(t, false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/predict", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// TestMaxBodySize 超限请求按缺少文件处理
func TestMaxBodySize(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/upload", MaxBodySize(16), func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(make([]byte, 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(make([]byte, 8))))
	assert.Equal(t, http.StatusOK, w.Code)
}

// Package classifier talks to the model-serving endpoint that scores feature tensors.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/features"
	"github.com/apk-analysis/apk-rgb-go/internal/retry"
	"github.com/sirupsen/logrus"
)

// ErrNotConfigured 没有配置模型服务地址
var ErrNotConfigured = errors.New("classifier url not configured")

// Classifier 对一个 dims×dims×3 张量给出各类别概率
type Classifier interface {
	Predict(ctx context.Context, tensor *features.Tensor) ([]float64, error)
}

// Options HTTP 客户端参数
type Options struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// OnRetry 重试时回调，用于指标
	OnRetry func(attempt int, err error)
}

// HTTPClient TensorFlow Serving REST 风格的客户端
type HTTPClient struct {
	url        string
	httpClient *http.Client
	retry      *retry.Config
	logger     *logrus.Logger
}

// predictRequest {"instances": [tensor]}
type predictRequest struct {
	Instances [][][][]float32 `json:"instances"`
}

// predictResponse {"predictions": [[p0, p1]]}
type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// NewHTTPClient 创建模型服务客户端
func NewHTTPClient(opts Options, logger *logrus.Logger) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = opts.MaxRetries + 1
	if opts.RetryDelay > 0 {
		retryCfg.InitialInterval = opts.RetryDelay
	}
	retryCfg.Logger = logger
	retryCfg.OnRetry = opts.OnRetry

	return &HTTPClient{
		url: opts.URL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry:  retryCfg,
		logger: logger,
	}
}

// Predict 发送推理请求；5xx 和网络错误会重试，4xx 不重试
func (c *HTTPClient) Predict(ctx context.Context, tensor *features.Tensor) ([]float64, error) {
	if c.url == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(predictRequest{Instances: [][][][]float32{tensor.Nested()}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	probs, err := retry.DoWithResult(ctx, c.retry, func(ctx context.Context) ([]float64, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return nil, fmt.Errorf("classifier predict: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"dims":          tensor.Dims,
		"probabilities": probs,
	}).Debug("Classifier prediction received")
	return probs, nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte) ([]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("model server returned status %d: %s", resp.StatusCode, string(bodyBytes))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.NewNonRetryableError(statusErr)
		}
		return nil, statusErr
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("failed to decode response: %w", err))
	}
	if out.Error != "" {
		return nil, retry.NewNonRetryableError(fmt.Errorf("model server error: %s", out.Error))
	}
	if len(out.Predictions) == 0 || len(out.Predictions[0]) == 0 {
		return nil, retry.NewNonRetryableError(ErrEmptyPrediction)
	}
	return out.Predictions[0], nil
}

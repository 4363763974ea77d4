package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int           // 最大尝试次数（含第一次）
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy      // 重试策略
	Timeout         time.Duration // 总超时时间，0 表示不限
	Logger          logrus.FieldLogger

	// OnRetry 每次决定重试前调用，attempt 为刚失败的那一次
	OnRetry func(attempt int, err error)
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Strategy:        StrategyExponential,
	}
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	error
	retryable bool
}

func (e *retryableError) IsRetryable() bool {
	return e.retryable
}

func (e *retryableError) Unwrap() error {
	return e.error
}

// NewRetryableError 创建可重试错误
func NewRetryableError(err error) error {
	return &retryableError{error: err, retryable: true}
}

// NewNonRetryableError 创建不可重试错误
func NewNonRetryableError(err error) error {
	return &retryableError{error: err, retryable: false}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false // 调用方取消
	case errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	log := config.Logger
	if log == nil {
		silent := logrus.New()
		silent.SetOutput(io.Discard)
		log = silent
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt >= maxAttempts {
			break
		}

		wait := nextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     maxAttempts,
			"wait":    wait,
			"error":   err.Error(),
		}).Warn("Operation failed, retrying")
		if config.OnRetry != nil {
			config.OnRetry(attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", maxAttempts, lastErr)
}

// nextInterval 第 attempt 次失败后的等待时间
func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}

	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

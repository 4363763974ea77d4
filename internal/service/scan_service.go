package service

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/apkfile"
	"github.com/apk-analysis/apk-rgb-go/internal/classifier"
	"github.com/apk-analysis/apk-rgb-go/internal/domain"
	"github.com/apk-analysis/apk-rgb-go/internal/features"
	"github.com/apk-analysis/apk-rgb-go/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 扫描来源
const (
	SourceUpload  = "upload"
	SourceQueue   = "queue"
	SourceWatcher = "watcher"
	SourceCLI     = "cli"
)

// 广播事件类型
const (
	EventScanStarted   = "scan_started"
	EventScanCompleted = "scan_completed"
	EventScanFailed    = "scan_failed"
)

// ScanRequest 一次扫描的输入
type ScanRequest struct {
	ID       string // 为空时自动生成
	FileName string
	Data     []byte
	SmaliDir string // 可选的反编译源码目录
	Source   string
}

// ScanEvent 推送给实时订阅者的事件
type ScanEvent struct {
	Type string             `json:"type"`
	Scan *domain.ScanResult `json:"scan"`
}

// EventPublisher 扫描事件的订阅出口（WebSocket 等）
type EventPublisher interface {
	PublishScan(event ScanEvent)
}

// MetricsRecorder 扫描相关指标
type MetricsRecorder interface {
	RecordScanStarted()
	RecordScanCompleted(class string, duration time.Duration)
	RecordScanFailed(duration time.Duration)
	RecordChannelDuration(channel string, duration time.Duration)
	RecordChannelFailure(channel, reason string)
}

// ScanError 扫描失败，携带已落库的失败记录
type ScanError struct {
	Result *domain.ScanResult
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s (%s): %v", e.Result.FileName, e.Result.FailureType, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// PathOption ScanPath 的可选项
type PathOption func(*ScanRequest)

// WithScanID 使用调用方指定的扫描 ID（例如队列消息里的 ID）
func WithScanID(id string) PathOption {
	return func(r *ScanRequest) { r.ID = id }
}

// WithSource 标记扫描来源
func WithSource(source string) PathOption {
	return func(r *ScanRequest) { r.Source = source }
}

// ScanService 扫描服务接口
type ScanService interface {
	// Scan 提取特征、分类并保存结果
	Scan(ctx context.Context, req ScanRequest) (*domain.ScanResult, error)

	// ScanPath 读取磁盘上的 APK，同级 smali 目录存在时作为结构化源码
	ScanPath(ctx context.Context, path string, opts ...PathOption) (*domain.ScanResult, error)

	// GetScan 查询单个扫描
	GetScan(ctx context.Context, id string) (*domain.ScanResult, error)

	// ListRecent 最近的扫描
	ListRecent(ctx context.Context, limit int) ([]*domain.ScanResult, error)

	// Statistics 按状态和分类统计
	Statistics(ctx context.Context) (*domain.ScanStatistics, error)
}

type scanService struct {
	extractor    *features.Extractor
	classifier   classifier.Classifier
	repo         repository.ScanRepository
	metrics      MetricsRecorder
	publisher    EventPublisher
	smaliDirName string
	logger       *logrus.Logger
}

// Options 可选依赖
type Options struct {
	Metrics      MetricsRecorder
	Publisher    EventPublisher
	SmaliDirName string // 默认 smali
}

// NewScanService 创建扫描服务实例
func NewScanService(extractor *features.Extractor, clf classifier.Classifier, repo repository.ScanRepository, opts Options, logger *logrus.Logger) ScanService {
	smali := opts.SmaliDirName
	if smali == "" {
		smali = "smali"
	}
	return &scanService{
		extractor:    extractor,
		classifier:   clf,
		repo:         repo,
		metrics:      opts.Metrics,
		publisher:    opts.Publisher,
		smaliDirName: smali,
		logger:       logger,
	}
}

func (s *scanService) Scan(ctx context.Context, req ScanRequest) (*domain.ScanResult, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Source == "" {
		req.Source = SourceUpload
	}

	sum := sha256.Sum256(req.Data)
	scan := &domain.ScanResult{
		ID:        req.ID,
		FileName:  req.FileName,
		SHA256:    fmt.Sprintf("%x", sum),
		Size:      int64(len(req.Data)),
		Source:    req.Source,
		Status:    domain.ScanStatusRunning,
		CreatedAt: start.UTC(),
	}
	if err := s.repo.Create(ctx, scan); err != nil {
		s.logger.WithError(err).WithField("file_name", req.FileName).Error("Failed to create scan record")
		return nil, fmt.Errorf("创建扫描记录失败: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"scan_id":   scan.ID,
		"file_name": scan.FileName,
		"source":    scan.Source,
	})
	log.Info("Scan started")
	if s.metrics != nil {
		s.metrics.RecordScanStarted()
	}
	s.publish(EventScanStarted, scan)

	decision, err := s.run(ctx, req, scan)
	if err != nil {
		return nil, s.fail(ctx, scan, err, start, log)
	}

	now := time.Now().UTC()
	scan.Status = domain.ScanStatusCompleted
	scan.Class = decision.Class
	scan.Probability = decision.Probability
	scan.CompletedAt = &now
	if err := s.repo.Update(ctx, scan); err != nil {
		log.WithError(err).Warn("Failed to persist scan result")
	}

	if s.metrics != nil {
		s.metrics.RecordScanCompleted(decision.Class, time.Since(start))
	}
	s.publish(EventScanCompleted, scan)

	log.WithFields(logrus.Fields{
		"class":       decision.Class,
		"probability": decision.Probability,
		"duration":    time.Since(start),
	}).Info("Scan completed")
	return scan, nil
}

// run 打开包 → 提取 → 分类
func (s *scanService) run(ctx context.Context, req ScanRequest, scan *domain.ScanResult) (classifier.Decision, error) {
	var opts []apkfile.Option
	if req.SmaliDir != "" {
		opts = append(opts, apkfile.WithSourceDir(req.SmaliDir))
	}
	pkg, err := apkfile.Open(req.FileName, req.Data, opts...)
	if err != nil {
		return classifier.Decision{}, err
	}

	res, err := s.extractor.Extract(ctx, pkg)
	if err != nil {
		return classifier.Decision{}, err
	}
	scan.Digest = res.Digest
	scan.TextureMillis = res.Durations[features.ChannelTexture].Milliseconds()
	scan.OpcodeMillis = res.Durations[features.ChannelOpcode].Milliseconds()
	scan.FuzzyHashMillis = res.Durations[features.ChannelFuzzyHash].Milliseconds()
	if s.metrics != nil {
		for ch, d := range res.Durations {
			s.metrics.RecordChannelDuration(string(ch), d)
		}
	}

	probs, err := s.classifier.Predict(ctx, res.Tensor)
	if err != nil {
		return classifier.Decision{}, &classifierError{err: err}
	}
	decision, err := classifier.Decide(probs)
	if err != nil {
		return classifier.Decision{}, &classifierError{err: err}
	}
	return decision, nil
}

// classifierError 区分模型服务错误和特征错误
type classifierError struct {
	err error
}

func (e *classifierError) Error() string { return e.err.Error() }
func (e *classifierError) Unwrap() error { return e.err }

func (s *scanService) fail(ctx context.Context, scan *domain.ScanResult, err error, start time.Time, log *logrus.Entry) error {
	now := time.Now().UTC()
	scan.Status = domain.ScanStatusFailed
	scan.FailureType = classifyFailure(err)
	scan.ErrorMessage = err.Error()
	scan.CompletedAt = &now
	if ch, reason, ok := features.ReasonOf(err); ok {
		scan.FailedChannel = string(ch)
		scan.FailureReason = string(reason)
		if s.metrics != nil {
			s.metrics.RecordChannelFailure(string(ch), string(reason))
		}
	}

	// 调用方可能已取消，失败记录仍然要落库
	if uerr := s.repo.Update(context.WithoutCancel(ctx), scan); uerr != nil {
		log.WithError(uerr).Warn("Failed to persist scan failure")
	}
	if s.metrics != nil {
		s.metrics.RecordScanFailed(time.Since(start))
	}
	s.publish(EventScanFailed, scan)

	entry := log.WithError(err).WithFields(logrus.Fields{
		"failure_type": scan.FailureType,
		"channel":      scan.FailedChannel,
		"reason":       scan.FailureReason,
	})
	if scan.FailureType.IsClientFault() {
		entry.Warn("Scan rejected")
	} else {
		entry.Error("Scan failed")
	}
	return &ScanError{Result: scan, Err: err}
}

func classifyFailure(err error) domain.FailureType {
	var clfErr *classifierError
	switch {
	case errors.Is(err, apkfile.ErrMalformedPackage):
		return domain.FailureTypeMalformed
	case features.IsConfigurationError(err):
		return domain.FailureTypeConfiguration
	case errors.As(err, &clfErr):
		return domain.FailureTypeClassifier
	}
	if _, _, ok := features.ReasonOf(err); ok {
		return domain.FailureTypeExtraction
	}
	return domain.FailureTypeUnknown
}

func (s *scanService) publish(eventType string, scan *domain.ScanResult) {
	if s.publisher == nil {
		return
	}
	snapshot := *scan
	s.publisher.PublishScan(ScanEvent{Type: eventType, Scan: &snapshot})
}

func (s *scanService) ScanPath(ctx context.Context, path string, opts ...PathOption) (*domain.ScanResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 APK 失败: %w", err)
	}

	req := ScanRequest{
		FileName: filepath.Base(path),
		Data:     data,
		Source:   SourceCLI,
	}
	smaliDir := filepath.Join(filepath.Dir(path), s.smaliDirName)
	if info, err := os.Stat(smaliDir); err == nil && info.IsDir() {
		req.SmaliDir = smaliDir
	}
	for _, opt := range opts {
		opt(&req)
	}
	return s.Scan(ctx, req)
}

func (s *scanService) GetScan(ctx context.Context, id string) (*domain.ScanResult, error) {
	scan, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrScanNotFound) {
			s.logger.WithError(err).WithField("scan_id", id).Error("Failed to get scan")
		}
		return nil, fmt.Errorf("获取扫描失败: %w", err)
	}
	return scan, nil
}

func (s *scanService) ListRecent(ctx context.Context, limit int) ([]*domain.ScanResult, error) {
	scans, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list scans")
		return nil, fmt.Errorf("获取扫描列表失败: %w", err)
	}
	return scans, nil
}

func (s *scanService) Statistics(ctx context.Context) (*domain.ScanStatistics, error) {
	stats, err := s.repo.GetStatistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取扫描统计失败: %w", err)
	}
	return stats, nil
}

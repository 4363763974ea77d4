package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrScanNotFound 扫描记录不存在
var ErrScanNotFound = errors.New("scan not found")

type ScanRepository interface {
	Create(ctx context.Context, scan *domain.ScanResult) error
	// Update 只更新结果相关字段
	Update(ctx context.Context, scan *domain.ScanResult) error
	FindByID(ctx context.Context, id string) (*domain.ScanResult, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.ScanResult, error)
	// FindLatestBySHA256 同一文件最近一次成功扫描
	FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.ScanResult, error)
	// GetStatistics 按状态和分类聚合
	GetStatistics(ctx context.Context) (*domain.ScanStatistics, error)
	// MarkInterrupted 把上次运行遗留的 running 记录标记为失败
	MarkInterrupted(ctx context.Context, message string) (int64, error)
}

type scanRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewScanRepository(db *gorm.DB, logger *logrus.Logger) ScanRepository {
	return &scanRepo{
		db:     db,
		logger: logger,
	}
}

func (r *scanRepo) Create(ctx context.Context, scan *domain.ScanResult) error {
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(scan).Error
}

func (r *scanRepo) Update(ctx context.Context, scan *domain.ScanResult) error {
	err := r.db.WithContext(ctx).
		Model(scan).
		Select("status", "class", "probability", "digest", "failure_type", "failed_channel",
			"failure_reason", "error_message", "texture_millis", "opcode_millis",
			"fuzzy_hash_millis", "completed_at").
		Updates(scan).Error

	if err != nil {
		r.logger.WithError(err).WithField("scan_id", scan.ID).Error("Scan update failed")
	}
	return err
}

func (r *scanRepo) FindByID(ctx context.Context, id string) (*domain.ScanResult, error) {
	var scan domain.ScanResult
	err := r.db.WithContext(ctx).First(&scan, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (r *scanRepo) ListRecent(ctx context.Context, limit int) ([]*domain.ScanResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var scans []*domain.ScanResult
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&scans).Error
	return scans, err
}

func (r *scanRepo) FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.ScanResult, error) {
	var scan domain.ScanResult
	err := r.db.WithContext(ctx).
		Where("sha256 = ? AND status = ?", sha256, domain.ScanStatusCompleted).
		Order("created_at DESC").
		First(&scan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// GetStatistics 使用数据库聚合查询
func (r *scanRepo) GetStatistics(ctx context.Context) (*domain.ScanStatistics, error) {
	type groupCount struct {
		Key   string
		Count int64
	}

	var byStatus []groupCount
	err := r.db.WithContext(ctx).
		Model(&domain.ScanResult{}).
		Select("status AS `key`, COUNT(*) AS count").
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, err
	}

	var byClass []groupCount
	err = r.db.WithContext(ctx).
		Model(&domain.ScanResult{}).
		Select("class AS `key`, COUNT(*) AS count").
		Where("status = ?", domain.ScanStatusCompleted).
		Group("class").
		Scan(&byClass).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get class counts")
		return nil, err
	}

	stats := &domain.ScanStatistics{
		ByStatus: map[string]int64{
			string(domain.ScanStatusQueued):    0,
			string(domain.ScanStatusRunning):   0,
			string(domain.ScanStatusCompleted): 0,
			string(domain.ScanStatusFailed):    0,
		},
		ByClass: map[string]int64{
			domain.ClassRansomware: 0,
			domain.ClassBenign:     0,
		},
	}
	for _, c := range byStatus {
		stats.ByStatus[c.Key] = c.Count
		stats.Total += c.Count
	}
	for _, c := range byClass {
		stats.ByClass[c.Key] = c.Count
	}
	return stats, nil
}

func (r *scanRepo) MarkInterrupted(ctx context.Context, message string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.ScanResult{}).
		Where("status = ?", domain.ScanStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.ScanStatusFailed,
			"failure_type":  domain.FailureTypeUnknown,
			"error_message": message,
			"completed_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

package repository

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/config"
	"github.com/apk-analysis/apk-rgb-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")
	// 每个连接都是独立的内存库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.ScanResult{}))
	return db
}

func newScan(id, sha string, status domain.ScanStatus, class string, created time.Time) *domain.ScanResult {
	return &domain.ScanResult{
		ID:        id,
		FileName:  id + ".apk",
		SHA256:    sha,
		Status:    status,
		Class:     class,
		CreatedAt: created,
	}
}

// TestScanRepository_CreateAndFind 创建并查询
func TestScanRepository_CreateAndFind(t *testing.T) {
	repo := NewScanRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	scan := &domain.ScanResult{ID: "scan-001", FileName: "a.apk", Status: domain.ScanStatusRunning}
	require.NoError(t, repo.Create(ctx, scan))
	assert.False(t, scan.CreatedAt.IsZero())

	found, err := repo.FindByID(ctx, "scan-001")
	require.NoError(t, err)
	assert.Equal(t, "a.apk", found.FileName)
	assert.Equal(t, domain.ScanStatusRunning, found.Status)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrScanNotFound)
}

// TestScanRepository_Update 只更新结果字段
func TestScanRepository_Update(t *testing.T) {
	repo := NewScanRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	scan := &domain.ScanResult{ID: "scan-002", FileName: "b.apk", Status: domain.ScanStatusRunning}
	require.NoError(t, repo.Create(ctx, scan))

	now := time.Now().UTC()
	scan.Status = domain.ScanStatusCompleted
	scan.Class = domain.ClassRansomware
	scan.Probability = 0.93
	scan.OpcodeMillis = 12
	scan.CompletedAt = &now
	require.NoError(t, repo.Update(ctx, scan))

	found, err := repo.FindByID(ctx, "scan-002")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCompleted, found.Status)
	assert.Equal(t, domain.ClassRansomware, found.Class)
	assert.InDelta(t, 0.93, found.Probability, 1e-9)
	assert.Equal(t, int64(12), found.OpcodeMillis)
	require.NotNil(t, found.CompletedAt)
}

// TestScanRepository_ListRecent 按创建时间倒序
func TestScanRepository_ListRecent(t *testing.T) {
	repo := NewScanRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, repo.Create(ctx, newScan(id, "", domain.ScanStatusCompleted, domain.ClassBenign, base.Add(time.Duration(i)*time.Minute))))
	}

	scans, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, "s3", scans[0].ID)
	assert.Equal(t, "s2", scans[1].ID)
}

// TestScanRepository_FindLatestBySHA256 只返回成功的扫描
func TestScanRepository_FindLatestBySHA256(t *testing.T) {
	repo := NewScanRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, newScan("old", "abc", domain.ScanStatusCompleted, domain.ClassBenign, base)))
	require.NoError(t, repo.Create(ctx, newScan("new", "abc", domain.ScanStatusCompleted, domain.ClassRansomware, base.Add(time.Hour))))
	require.NoError(t, repo.Create(ctx, newScan("failed", "abc", domain.ScanStatusFailed, "", base.Add(2*time.Hour))))

	found, err := repo.FindLatestBySHA256(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "new", found.ID)

	_, err = repo.FindLatestBySHA256(ctx, "zzz")
	assert.ErrorIs(t, err, ErrScanNotFound)
}

// TestScanRepository_GetStatistics 聚合计数，缺失的状态为 0
func TestScanRepository_GetStatistics(t *testing.T) {
	repo := NewScanRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, newScan("a", "", domain.ScanStatusCompleted, domain.ClassRansomware, now)))
	require.NoError(t, repo.Create(ctx, newScan("b", "", domain.ScanStatusCompleted, domain.ClassBenign, now)))
	require.NoError(t, repo.Create(ctx, newScan("c", "", domain.ScanStatusCompleted, domain.ClassBenign, now)))
	require.NoError(t, repo.Create(ctx, newScan("d", "", domain.ScanStatusFailed, "", now)))

	stats, err := repo.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(3), stats.ByStatus["completed"])
	assert.Equal(t, int64(1), stats.ByStatus["failed"])
	assert.Equal(t, int64(0), stats.ByStatus["queued"])
	assert.Equal(t, int64(1), stats.ByClass[domain.ClassRansomware])
	assert.Equal(t, int64(2), stats.ByClass[domain.ClassBenign])
}

// TestInitDB_SQLiteMemory 内存库自动迁移
func TestInitDB_SQLiteMemory(t *testing.T) {
	db, err := InitDB(&config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}, testLogger())
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&domain.ScanResult{}))

	_, err = InitDB(&config.DatabaseConfig{Type: "postgres"}, testLogger())
	assert.Error(t, err)
}

// TestScanRepository_MarkInterrupted 只处理 running 记录
func TestScanRepository_MarkInterrupted(t *testing.T) {
	repo := NewScanRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, newScan("run1", "", domain.ScanStatusRunning, "", now)))
	require.NoError(t, repo.Create(ctx, newScan("run2", "", domain.ScanStatusRunning, "", now)))
	require.NoError(t, repo.Create(ctx, newScan("done", "", domain.ScanStatusCompleted, domain.ClassBenign, now)))

	n, err := repo.MarkInterrupted(ctx, "service restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	scan, err := repo.FindByID(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusFailed, scan.Status)
	assert.Equal(t, "service restarted", scan.ErrorMessage)
	assert.NotNil(t, scan.CompletedAt)

	scan, err = repo.FindByID(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCompleted, scan.Status)
}

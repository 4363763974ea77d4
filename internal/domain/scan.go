package domain

import (
	"time"
)

type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// 分类结果
const (
	ClassRansomware = "Ransomware"
	ClassBenign     = "Benign"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone          FailureType = ""              // 无失败（成功或进行中）
	FailureTypeMalformed     FailureType = "malformed"     // 不是合法的 zip 包
	FailureTypeExtraction    FailureType = "extraction"    // 某个特征通道无法生成
	FailureTypeConfiguration FailureType = "configuration" // 排名文件等资源缺失
	FailureTypeClassifier    FailureType = "classifier"    // 模型服务调用失败
	FailureTypeUnknown       FailureType = "unknown"       // 未知错误
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常
	FailureSeverityWarning FailureSeverity = "warning" // 上传数据有问题
	FailureSeverityError   FailureSeverity = "error"   // 系统问题，需要排查
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeMalformed, FailureTypeExtraction:
		return FailureSeverityWarning
	default:
		return FailureSeverityError
	}
}

// IsClientFault 是否由上传的文件本身导致
func (ft FailureType) IsClientFault() bool {
	return ft.GetSeverity() == FailureSeverityWarning
}

// ScanResult 一次 APK 扫描的结果
type ScanResult struct {
	ID            string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FileName      string      `gorm:"type:varchar(255);not null;index:idx_file_name" json:"file_name"`
	SHA256        string      `gorm:"type:char(64);index:idx_sha256" json:"sha256,omitempty"`
	Size          int64       `json:"size"`
	Source        string      `gorm:"type:varchar(20);default:'upload'" json:"source"` // upload, queue, watcher, cli
	Status        ScanStatus  `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	Class         string      `gorm:"type:varchar(20);index:idx_class" json:"class,omitempty"`
	Probability   float64     `json:"probability"`
	Digest        string      `gorm:"type:varchar(160)" json:"digest,omitempty"`
	FailureType   FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	FailedChannel string      `gorm:"type:varchar(20)" json:"failed_channel,omitempty"`
	FailureReason string      `gorm:"type:varchar(50)" json:"failure_reason,omitempty"`
	ErrorMessage  string      `gorm:"type:text" json:"error_message,omitempty"`

	// 各通道耗时（毫秒）
	TextureMillis   int64 `json:"texture_ms"`
	OpcodeMillis    int64 `json:"opcode_ms"`
	FuzzyHashMillis int64 `json:"fuzzyhash_ms"`

	CreatedAt   time.Time  `gorm:"not null;index:idx_created_at" json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (ScanResult) TableName() string {
	return "apk_scans"
}

// ScanStatistics 扫描统计
type ScanStatistics struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByClass  map[string]int64 `json:"by_class"`
}

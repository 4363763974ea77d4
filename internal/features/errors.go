package features

import (
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-rgb-go/internal/apkfile"
)

// Channel 特征通道
type Channel string

const (
	ChannelTexture   Channel = "texture"   // R
	ChannelOpcode    Channel = "opcode"    // G
	ChannelFuzzyHash Channel = "fuzzyhash" // B
)

// Reason 通道提取失败原因
type Reason string

const (
	ReasonTooSmall            Reason = "too_small"
	ReasonNoCodePayload       Reason = "no_code_payload"
	ReasonNoCodeSection       Reason = "no_code_section"
	ReasonInsufficientOpcodes Reason = "insufficient_opcodes"
	ReasonNoTransitions       Reason = "no_transitions"
	ReasonRankingUnavailable  Reason = "ranking_unavailable"
	ReasonShapeMismatch       Reason = "shape_mismatch"
	ReasonDigestEmpty         Reason = "digest_empty"
)

// ErrMalformedPackage 包不是合法的 zip
var ErrMalformedPackage = apkfile.ErrMalformedPackage

// ChannelExtractionError 单个通道无法生成矩阵
type ChannelExtractionError struct {
	Channel Channel
	Reason  Reason
	Err     error
}

func (e *ChannelExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s channel: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s channel: %s", e.Channel, e.Reason)
}

func (e *ChannelExtractionError) Unwrap() error {
	return e.Err
}

func channelError(ch Channel, reason Reason, err error) error {
	return &ChannelExtractionError{Channel: ch, Reason: reason, Err: err}
}

// CompositionError 三个通道形状不一致
type CompositionError struct {
	Reason  Reason
	Channel Channel
	Dims    int
	Rows    int
	Cols    int
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("compose: %s: %s channel is %dx%d, want %dx%d",
		e.Reason, e.Channel, e.Rows, e.Cols, e.Dims, e.Dims)
}

// ReasonOf 提取错误原因，用于上报；非本包错误返回 false
func ReasonOf(err error) (Channel, Reason, bool) {
	var chErr *ChannelExtractionError
	if errors.As(err, &chErr) {
		return chErr.Channel, chErr.Reason, true
	}
	var compErr *CompositionError
	if errors.As(err, &compErr) {
		return compErr.Channel, compErr.Reason, true
	}
	return "", "", false
}

// IsConfigurationError 排名资源不可用属于系统/启动问题，而非上传数据问题
func IsConfigurationError(err error) bool {
	var chErr *ChannelExtractionError
	return errors.As(err, &chErr) && chErr.Reason == ReasonRankingUnavailable
}

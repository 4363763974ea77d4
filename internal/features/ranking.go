package features

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// FeatureRanking 预先计算的 256×256 展平下标排名（最有区分度的在前）
// 构造后只读，可被多个 goroutine 并发读取
type FeatureRanking struct {
	indices []int
}

// NewFeatureRanking 校验并复制下标
func NewFeatureRanking(indices []int) (*FeatureRanking, error) {
	out := make([]int, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= TransitionSize*TransitionSize {
			return nil, channelError(ChannelOpcode, ReasonRankingUnavailable,
				fmt.Errorf("index %d at position %d out of range", idx, i))
		}
		out[i] = idx
	}
	return &FeatureRanking{indices: out}, nil
}

// LoadFeatureRanking 从文件加载排名，每行一个下标，后面可跟分数（忽略）
func LoadFeatureRanking(path string) (*FeatureRanking, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, channelError(ChannelOpcode, ReasonRankingUnavailable, err)
	}
	defer f.Close()

	return ParseFeatureRanking(f)
}

// ParseFeatureRanking 解析排名文本，空行跳过
func ParseFeatureRanking(r io.Reader) (*FeatureRanking, error) {
	var indices []int
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, channelError(ChannelOpcode, ReasonRankingUnavailable,
				fmt.Errorf("line %d: %w", line, err))
		}
		indices = append(indices, idx)
	}
	if err := scanner.Err(); err != nil {
		return nil, channelError(ChannelOpcode, ReasonRankingUnavailable, err)
	}
	return NewFeatureRanking(indices)
}

// Len 排名条数
func (r *FeatureRanking) Len() int {
	if r == nil {
		return 0
	}
	return len(r.indices)
}

// Supports 排名是否足够选出 dims×dims 个特征
func (r *FeatureRanking) Supports(dims int) bool {
	return r.Len() >= dims*dims
}

// Select 展平 256×256 矩阵，按排名前 dims*dims 个下标取值并重排为 dims×dims
func (r *FeatureRanking) Select(m *Matrix, dims int) (*Matrix, error) {
	if r == nil {
		return nil, channelError(ChannelOpcode, ReasonRankingUnavailable, nil)
	}
	if m == nil {
		return nil, channelError(ChannelOpcode, ReasonShapeMismatch, fmt.Errorf("nil transition matrix"))
	}
	if !m.IsSquare(TransitionSize) {
		return nil, channelError(ChannelOpcode, ReasonShapeMismatch,
			fmt.Errorf("input is %dx%d, want %dx%d", m.Rows, m.Cols, TransitionSize, TransitionSize))
	}

	want := dims * dims
	top := r.indices
	if len(top) > want {
		top = top[:want]
	}
	if dims <= 0 || len(top) != want {
		return nil, channelError(ChannelOpcode, ReasonShapeMismatch,
			fmt.Errorf("ranking yields %d features, want %d", len(top), want))
	}

	out := NewMatrix(dims, dims)
	for k, idx := range top {
		out.Pix[k] = m.Pix[idx]
	}
	return out, nil
}

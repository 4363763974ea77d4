package features

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseFeatureRanking_FirstField 每行只取第一个字段，空行跳过
func TestParseFeatureRanking_FirstField(t *testing.T) {
	r, err := ParseFeatureRanking(strings.NewReader("513 0.91\n\n258\t0.40\n  7 0.01 extra\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{513, 258, 7}, r.indices)
}

// TestParseFeatureRanking_BadLine 非数字下标
func TestParseFeatureRanking_BadLine(t *testing.T) {
	_, err := ParseFeatureRanking(strings.NewReader("1\nabc 0.3\n"))
	requireReason(t, err, ReasonRankingUnavailable)
	assert.Contains(t, err.Error(), "line 2")
	assert.True(t, IsConfigurationError(err))
}

// TestNewFeatureRanking_OutOfRange 下标必须落在 [0, 65536)
func TestNewFeatureRanking_OutOfRange(t *testing.T) {
	_, err := NewFeatureRanking([]int{0, 65536})
	requireReason(t, err, ReasonRankingUnavailable)

	_, err = NewFeatureRanking([]int{-1})
	requireReason(t, err, ReasonRankingUnavailable)
}

// TestLoadFeatureRanking 从文件加载
func TestLoadFeatureRanking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranking.txt")
	require.NoError(t, os.WriteFile(path, []byte("4\n3\n2\n1\n"), 0o644))

	r, err := LoadFeatureRanking(path)
	require.NoError(t, err)
	assert.True(t, r.Supports(2))
	assert.False(t, r.Supports(3))

	_, err = LoadFeatureRanking(filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, IsConfigurationError(err))
}

// TestFeatureRanking_Select 按排名顺序取值，行优先重排
func TestFeatureRanking_Select(t *testing.T) {
	m := NewMatrix(TransitionSize, TransitionSize)
	m.Set(0, 5, 11)
	m.Set(3, 0, 22)
	m.Set(255, 255, 33)

	r, err := NewFeatureRanking([]int{3 * 256, 255*256 + 255, 5, 1, 99})
	require.NoError(t, err)

	out, err := r.Select(m, 2)
	require.NoError(t, err)
	assert.True(t, out.IsSquare(2))
	assert.Equal(t, []uint8{22, 33, 11, 0}, out.Pix)
}

// TestFeatureRanking_SelectErrors 形状或数量不符
func TestFeatureRanking_SelectErrors(t *testing.T) {
	r, err := NewFeatureRanking([]int{1, 2, 3})
	require.NoError(t, err)

	_, err = r.Select(NewMatrix(TransitionSize, TransitionSize), 2)
	requireReason(t, err, ReasonShapeMismatch)

	_, err = r.Select(NewMatrix(16, 16), 1)
	requireReason(t, err, ReasonShapeMismatch)

	_, err = r.Select(nil, 1)
	requireReason(t, err, ReasonShapeMismatch)

	var missing *FeatureRanking
	_, err = missing.Select(NewMatrix(TransitionSize, TransitionSize), 1)
	requireReason(t, err, ReasonRankingUnavailable)
	assert.Equal(t, 0, missing.Len())
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apk-analysis/apk-rgb-go/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixtures(t *testing.T) (apkPath, rankingPath string) {
	t.Helper()
	dir := t.TempDir()

	apkPath = filepath.Join(dir, "sample.apk")
	require.NoError(t, os.WriteFile(apkPath, testutil.SampleAPK(t), 0644))

	var b strings.Builder
	for i := 0; i < 64; i++ {
		fmt.Fprintf(&b, "%d 0.%03d\n", i*257, 999-i)
	}
	rankingPath = filepath.Join(dir, "ranking.txt")
	require.NoError(t, os.WriteFile(rankingPath, []byte(b.String()), 0644))
	return apkPath, rankingPath
}

func TestRun_PrintsReport(t *testing.T) {
	apkPath, rankingPath := writeFixtures(t)
	tensorPath := filepath.Join(t.TempDir(), "tensor.json")

	var stdout bytes.Buffer
	err := run([]string{"--dims", "8", "--ranking", rankingPath, "--out", tensorPath, apkPath}, &stdout)
	require.NoError(t, err)

	var rep report
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rep))
	assert.Equal(t, "sample.apk", rep.File)
	assert.Equal(t, 8, rep.Dims)
	assert.Len(t, rep.SHA256, 64)
	assert.NotEmpty(t, rep.Digest)
	assert.Len(t, rep.Means, 3)
	for ch, mean := range rep.Means {
		assert.GreaterOrEqual(t, mean, 0.0, ch)
		assert.LessOrEqual(t, mean, 1.0, ch)
	}
	assert.Equal(t, tensorPath, rep.TensorOut)

	data, err := os.ReadFile(tensorPath)
	require.NoError(t, err)
	var nested [][][]float32
	require.NoError(t, json.Unmarshal(data, &nested))
	require.Len(t, nested, 8)
	require.Len(t, nested[0], 8)
	assert.Len(t, nested[0][0], 3)
}

func TestRun_Errors(t *testing.T) {
	apkPath, rankingPath := writeFixtures(t)
	var stdout bytes.Buffer

	assert.Error(t, run([]string{"--ranking", rankingPath}, &stdout), "missing apk argument")
	assert.Error(t, run([]string{"--dims", "8", "--ranking", "/nonexistent/ranking.txt", apkPath}, &stdout))
	// 64 条排名不足以支撑 16×16
	assert.Error(t, run([]string{"--dims", "16", "--ranking", rankingPath, apkPath}, &stdout))
	assert.Error(t, run([]string{"--dims", "8", "--ranking", rankingPath, filepath.Join(t.TempDir(), "missing.apk")}, &stdout))
	assert.Empty(t, stdout.String())
}

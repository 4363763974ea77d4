package features

import (
	"bytes"
	"testing"

	"github.com/apk-analysis/apk-rgb-go/internal/apkfile"
	"github.com/apk-analysis/apk-rgb-go/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm/armasm"
)

func openFixture(t *testing.T, entries ...testutil.ZipEntry) *apkfile.Package {
	t.Helper()
	pkg, err := apkfile.Open("fixture.apk", testutil.BuildZip(t, entries...))
	require.NoError(t, err)
	return pkg
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	require.Error(t, err)
	_, reason, ok := ReasonOf(err)
	require.True(t, ok, "unexpected error type: %v", err)
	assert.Equal(t, want, reason)
}

// TestCodeWindow_NoDex 没有 .dex 条目
func TestCodeWindow_NoDex(t *testing.T) {
	pkg := openFixture(t, testutil.ZipEntry{Name: "AndroidManifest.xml", Data: testutil.ManifestXML("a.b")})
	_, err := CodeWindow(pkg)
	requireReason(t, err, ReasonNoCodePayload)
}

// TestCodeWindow_NoMarker dex 中没有 0x0A 0x00
func TestCodeWindow_NoMarker(t *testing.T) {
	pkg := openFixture(t, testutil.ZipEntry{Name: "classes.dex", Data: bytes.Repeat([]byte{0x01, 0x0A}, 64)})
	_, err := CodeWindow(pkg)
	requireReason(t, err, ReasonNoCodeSection)
}

// TestCodeWindow_StartsAtFirstMarker 从第一个标记处切片，且只看第一个 dex
func TestCodeWindow_StartsAtFirstMarker(t *testing.T) {
	first := []byte{0xAA, 0xBB, 0x0A, 0x00, 0x11, 0x0A, 0x00, 0x22}
	pkg := openFixture(t,
		testutil.ZipEntry{Name: "lib/readme.txt", Data: []byte("x")},
		testutil.ZipEntry{Name: "classes.dex", Data: first},
		testutil.ZipEntry{Name: "classes2.dex", Data: []byte{0x0A, 0x00, 0x99}},
	)
	code, err := CodeWindow(pkg)
	require.NoError(t, err)
	assert.Equal(t, first[2:], code)
}

// TestDisassembleOpcodes_Windows 步长 2、窗口 4 字节，最后一个窗口起点 < len-4
func TestDisassembleOpcodes_Windows(t *testing.T) {
	code := append([]byte{0x0A, 0x00}, testutil.ARMCode(2)...) // 10 字节 → 窗口 0, 2, 4

	var want []uint8
	for _, start := range []int{0, 2, 4} {
		inst, err := armasm.Decode(code[start:start+4], armasm.ModeARM)
		if err == nil {
			want = append(want, uint8(inst.Op&0xFF))
		}
	}

	assert.Equal(t, want, DisassembleOpcodes(code))
	assert.Empty(t, DisassembleOpcodes([]byte{0xE1, 0xA0, 0x00, 0x00}))
	assert.Empty(t, DisassembleOpcodes(nil))
}

// TestDisassembleOpcodes_OpcodeIDs 编号取 armasm.Op 的低 8 位（ADD 条件 AL 为 62）
func TestDisassembleOpcodes_OpcodeIDs(t *testing.T) {
	code := []byte{0x02, 0x00, 0x81, 0xE0, 0x00, 0x00} // ADD R0, R1, R2

	ops := DisassembleOpcodes(code)
	require.Len(t, ops, 1)
	assert.Equal(t, uint8(armasm.ADD&0xFF), ops[0])
	assert.Equal(t, uint8(62), ops[0])
}

// TestDisassembleOpcodes_Deterministic 相同输入得到相同序列
func TestDisassembleOpcodes_Deterministic(t *testing.T) {
	code := testutil.DexPayload(300)
	first := DisassembleOpcodes(code)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, DisassembleOpcodes(code))
}

// TestBuildTransitionMatrix_Normalization [1,2,1,2]: cell(1,2)=255, cell(2,1)=round(127.5)=128
func TestBuildTransitionMatrix_Normalization(t *testing.T) {
	m, err := BuildTransitionMatrix([]uint8{1, 2, 1, 2})
	require.NoError(t, err)

	assert.Equal(t, TransitionSize, m.Rows)
	assert.Equal(t, TransitionSize, m.Cols)
	assert.Equal(t, uint8(255), m.At(1, 2))
	assert.Equal(t, uint8(128), m.At(2, 1))

	nonZero := 0
	for _, v := range m.Pix {
		if v != 0 {
			nonZero++
		}
	}
	assert.Equal(t, 2, nonZero, "cells of opcodes that never appear stay 0")
}

// TestBuildTransitionMatrix_SelfLoop 后继计数包含最后一个 opcode
func TestBuildTransitionMatrix_SelfLoop(t *testing.T) {
	m, err := BuildTransitionMatrix([]uint8{7, 7, 7})
	require.NoError(t, err)
	// count(7→7)=2, occurrences(7)=3 → round(170)=170
	assert.Equal(t, uint8(170), m.At(7, 7))
}

// TestBuildTransitionMatrix_Insufficient 少于 2 个 opcode
func TestBuildTransitionMatrix_Insufficient(t *testing.T) {
	_, err := BuildTransitionMatrix([]uint8{42})
	requireReason(t, err, ReasonInsufficientOpcodes)

	_, err = BuildTransitionMatrix(nil)
	requireReason(t, err, ReasonInsufficientOpcodes)
}

// TestOpcodeChannel_Selection 按排名选取
func TestOpcodeChannel_Selection(t *testing.T) {
	transitions, err := BuildTransitionMatrix([]uint8{1, 2, 1, 2})
	require.NoError(t, err)

	ranking, err := NewFeatureRanking([]int{1*256 + 2, 2*256 + 1, 0, 3, 4})
	require.NoError(t, err)

	selected, err := ranking.Select(transitions, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 128, 0, 0}, selected.Pix)
}

// TestOpcodeChannel_InsufficientFromCode 代码太短无法得到 2 个 opcode
func TestOpcodeChannel_InsufficientFromCode(t *testing.T) {
	ranking := identityRanking(t)
	_, err := OpcodeChannel([]byte{0x0A, 0x00, 0x00, 0x00}, ranking, 4)
	requireReason(t, err, ReasonInsufficientOpcodes)
}

// TestOpcodeChannel_NilRanking 排名缺失属于配置错误
func TestOpcodeChannel_NilRanking(t *testing.T) {
	_, err := OpcodeChannel(testutil.DexPayload(64)[8:], nil, 4)
	requireReason(t, err, ReasonRankingUnavailable)
	assert.True(t, IsConfigurationError(err))
}

func identityRanking(t *testing.T) *FeatureRanking {
	t.Helper()
	indices := make([]int, TransitionSize*TransitionSize)
	for i := range indices {
		indices[i] = i
	}
	r, err := NewFeatureRanking(indices)
	require.NoError(t, err)
	return r
}

package features

import (
	"bytes"
	"errors"
	"math"

	"github.com/apk-analysis/apk-rgb-go/internal/apkfile"
	"golang.org/x/arch/arm/armasm"
)

const (
	// TransitionSize 转移矩阵边长（8 位 opcode 空间）
	TransitionSize = 256

	codeSuffix        = ".dex"
	instructionWidth  = 4
	instructionStride = 2
)

// codeMarker 代码区起始标记
var codeMarker = []byte{0x0A, 0x00}

// CodeWindow 定位第一个 .dex 条目，返回从第一个 0x0A 0x00 标记开始的字节流
func CodeWindow(pkg *apkfile.Package) ([]byte, error) {
	entry, ok := pkg.FirstEntryWithSuffix(codeSuffix)
	if !ok {
		return nil, channelError(ChannelOpcode, ReasonNoCodePayload, nil)
	}

	dex, err := pkg.ReadFile(entry)
	if err != nil {
		if errors.Is(err, apkfile.ErrMalformedPackage) {
			return nil, err
		}
		return nil, channelError(ChannelOpcode, ReasonNoCodePayload, err)
	}

	offset := bytes.Index(dex, codeMarker)
	if offset < 0 {
		return nil, channelError(ChannelOpcode, ReasonNoCodeSection, nil)
	}
	return dex[offset:], nil
}

// DisassembleOpcodes 以 2 字节步长把每个 4 字节窗口当作 ARM 指令解码，
// 记录每条成功解码指令 opcode 的低 8 位。
// 编号是 armasm.Op 枚举（含条件码），与 capstone 的指令 id 不同。
//
// 这不是对 dex 字节码的真实反汇编，只用来生成稳定的统计指纹。
func DisassembleOpcodes(code []byte) []uint8 {
	if len(code) <= instructionWidth {
		return nil
	}
	ops := make([]uint8, 0, (len(code)-instructionWidth)/instructionStride+1)
	for i := 0; i < len(code)-instructionWidth; i += instructionStride {
		inst, err := armasm.Decode(code[i:i+instructionWidth], armasm.ModeARM)
		if err != nil {
			continue
		}
		ops = append(ops, uint8(inst.Op&0xFF))
	}
	return ops
}

// BuildTransitionMatrix 统计相邻 opcode 对并按后继 opcode 的出现次数归一化：
// cell(i,j) = round(count(i→j) / occurrences(j) * 255)
func BuildTransitionMatrix(ops []uint8) (*Matrix, error) {
	if len(ops) < 2 {
		return nil, channelError(ChannelOpcode, ReasonInsufficientOpcodes, nil)
	}

	pairs := make([]uint32, TransitionSize*TransitionSize)
	var occurrences [TransitionSize]uint32
	var total uint64
	for i := 0; i+1 < len(ops); i++ {
		pairs[int(ops[i])*TransitionSize+int(ops[i+1])]++
		occurrences[ops[i]]++
		total++
	}
	occurrences[ops[len(ops)-1]]++

	if total == 0 {
		return nil, channelError(ChannelOpcode, ReasonNoTransitions, nil)
	}

	out := NewMatrix(TransitionSize, TransitionSize)
	for idx, count := range pairs {
		if count == 0 {
			continue
		}
		successor := idx % TransitionSize
		v := math.Round(float64(count) / float64(occurrences[successor]) * 255)
		if v > 255 {
			v = 255
		}
		out.Pix[idx] = uint8(v)
	}
	return out, nil
}

// OpcodeChannel 代码字节流 → opcode 序列 → 转移矩阵 → 特征选择
func OpcodeChannel(code []byte, ranking *FeatureRanking, dims int) (*Matrix, error) {
	if ranking == nil {
		return nil, channelError(ChannelOpcode, ReasonRankingUnavailable, nil)
	}
	transitions, err := BuildTransitionMatrix(DisassembleOpcodes(code))
	if err != nil {
		return nil, err
	}
	return ranking.Select(transitions, dims)
}

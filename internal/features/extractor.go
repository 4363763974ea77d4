// Package features turns an application package into the three-channel image
// (texture, opcode transitions, structural fuzzy hash) consumed by the classifier.
//
// The package holds no mutable state: an Extractor is configured once and may be
// shared by any number of goroutines. Errors are returned, never logged here.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/apkfile"
	"golang.org/x/sync/errgroup"
)

// Extractor 不可变的提取配置：目标边长 + 特征排名
type Extractor struct {
	dims    int
	ranking *FeatureRanking
}

// Result 一次提取的产物
type Result struct {
	Tensor    *Tensor
	Texture   *Matrix
	Opcode    *Matrix
	FuzzyHash *Matrix
	Digest    string
	Durations map[Channel]time.Duration
}

// NewExtractor 创建提取器
// ranking 为 nil 时 opcode 通道每次都会返回 ranking_unavailable
func NewExtractor(dims int, ranking *FeatureRanking) (*Extractor, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("dims must be positive, got %d", dims)
	}
	if ranking != nil && !ranking.Supports(dims) {
		return nil, channelError(ChannelOpcode, ReasonRankingUnavailable,
			fmt.Errorf("ranking has %d entries, need %d for dims %d", ranking.Len(), dims*dims, dims))
	}
	return &Extractor{dims: dims, ranking: ranking}, nil
}

// Dims 输出边长
func (e *Extractor) Dims() int {
	return e.dims
}

// Texture R 通道
func (e *Extractor) Texture(pkg *apkfile.Package) (*Matrix, error) {
	return TextureChannel(pkg.Bytes(), e.dims)
}

// Opcode G 通道
func (e *Extractor) Opcode(pkg *apkfile.Package) (*Matrix, error) {
	code, err := CodeWindow(pkg)
	if err != nil {
		return nil, err
	}
	return OpcodeChannel(code, e.ranking, e.dims)
}

// FuzzyHash B 通道，同时返回拼接后的摘要
func (e *Extractor) FuzzyHash(pkg *apkfile.Package) (*Matrix, string, error) {
	return FuzzyHashChannel(pkg.Structure(), e.dims)
}

// Extract 并发计算三个通道并合成张量；任一通道失败则整个包失败
func (e *Extractor) Extract(ctx context.Context, pkg *apkfile.Package) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		res                     Result
		texDur, opDur, fuzzyDur time.Duration
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		m, err := e.Texture(pkg)
		texDur = time.Since(start)
		res.Texture = m
		return err
	})
	g.Go(func() error {
		start := time.Now()
		m, err := e.Opcode(pkg)
		opDur = time.Since(start)
		res.Opcode = m
		return err
	})
	g.Go(func() error {
		start := time.Now()
		m, digest, err := e.FuzzyHash(pkg)
		fuzzyDur = time.Since(start)
		res.FuzzyHash, res.Digest = m, digest
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tensor, err := Compose(res.Texture, res.Opcode, res.FuzzyHash)
	if err != nil {
		return nil, err
	}
	res.Tensor = tensor
	res.Durations = map[Channel]time.Duration{
		ChannelTexture:   texDur,
		ChannelOpcode:    opDur,
		ChannelFuzzyHash: fuzzyDur,
	}
	return &res, nil
}

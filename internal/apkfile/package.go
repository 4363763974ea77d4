package apkfile

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxEntrySize 单个 zip 条目的最大解压大小，防止恶意 APK 耗尽内存
const maxEntrySize = 650 * 1024 * 1024 // 650MB

var (
	// ErrMalformedPackage 不是合法的 zip 容器，或条目数据损坏
	ErrMalformedPackage = errors.New("malformed package")

	// ErrEntryNotFound 包内不存在指定条目
	ErrEntryNotFound = errors.New("entry not found")
)

// Entry zip 条目（名称 → 字节范围）
type Entry struct {
	Name             string
	Offset           int64  // 压缩数据在包内的起始偏移
	CompressedSize   uint64 // 压缩后大小
	UncompressedSize uint64 // 解压后大小

	file *zip.File
}

// Package 上传的二进制包，读取后不可变
type Package struct {
	name      string
	data      []byte
	entries   []Entry
	sourceDir string
}

// Option 打开包时的可选项
type Option func(*Package)

// WithSourceDir 指定反编译后的 smali 源码目录（可选的结构化源码来源）
func WithSourceDir(dir string) Option {
	return func(p *Package) {
		p.sourceDir = dir
	}
}

// Open 从内存字节解析包
func Open(name string, data []byte, opts ...Option) (*Package, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPackage, name, err)
	}

	p := &Package{
		name:    name,
		data:    data,
		entries: make([]Entry, 0, len(reader.File)),
	}
	for _, opt := range opts {
		opt(p)
	}

	// 保持中央目录顺序，"第一个 .dex" 依赖该顺序
	for _, f := range reader.File {
		offset, err := f.DataOffset()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: entry %q: %v", ErrMalformedPackage, name, f.Name, err)
		}
		p.entries = append(p.entries, Entry{
			Name:             f.Name,
			Offset:           offset,
			CompressedSize:   f.CompressedSize64,
			UncompressedSize: f.UncompressedSize64,
			file:             f,
		})
	}

	return p, nil
}

// OpenFile 读取磁盘上的包
func OpenFile(path string, opts ...Option) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package: %w", err)
	}
	return Open(filepath.Base(path), data, opts...)
}

// Name 包文件名
func (p *Package) Name() string {
	return p.name
}

// Bytes 原始字节（调用方不得修改）
func (p *Package) Bytes() []byte {
	return p.data
}

// Size 包大小（字节）
func (p *Package) Size() int64 {
	return int64(len(p.data))
}

// SHA256 包内容的十六进制 SHA256
func (p *Package) SHA256() string {
	sum := sha256.Sum256(p.data)
	return fmt.Sprintf("%x", sum)
}

// SourceDir 结构化源码目录，未设置时为空
func (p *Package) SourceDir() string {
	return p.sourceDir
}

// Entries 条目表（中央目录顺序）
func (p *Package) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// FirstEntryWithSuffix 按中央目录顺序返回第一个以 suffix 结尾的条目
func (p *Package) FirstEntryWithSuffix(suffix string) (Entry, bool) {
	for _, e := range p.entries {
		if strings.HasSuffix(e.Name, suffix) {
			return e, true
		}
	}
	return Entry{}, false
}

// ReadEntry 按名称读取并解压条目
func (p *Package) ReadEntry(name string) ([]byte, error) {
	for _, e := range p.entries {
		if e.Name == name {
			return p.ReadFile(e)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

// ReadFile 解压条目内容
func (p *Package) ReadFile(e Entry) ([]byte, error) {
	if e.file == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, e.Name)
	}
	if e.UncompressedSize > maxEntrySize {
		return nil, fmt.Errorf("%w: entry %q exceeds %d bytes", ErrMalformedPackage, e.Name, maxEntrySize)
	}

	rc, err := e.file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open entry %q: %v", ErrMalformedPackage, e.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read entry %q: %v", ErrMalformedPackage, e.Name, err)
	}
	return data, nil
}

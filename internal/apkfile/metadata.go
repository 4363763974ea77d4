package apkfile

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shogo82148/androidbinary"
)

const (
	manifestEntry = "AndroidManifest.xml"
	smaliSuffix   = ".smali"
)

// SourceUnit 一个 smali 源码单元
type SourceUnit struct {
	Name string
	Text string
}

// StructuralMetadata 清单文本 + smali 源码单元
// 只有包结构有效（清单可解析）时才存在
type StructuralMetadata struct {
	Manifest string
	Sources  []SourceUnit
}

// Structure 解析结构化元数据；包无效时返回 nil（不是错误）
func (p *Package) Structure() *StructuralMetadata {
	raw, err := p.ReadEntry(manifestEntry)
	if err != nil {
		return nil
	}

	manifest, err := DecodeManifest(raw)
	if err != nil {
		return nil
	}

	meta := &StructuralMetadata{Manifest: manifest}

	// smali 只来自反编译目录，包内同名条目不参与
	if p.sourceDir != "" {
		meta.Sources = append(meta.Sources, readSourceDir(p.sourceDir)...)
	}

	return meta
}

// DecodeManifest 将 AndroidManifest.xml 转为 XML 文本
// 支持二进制 AXML 与纯文本 XML 两种形式
func DecodeManifest(raw []byte) (string, error) {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf")), " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return decodeText(trimmed), nil
	}

	xmlFile, err := androidbinary.NewXMLFile(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse binary manifest: %w", err)
	}

	text, err := io.ReadAll(xmlFile.Reader())
	if err != nil {
		return "", fmt.Errorf("failed to read decoded manifest: %w", err)
	}
	return string(text), nil
}

// readSourceDir 递归读取目录下的 .smali 文件（按路径字典序）
func readSourceDir(dir string) []SourceUnit {
	var units []SourceUnit
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// 目录不存在或不可读时视为没有源码
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), smaliSuffix) {
			return nil
		}
		data, err := readLimited(path)
		if err != nil {
			return nil
		}
		units = append(units, SourceUnit{Name: path, Text: decodeText(data)})
		return nil
	})
	return units
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxEntrySize))
}

// decodeText 按 UTF-8 解码，丢弃非法字节
func decodeText(data []byte) string {
	return strings.ToValidUTF8(string(data), "")
}

package features

import (
	"html"
	"strings"
	"unicode"

	"github.com/apk-analysis/apk-rgb-go/internal/apkfile"
	"github.com/glaslos/tlsh"
	"github.com/microcosm-cc/bluemonday"
)

// NullDigest TLSH 在输入过短或方差不足时的确定性输出
const NullDigest = "TNULL"

const (
	digestVersion  = "T1"
	minDigestInput = 50
)

// markupPolicy 去掉全部标签，只保留文本；构造后可并发使用
var markupPolicy = bluemonday.StrictPolicy()

// SourceTokens smali 文本按空白切分，只保留字母数字 token 并转小写
func SourceTokens(text string) []string {
	var tokens []string
	for _, word := range strings.Fields(text) {
		if isAlnum(word) {
			tokens = append(tokens, strings.ToLower(word))
		}
	}
	return tokens
}

// ManifestTokens 去掉 XML 标签后按空白切分
func ManifestTokens(manifest string) []string {
	text := html.UnescapeString(markupPolicy.Sanitize(manifest))
	return strings.Fields(text)
}

func isAlnum(word string) bool {
	if word == "" {
		return false
	}
	for _, r := range word {
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			return false
		}
	}
	return true
}

// FuzzyDigest 对 token 拼接结果计算 TLSH，输出 "T1" + 大写十六进制。
// 输入不足 minDigestInput 字节或桶分布不满足 validBuckets 时返回 NullDigest。
func FuzzyDigest(tokens []string) string {
	data := []byte(strings.Join(tokens, ""))
	if len(data) < minDigestInput || !validBuckets(data) {
		return NullDigest
	}
	h, err := tlsh.HashBytes(data)
	if err != nil || h == nil {
		return NullDigest
	}
	return digestVersion + strings.ToUpper(h.String())
}

// StructureDigest digest(smali) + digest(manifest)；meta 为 nil 时两组 token 都为空
func StructureDigest(meta *apkfile.StructuralMetadata) string {
	var sourceTokens, manifestTokens []string
	if meta != nil {
		for _, unit := range meta.Sources {
			sourceTokens = append(sourceTokens, SourceTokens(unit.Text)...)
		}
		manifestTokens = ManifestTokens(meta.Manifest)
	}
	return FuzzyDigest(sourceTokens) + FuzzyDigest(manifestTokens)
}

// GrayscaleFromDigest 把摘要字符平铺到 rows×cols：cell(i,j) = D[j mod len(D)]
// cols <= 0 时取摘要长度。摘要是 ASCII，字节值即字符序号。
func GrayscaleFromDigest(digest string, rows, cols int) (*Matrix, error) {
	if digest == "" {
		return nil, channelError(ChannelFuzzyHash, ReasonDigestEmpty, nil)
	}
	if cols <= 0 {
		cols = len(digest)
	}

	out := NewMatrix(rows, cols)
	if rows == 0 {
		return out, nil
	}
	first := out.Row(0)
	for j := range first {
		first[j] = digest[j%len(digest)]
	}
	for i := 1; i < rows; i++ {
		copy(out.Row(i), first)
	}
	return out, nil
}

// FuzzyHashChannel 结构化元数据 → 摘要 → dims×dims 灰度图（列方向循环平铺到 dims）
func FuzzyHashChannel(meta *apkfile.StructuralMetadata, dims int) (*Matrix, string, error) {
	digest := StructureDigest(meta)
	m, err := GrayscaleFromDigest(digest, dims, dims)
	if err != nil {
		return nil, digest, err
	}
	return m, digest, nil
}

package classifier

import (
	"errors"

	"github.com/apk-analysis/apk-rgb-go/internal/domain"
)

// ErrEmptyPrediction 模型没有返回任何概率
var ErrEmptyPrediction = errors.New("empty prediction vector")

// ransomwareIndex 模型输出中勒索软件类别的位置
const ransomwareIndex = 1

// Decision 分类结论
type Decision struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// Decide argmax 为 1 判为 Ransomware，否则 Benign；置信度取最大概率
// 多个最大值并列时取下标最小的一个
func Decide(probabilities []float64) (Decision, error) {
	if len(probabilities) == 0 {
		return Decision{}, ErrEmptyPrediction
	}

	best := 0
	for i, p := range probabilities {
		if p > probabilities[best] {
			best = i
		}
	}

	class := domain.ClassBenign
	if best == ransomwareIndex {
		class = domain.ClassRansomware
	}
	return Decision{Class: class, Probability: probabilities[best]}, nil
}

package analysis

import (
	"fmt"

	"github.com/Hara602/duckguard/internal/model"
)

// Thresholds 硬规则和辅助说明的阈值
type Thresholds struct {
	Speed       float64 // keys/sec，达到即判定 ducky
	Keys        int     // 一个采集窗口 (5s) 的按键数
	ErrorRate   float64
	CommandRate float64
	KeywordRate float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Speed:       100,
		Keys:        100 * 5,
		ErrorRate:   0.02,
		CommandRate: 0.20,
		KeywordRate: 0.10,
	}
}

// Predictor 训练好的统计模型
type Predictor interface {
	Predict(x []float64) (model.Classification, float64)
}

// Classifier 模型在启动时加载一次，之后只读
type Classifier struct {
	th    Thresholds
	model Predictor
}

// NewClassifier m 为 nil 时只有硬规则生效
func NewClassifier(th Thresholds, m Predictor) *Classifier {
	return &Classifier{th: th, model: m}
}

func (c *Classifier) Classify(f *FeatureVector) (model.Verdict, error) {
	return Classify(f, c.model, c.th)
}

// Classify 先走可解释的硬规则，再交给模型
// 没有模型且没有命中硬规则时返回空分类和 ErrModelUnavailable，调用方不能当作 HUMAN
func Classify(f *FeatureVector, m Predictor, th Thresholds) (model.Verdict, error) {
	if f.AvgKeysPerSecond >= th.Speed {
		return model.Verdict{
			Classification:    model.ClassDucky,
			ConfidencePercent: 100,
			Reasons:           []string{fmt.Sprintf("extreme typing speed (%.2f keys/sec)", f.AvgKeysPerSecond)},
		}, nil
	}
	if f.TerminalTriggered {
		return model.Verdict{
			Classification:    model.ClassDucky,
			ConfidencePercent: 100,
			Reasons:           []string{"terminal-open sequence detected"},
		}, nil
	}
	if m == nil {
		return model.Verdict{}, model.ErrModelUnavailable
	}

	class, confidence := m.Predict(f.Vector())
	v := model.Verdict{Classification: class, ConfidencePercent: confidence}
	if class != model.ClassDucky {
		return v, nil
	}
	if f.TotalKeys > th.Keys {
		v.Reasons = append(v.Reasons, fmt.Sprintf("high number of keys (%d)", f.TotalKeys))
	}
	if f.ErrorRate < th.ErrorRate {
		v.Reasons = append(v.Reasons, fmt.Sprintf("very low error rate (%.2f%%)", f.ErrorRate*100))
	}
	if f.CommandRate > th.CommandRate {
		v.Reasons = append(v.Reasons, fmt.Sprintf("high command rate (%.2f%%)", f.CommandRate*100))
	}
	if f.KeywordRate > th.KeywordRate {
		v.Reasons = append(v.Reasons, fmt.Sprintf("high keyword rate (%.2f%%)", f.KeywordRate*100))
	}
	if len(v.Reasons) == 0 {
		v.Reasons = []string{"statistical-model classification"}
	}
	return v, nil
}

package model

// Classification 分类结果
type Classification string

const (
	ClassNone  Classification = "" // 无法判定
	ClassHuman Classification = "HUMAN"
	ClassDucky Classification = "USB_DUCKY"
)

// Verdict 一次分析的结论，只用于驱动状态迁移，不落库
type Verdict struct {
	Classification    Classification
	ConfidencePercent float64
	Reasons           []string
}

func (v Verdict) IsDucky() bool { return v.Classification == ClassDucky }

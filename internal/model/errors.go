package model

import "errors"

var (
	// ErrInsufficientSignal 采集窗口太短，无法提取特征
	ErrInsufficientSignal = errors.New("insufficient keystroke signal")
	// ErrModelUnavailable 没有模型且没有命中硬规则
	ErrModelUnavailable = errors.New("classifier model unavailable")
	// ErrEnforcementUnavailable 阻断后端缺失或权限不足
	ErrEnforcementUnavailable = errors.New("enforcement backend unavailable")
	// ErrNotFound 设备 id 不存在
	ErrNotFound = errors.New("device not found")
	// ErrMalformedIdentity vid/pid 不是十六进制
	ErrMalformedIdentity = errors.New("malformed device identity")
	// ErrCaptureUnavailable 没有可读的输入设备
	ErrCaptureUnavailable = errors.New("keystroke capture unavailable")
)

// Package capture 采集一个固定时长的按键窗口
package capture

import (
	"context"
	"sort"
	"time"

	"github.com/Hara602/duckguard/internal/analysis"
	"github.com/Hara602/duckguard/internal/config"
	"github.com/Hara602/duckguard/internal/model"
)

// Capturer 阻塞 d 时长后返回窗口内的按键
// 没有可读的输入设备时返回 model.ErrCaptureUnavailable
type Capturer interface {
	Capture(ctx context.Context, dev model.USBDevice, d time.Duration) (analysis.KeystrokeWindow, error)
}

func New(cfg config.CaptureConfig) Capturer {
	return newCapturer(cfg)
}

// merge 多个输入节点的按键按时间排序合并
func merge(windows ...analysis.KeystrokeWindow) analysis.KeystrokeWindow {
	var out analysis.KeystrokeWindow
	for _, w := range windows {
		out = append(out, w...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

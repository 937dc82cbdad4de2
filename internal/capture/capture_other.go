//go:build !linux

package capture

import (
	"context"
	"time"

	"github.com/Hara602/duckguard/internal/analysis"
	"github.com/Hara602/duckguard/internal/config"
	"github.com/Hara602/duckguard/internal/model"
)

// TODO: Windows 下用 Raw Input 按设备句柄采集
type unsupportedCapturer struct{}

func newCapturer(config.CaptureConfig) Capturer { return unsupportedCapturer{} }

func (unsupportedCapturer) Capture(ctx context.Context, dev model.USBDevice, d time.Duration) (analysis.KeystrokeWindow, error) {
	return nil, model.ErrCaptureUnavailable
}

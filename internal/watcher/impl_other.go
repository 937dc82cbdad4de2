//go:build !linux

package watcher

import (
	"context"

	"github.com/Hara602/duckguard/internal/model"
)

// TODO: 用 SetupDiGetClassDevs 枚举 USB 设备
type winWatcher struct{}

func newWatcher() DeviceWatcher { return &winWatcher{} }

func (w *winWatcher) Enumerate(ctx context.Context) ([]model.USBDevice, error) { return nil, nil }

func (w *winWatcher) Hints(ctx context.Context) (<-chan model.USBEvent, error) { return nil, nil }

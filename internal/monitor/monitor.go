// Package monitor 轮询 USB 设备列表，和上一次的结果做差集，产生插入/拔出事件
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/Hara602/duckguard/internal/metrics"
	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/sysutil"
	"github.com/Hara602/duckguard/internal/watcher"
	"go.uber.org/zap"
)

// Handler 插拔事件的处理方，OnAttach 可能阻塞一个采集周期
type Handler interface {
	OnAttach(ctx context.Context, key model.DeviceKey, dev model.USBDevice)
	OnDetach(ctx context.Context, key model.DeviceKey)
}

type Options struct {
	PollInterval    time.Duration
	AnalyzeExisting bool // 启动时已插入的设备也当作新设备
	Hints           bool // 收到 uevent 立即轮询
}

// Loop 只在自己的 goroutine 里访问 seen，不需要加锁
type Loop struct {
	w         watcher.DeviceWatcher
	handler   Handler
	opts      Options
	seen      map[model.DeviceKey]model.USBDevice
	seeded    bool
	malformed map[string]bool
}

func New(w watcher.DeviceWatcher, h Handler, opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Loop{
		w:         w,
		handler:   h,
		opts:      opts,
		seen:      map[model.DeviceKey]model.USBDevice{},
		seeded:    opts.AnalyzeExisting,
		malformed: map[string]bool{},
	}
}

// Serve 实现 suture.Service，直到 ctx 取消
func (l *Loop) Serve(ctx context.Context) error {
	sysutil.Log.Info("🔄 USB monitoring active", zap.Duration("interval", l.opts.PollInterval))

	var hints <-chan model.USBEvent
	if l.opts.Hints {
		ch, err := l.w.Hints(ctx)
		if err != nil {
			sysutil.Log.Warn("⚠️ hotplug hints unavailable, polling only", zap.Error(err))
		}
		hints = ch
	}

	l.Tick(ctx)
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sysutil.Log.Info("⏹ USB monitoring stopped")
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		case ev, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			sysutil.Log.Debug("hotplug hint", zap.String("action", ev.Action), zap.String("path", ev.Device.SysPath))
			l.Tick(ctx)
			ticker.Reset(l.opts.PollInterval)
		}
	}
}

func (l *Loop) String() string { return "usb-monitor" }

// Tick 一次轮询：枚举出错时跳过本轮，seen 保持不变
func (l *Loop) Tick(ctx context.Context) {
	devs, err := l.w.Enumerate(ctx)
	if err != nil {
		sysutil.Log.Warn("⚠️ device enumeration failed", zap.Error(err))
		return
	}
	current := l.normalize(devs)

	if !l.seeded {
		l.seen = current
		l.seeded = true
		metrics.AttachedDevices.Set(float64(len(l.seen)))
		sysutil.Log.Info("device(s) already connected, waiting for new devices", zap.Int("count", len(l.seen)))
		return
	}

	for _, key := range sortedKeys(current) {
		if _, ok := l.seen[key]; ok {
			continue
		}
		dev := current[key]
		l.seen[key] = dev
		sysutil.Log.Info("📱 device attached",
			zap.String("vid", key.VendorID),
			zap.String("pid", key.ProductID),
			zap.String("serial", key.Serial),
			zap.String("product", dev.Product),
			zap.String("type", dev.Kind))
		if dev.Kind == model.KindComposite {
			sysutil.Log.Warn("🚨 POTENTIAL BADUSB DETECTED", zap.String("device", key.String()))
		}
		l.handler.OnAttach(ctx, key, dev)
	}

	for _, key := range sortedKeys(l.seen) {
		if _, ok := current[key]; ok {
			continue
		}
		delete(l.seen, key)
		sysutil.Log.Info("🔌 device removed", zap.String("device", key.String()))
		l.handler.OnDetach(ctx, key)
	}
	metrics.AttachedDevices.Set(float64(len(l.seen)))
}

// normalize 身份不合法的设备跳过，插着期间只警告一次；拔出后从 malformed 中移除
func (l *Loop) normalize(devs []model.USBDevice) map[model.DeviceKey]model.USBDevice {
	current := make(map[model.DeviceKey]model.USBDevice, len(devs))
	present := map[string]bool{}
	for _, d := range devs {
		key, err := model.NewDeviceKey(d.VendorID, d.ProductID, d.Serial)
		if err != nil {
			id := d.SysPath + "|" + d.VendorID + ":" + d.ProductID
			present[id] = true
			if !l.malformed[id] {
				l.malformed[id] = true
				sysutil.Log.Warn("skipping device with malformed identity", zap.String("path", d.SysPath), zap.Error(err))
			}
			continue
		}
		current[key] = d
	}
	for id := range l.malformed {
		if !present[id] {
			delete(l.malformed, id)
		}
	}
	return current
}

// Seen 当前已知设备数
func (l *Loop) Seen() int { return len(l.seen) }

func sortedKeys(m map[model.DeviceKey]model.USBDevice) []model.DeviceKey {
	keys := make([]model.DeviceKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

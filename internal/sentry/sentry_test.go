package sentry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/duckguard/internal/analysis"
	"github.com/Hara602/duckguard/internal/config"
	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/registry"
)

type fakeGateway struct {
	mu      sync.Mutex
	blocked []string
	allowed []string
}

func (g *fakeGateway) Block(vid, pid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked = append(g.blocked, vid+":"+pid)
	return true
}

func (g *fakeGateway) Allow(vid, pid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed = append(g.allowed, vid+":"+pid)
	return true
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) blocks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.blocked...)
}

type fakeCapturer struct {
	window  analysis.KeystrokeWindow
	byVID   map[string]analysis.KeystrokeWindow // 按设备返回不同窗口，未命中用 window
	err     error
	release chan struct{} // 非 nil 时 Capture 阻塞到关闭
	calls   atomic.Int32
}

func (c *fakeCapturer) Capture(ctx context.Context, dev model.USBDevice, d time.Duration) (analysis.KeystrokeWindow, error) {
	c.calls.Add(1)
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if w, ok := c.byVID[dev.VendorID]; ok {
		return w, c.err
	}
	return c.window, c.err
}

type fakePredictor struct {
	class model.Classification
}

func (p fakePredictor) Predict(x []float64) (model.Classification, float64) { return p.class, 87.5 }

func typed(interval float64, keys ...string) analysis.KeystrokeWindow {
	w := make(analysis.KeystrokeWindow, 0, len(keys))
	for i, k := range keys {
		w = append(w, analysis.Keystroke{Timestamp: float64(i) * interval, Key: k})
	}
	return w
}

func fastWindow() analysis.KeystrokeWindow {
	keys := make([]string, 200)
	for i := range keys {
		keys[i] = "a"
	}
	return typed(0.001, keys...)
}

func humanWindow() analysis.KeystrokeWindow {
	return typed(0.2, "h", "e", "l", "l", "o", "Key.backspace", "o")
}

type fixture struct {
	svc  *Service
	reg  *registry.Registry
	gw   *fakeGateway
	capt *fakeCapturer
}

func newFixture(t *testing.T, opts Options, p analysis.Predictor) *fixture {
	t.Helper()
	gw := &fakeGateway{}
	reg, err := registry.Open(filepath.Join(t.TempDir(), "usb_devices.db"), time.Second, gw)
	require.NoError(t, err)
	if opts.MinKeys == 0 {
		opts.MinKeys = 5
	}
	cp := &fakeCapturer{}
	svc := NewService(opts, reg, analysis.NewClassifier(analysis.DefaultThresholds(), p), cp)
	t.Cleanup(func() { svc.Close() })
	return &fixture{svc: svc, reg: reg, gw: gw, capt: cp}
}

var (
	duckyDev = model.USBDevice{VendorID: "05ac", ProductID: "0221", Kind: model.KindHID}
	duckyKey = model.DeviceKey{VendorID: "05AC", ProductID: "0221", Serial: model.NoSerial}
)

func (f *fixture) device(t *testing.T) model.Device {
	t.Helper()
	d, err := f.reg.Lookup(context.Background(), duckyKey)
	require.NoError(t, err)
	return d
}

func TestFastTypingBlocksDevice(t *testing.T) {
	f := newFixture(t, Options{}, fakePredictor{class: model.ClassHuman})
	f.capt.window = fastWindow()

	f.svc.OnAttach(context.Background(), duckyKey, duckyDev)

	d := f.device(t)
	assert.Equal(t, model.AdmissionBlocked, d.Admission)
	assert.Equal(t, model.ThreatHigh, d.Threat)
	assert.Equal(t, []string{"05AC:0221"}, f.gw.blocks())
}

func TestHumanTypingStaysUnknown(t *testing.T) {
	f := newFixture(t, Options{}, fakePredictor{class: model.ClassHuman})
	f.capt.window = humanWindow()

	f.svc.OnAttach(context.Background(), duckyKey, duckyDev)

	d := f.device(t)
	assert.Equal(t, model.AdmissionUnknown, d.Admission)
	assert.Equal(t, model.ThreatLow, d.Threat)
	assert.Empty(t, f.gw.blocks())
}

func TestTooFewKeysIsNotAVerdict(t *testing.T) {
	f := newFixture(t, Options{}, fakePredictor{class: model.ClassDucky})
	ctx := context.Background()
	res, err := f.reg.Observe(ctx, "05ac", "0221", "")
	require.NoError(t, err)

	for _, w := range []analysis.KeystrokeWindow{nil, typed(0.1, "a"), typed(0.1, "a", "b", "c")} {
		f.capt.window = w
		_, err = f.svc.Analyze(ctx, res.Device, duckyDev)
		assert.ErrorIs(t, err, model.ErrInsufficientSignal)
	}

	d := f.device(t)
	assert.Equal(t, model.AdmissionUnknown, d.Admission)
	assert.Equal(t, model.ThreatUnknown, d.Threat)
}

func TestCaptureFailureLeavesDeviceUnknown(t *testing.T) {
	f := newFixture(t, Options{}, fakePredictor{class: model.ClassDucky})
	f.capt.err = model.ErrCaptureUnavailable

	f.svc.OnAttach(context.Background(), duckyKey, duckyDev)

	d := f.device(t)
	assert.Equal(t, model.AdmissionUnknown, d.Admission)
	assert.Equal(t, model.ThreatUnknown, d.Threat)
}

func TestNoModelNoVerdict(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.capt.window = humanWindow()
	ctx := context.Background()
	res, err := f.reg.Observe(ctx, "05ac", "0221", "")
	require.NoError(t, err)

	_, err = f.svc.Analyze(ctx, res.Device, duckyDev)
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
	assert.Equal(t, model.ThreatUnknown, f.device(t).Threat)

	// 硬规则不依赖模型
	f.capt.window = fastWindow()
	v, err := f.svc.Analyze(ctx, res.Device, duckyDev)
	require.NoError(t, err)
	assert.True(t, v.IsDucky())
	assert.Equal(t, model.AdmissionBlocked, f.device(t).Admission)
}

func TestKnownDevicesAreNotAnalyzed(t *testing.T) {
	f := newFixture(t, Options{}, fakePredictor{class: model.ClassDucky})
	ctx := context.Background()
	res, err := f.reg.Observe(ctx, "05ac", "0221", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.AdminAction(ctx, res.Device.ID, model.ActionAllow))

	f.svc.OnAttach(ctx, duckyKey, duckyDev)
	assert.Zero(t, f.capt.calls.Load())
	assert.Equal(t, model.AdmissionWhitelisted, f.device(t).Admission)
}

func TestUnknownDeviceReanalyzedOnReattach(t *testing.T) {
	f := newFixture(t, Options{}, fakePredictor{class: model.ClassHuman})
	f.capt.window = humanWindow()
	ctx := context.Background()

	f.svc.OnAttach(ctx, duckyKey, duckyDev)
	f.svc.OnAttach(ctx, duckyKey, duckyDev)
	assert.EqualValues(t, 2, f.capt.calls.Load())

	devs, err := f.svc.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devs, 1)
}

func TestConcurrentAttachAnalyzesOnce(t *testing.T) {
	f := newFixture(t, Options{Async: true}, fakePredictor{class: model.ClassHuman})
	f.capt.window = fastWindow()
	f.capt.release = make(chan struct{})
	ctx := context.Background()

	f.svc.OnAttach(ctx, duckyKey, duckyDev)
	require.Eventually(t, func() bool { return f.capt.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.svc.OnAttach(ctx, duckyKey, duckyDev)
	time.Sleep(50 * time.Millisecond) // 让第二次分析进入 singleflight

	close(f.capt.release)
	require.Eventually(t, func() bool { return len(f.gw.blocks()) == 1 }, time.Second, 5*time.Millisecond)
	f.svc.wg.Wait()

	assert.EqualValues(t, 1, f.capt.calls.Load())
	assert.Equal(t, model.AdmissionBlocked, f.device(t).Admission)
}

func TestAdminActionDuringCaptureWins(t *testing.T) {
	f := newFixture(t, Options{Async: true}, fakePredictor{class: model.ClassHuman})
	f.capt.window = fastWindow()
	f.capt.release = make(chan struct{})
	ctx := context.Background()

	f.svc.OnAttach(ctx, duckyKey, duckyDev)
	require.Eventually(t, func() bool { return f.capt.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.svc.AdminAction(ctx, f.device(t).ID, model.ActionAllow))

	close(f.capt.release)
	f.svc.wg.Wait()

	assert.Equal(t, model.AdmissionWhitelisted, f.device(t).Admission)
	assert.Empty(t, f.gw.blocks())
}

// 一串设备先插入占满速率，排在后面的 ducky 仍然要被分析和阻断
func TestRateLimitDelaysButNeverDrops(t *testing.T) {
	f := newFixture(t, Options{MaxPerMinute: 1200}, fakePredictor{class: model.ClassHuman})
	f.svc.limiter.SetBurst(1) // 每 50ms 一次
	f.capt.window = humanWindow()
	f.capt.byVID = map[string]analysis.KeystrokeWindow{duckyDev.VendorID: fastWindow()}
	ctx := context.Background()

	start := time.Now()
	for i := 1; i <= 6; i++ {
		vid := fmt.Sprintf("%04X", 0x1000+i)
		f.svc.OnAttach(ctx,
			model.DeviceKey{VendorID: vid, ProductID: "0001", Serial: model.NoSerial},
			model.USBDevice{VendorID: vid, ProductID: "0001", Kind: model.KindHID})
	}
	f.svc.OnAttach(ctx, duckyKey, duckyDev)

	assert.EqualValues(t, 7, f.capt.calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	d := f.device(t)
	assert.Equal(t, model.AdmissionBlocked, d.Admission)
	assert.Equal(t, model.ThreatHigh, d.Threat)
	assert.Equal(t, []string{"05AC:0221"}, f.gw.blocks())
}

func TestRateLimitWaitStopsOnShutdown(t *testing.T) {
	f := newFixture(t, Options{MaxPerMinute: 1}, fakePredictor{class: model.ClassHuman})
	f.capt.window = humanWindow()
	ctx := context.Background()
	res, err := f.reg.Observe(ctx, "05ac", "0221", "")
	require.NoError(t, err)

	_, err = f.svc.Analyze(ctx, res.Device, duckyDev)
	require.NoError(t, err)

	stopped, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.svc.Analyze(stopped, res.Device, duckyDev)
	assert.True(t, errors.Is(err, errRateLimited))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, f.capt.calls.Load())
	assert.Equal(t, model.AdmissionUnknown, f.device(t).Admission)
}

func TestAdminActionUnknownID(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	err := f.svc.AdminAction(context.Background(), 42, model.ActionBlock)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	th := Thresholds(cfg.Classifier)
	assert.Equal(t, analysis.DefaultThresholds(), th)

	p := TrainingParams(cfg.Model)
	assert.Equal(t, cfg.Model.Trees, p.Forest.Trees)
	assert.Equal(t, cfg.Model.MaxDepth, p.Forest.MaxDepth)
	assert.Equal(t, cfg.Model.Seed, p.Forest.Seed)
}

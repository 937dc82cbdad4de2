// Package sentry 检测流水线：设备出现 -> 登记 -> 采集按键 -> 分类 -> 状态迁移/阻断
package sentry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hara602/duckguard/internal/analysis"
	"github.com/Hara602/duckguard/internal/capture"
	"github.com/Hara602/duckguard/internal/config"
	"github.com/Hara602/duckguard/internal/enforcer"
	"github.com/Hara602/duckguard/internal/metrics"
	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/registry"
	"github.com/Hara602/duckguard/internal/sysutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("gave up waiting for analysis rate limit")

type Options struct {
	CaptureDuration time.Duration
	MinKeys         int
	MaxPerMinute    int  // 0 表示不限速；超出时等待而不是跳过
	Async           bool // 分析放到 goroutine，轮询不阻塞
}

// Service 持有数据库、模型、采集器，启动时创建一次，退出时 Close
type Service struct {
	opts     Options
	reg      *registry.Registry
	clf      *analysis.Classifier
	capturer capture.Capturer
	limiter  *rate.Limiter
	inflight singleflight.Group
	wg       sync.WaitGroup
}

// New 按配置组装完整的服务；没有持久化模型时同步训练
func New(cfg *config.Config) (*Service, error) {
	gw := enforcer.New(cfg.Enforcement)
	reg, err := registry.Open(cfg.Database.Path, cfg.Database.BusyTimeout, gw)
	if err != nil {
		return nil, err
	}

	forest, err := LoadModel(cfg.Model)
	if err != nil {
		reg.Close()
		return nil, err
	}
	clf := analysis.NewClassifier(Thresholds(cfg.Classifier), forest)

	return NewService(Options{
		CaptureDuration: cfg.Capture.Duration,
		MinKeys:         cfg.Capture.MinKeys,
		MaxPerMinute:    cfg.Analysis.MaxPerMinute,
		Async:           cfg.Monitor.AsyncAnalysis,
	}, reg, clf, capture.New(cfg.Capture)), nil
}

// LoadModel 加载模型，不存在则训练并保存；保存失败只告警
func LoadModel(cfg config.ModelConfig) (*analysis.Forest, error) {
	forest, acc, trained, err := analysis.LoadOrTrain(cfg.Path, TrainingParams(cfg))
	if forest == nil {
		return nil, fmt.Errorf("load model %s: %w", cfg.Path, err)
	}
	if trained {
		sysutil.Log.Info("🧠 trained new classifier model",
			zap.String("path", cfg.Path),
			zap.Int("trees", len(forest.Trees)),
			zap.Float64("test_accuracy", acc))
	} else {
		sysutil.Log.Info("✅ classifier model loaded", zap.String("path", cfg.Path))
	}
	if err != nil {
		sysutil.Log.Warn("⚠️ could not persist trained model", zap.Error(err))
	}
	return forest, nil
}

func TrainingParams(cfg config.ModelConfig) analysis.TrainingParams {
	p := analysis.DefaultTrainingParams()
	p.Forest.Trees = cfg.Trees
	p.Forest.MaxDepth = cfg.MaxDepth
	p.Forest.Seed = cfg.Seed
	return p
}

func Thresholds(cfg config.ClassifierConfig) analysis.Thresholds {
	return analysis.Thresholds{
		Speed:       cfg.SpeedThreshold,
		Keys:        cfg.KeysThreshold,
		ErrorRate:   cfg.ErrorRateThreshold,
		CommandRate: cfg.CommandRateThreshold,
		KeywordRate: cfg.KeywordRateThreshold,
	}
}

func NewService(opts Options, reg *registry.Registry, clf *analysis.Classifier, cp capture.Capturer) *Service {
	limit := rate.Inf
	burst := 1
	if opts.MaxPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.MaxPerMinute))
		burst = opts.MaxPerMinute
	}
	return &Service{
		opts:     opts,
		reg:      reg,
		clf:      clf,
		capturer: cp,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// OnAttach 登记设备；新设备或仍为 unknown 的设备触发分析
func (s *Service) OnAttach(ctx context.Context, key model.DeviceKey, dev model.USBDevice) {
	res, err := s.reg.Observe(ctx, key.VendorID, key.ProductID, key.Serial)
	if err != nil {
		sysutil.Log.Error("failed to record device", zap.String("device", key.String()), zap.Error(err))
		return
	}
	d := res.Device
	if res.IsNew {
		sysutil.Log.Info("🆕 new device inserted into database", zap.Int64("id", d.ID))
	} else {
		sysutil.Log.Info("✅ existing device detected", zap.Int64("id", d.ID), zap.String("state", string(d.Admission)))
	}
	if !s.reg.RequiresAnalysis(d) {
		sysutil.Log.Info("skipping analysis", zap.Int64("id", d.ID), zap.String("state", string(d.Admission)))
		return
	}

	if !s.opts.Async {
		s.Analyze(ctx, d, dev)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Analyze(ctx, d, dev)
	}()
}

func (s *Service) OnDetach(ctx context.Context, key model.DeviceKey) {
	sysutil.Log.Debug("device detached", zap.String("device", key.String()))
}

// Analyze 同一设备同时只会有一次分析，并发调用者共享结果
func (s *Service) Analyze(ctx context.Context, d model.Device, dev model.USBDevice) (model.Verdict, error) {
	v, err, shared := s.inflight.Do(d.Key.String(), func() (any, error) {
		return s.analyze(ctx, d, dev)
	})
	if shared {
		sysutil.Log.Debug("joined in-flight analysis", zap.String("device", d.Key.String()))
	}
	verdict, _ := v.(model.Verdict)
	return verdict, err
}

func (s *Service) analyze(ctx context.Context, d model.Device, dev model.USBDevice) (model.Verdict, error) {
	// 超出速率时排队等待，不丢弃；只有退出时才放弃
	if s.opts.MaxPerMinute > 0 && s.limiter.Tokens() < 1 {
		sysutil.Log.Info("⏳ analysis rate limited, waiting", zap.String("device", d.Key.String()))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		sysutil.Log.Warn("analysis abandoned while rate limited, device remains unknown",
			zap.String("device", d.Key.String()), zap.Error(err))
		metrics.RecordAnalysis(metrics.OutcomeRateLimited, 0)
		return model.Verdict{}, fmt.Errorf("%w: %w", errRateLimited, err)
	}

	log := sysutil.Log.With(zap.String("run", uuid.NewString()), zap.String("device", d.Key.String()))
	log.Info("🤖 starting keystroke analysis", zap.Duration("window", s.opts.CaptureDuration))
	start := time.Now()

	window, err := s.capturer.Capture(ctx, dev, s.opts.CaptureDuration)
	if err != nil {
		log.Warn("⚠️ keystroke capture failed, device remains unknown", zap.Error(err))
		metrics.RecordAnalysis(metrics.OutcomeCaptureFailed, time.Since(start))
		return model.Verdict{}, err
	}

	f, err := analysis.Extract(window)
	if err != nil || f.TotalKeys < s.opts.MinKeys {
		log.Info("⌨️ normal USB detected (too few keystrokes), device remains unknown for manual review",
			zap.Int("keys", len(window)))
		metrics.RecordAnalysis(metrics.OutcomeInsufficient, time.Since(start))
		return model.Verdict{}, model.ErrInsufficientSignal
	}

	v, err := s.clf.Classify(f)
	if err != nil {
		log.Warn("⚠️ no verdict, device remains unknown", zap.Error(err))
		metrics.RecordAnalysis(metrics.OutcomeModelUnavailable, time.Since(start))
		return v, err
	}
	log.Info("📊 analysis result",
		zap.String("classification", string(v.Classification)),
		zap.Float64("confidence", v.ConfidencePercent),
		zap.Float64("keys_per_sec", f.AvgKeysPerSecond),
		zap.Float64("error_rate", f.ErrorRate),
		zap.Float64("command_rate", f.CommandRate),
		zap.Float64("keyword_rate", f.KeywordRate),
		zap.Strings("reasons", v.Reasons))

	applied, err := s.reg.ApplyVerdict(ctx, d, v)
	if err != nil {
		log.Error("failed to store verdict", zap.Error(err))
		return v, err
	}

	outcome := metrics.OutcomeHuman
	switch {
	case !applied:
		outcome = metrics.OutcomeSuperseded
		log.Info("verdict discarded, device state changed during capture")
	case v.IsDucky():
		outcome = metrics.OutcomeDucky
		log.Warn("🚨 THREAT DETECTED, device blocked")
	default:
		log.Info("✅ normal USB/driver detected, device remains unknown for manual review")
	}
	metrics.RecordAnalysis(outcome, time.Since(start))
	return v, nil
}

// AdminAction 管理员 allow/block/remove
func (s *Service) AdminAction(ctx context.Context, id int64, action model.AdminAction) error {
	return s.reg.ApplyAdminAction(ctx, id, action)
}

func (s *Service) Devices(ctx context.Context) ([]model.Device, error) {
	return s.reg.List(ctx)
}

// Close 等待后台分析结束后关闭数据库
func (s *Service) Close() error {
	s.wg.Wait()
	return s.reg.Close()
}

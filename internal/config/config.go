// Package config 加载 agent 配置：默认值 -> YAML 文件 -> 环境变量
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Database    DatabaseConfig    `koanf:"database"`
	Model       ModelConfig       `koanf:"model"`
	Monitor     MonitorConfig     `koanf:"monitor"`
	Capture     CaptureConfig     `koanf:"capture"`
	Analysis    AnalysisConfig    `koanf:"analysis"`
	Classifier  ClassifierConfig  `koanf:"classifier"`
	Enforcement EnforcementConfig `koanf:"enforcement"`
	Logging     LoggingConfig     `koanf:"logging"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

type DatabaseConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

type ModelConfig struct {
	Path     string `koanf:"path"`
	Trees    int    `koanf:"trees"`
	MaxDepth int    `koanf:"max_depth"`
	Seed     uint64 `koanf:"seed"`
}

type MonitorConfig struct {
	PollInterval    time.Duration `koanf:"poll_interval"`
	AnalyzeExisting bool          `koanf:"analyze_existing"` // 启动时已插入的设备是否也走分析
	HotplugHints    bool          `koanf:"hotplug_hints"`    // 监听 uevent，插拔时立即轮询
	AsyncAnalysis   bool          `koanf:"async_analysis"`   // 分析放到 goroutine，轮询不阻塞
}

type CaptureConfig struct {
	Duration time.Duration `koanf:"duration"`
	MinKeys  int           `koanf:"min_keys"`
	// 为空时自动查找键盘 (/proc/bus/input/devices)
	Devices []string `koanf:"devices"`
}

type AnalysisConfig struct {
	MaxPerMinute int `koanf:"max_per_minute"` // 0 关闭；超出速率的分析排队等待
}

type ClassifierConfig struct {
	SpeedThreshold       float64 `koanf:"speed_threshold"`        // keys/sec
	KeysThreshold        int     `koanf:"keys_threshold"`         // keys per capture window
	ErrorRateThreshold   float64 `koanf:"error_rate_threshold"`   // 低于此值可疑
	CommandRateThreshold float64 `koanf:"command_rate_threshold"` // 高于此值可疑
	KeywordRateThreshold float64 `koanf:"keyword_rate_threshold"` // 高于此值可疑
}

type EnforcementConfig struct {
	Backend    string `koanf:"backend"` // auto, sysfs, devcon, none
	SysfsRoot  string `koanf:"sysfs_root"`
	RulesDir   string `koanf:"rules_dir"`
	DevconPath string `koanf:"devcon_path"`

	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

type MetricsConfig struct {
	Listen string `koanf:"listen"` // 为空则不暴露 /metrics
}

func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "/var/lib/duckguard/usb_devices.db",
			BusyTimeout: 5 * time.Second,
		},
		Model: ModelConfig{
			Path:     "/var/lib/duckguard/ducky_model.json.gz",
			Trees:    100,
			MaxDepth: 10,
			Seed:     42,
		},
		Monitor: MonitorConfig{
			PollInterval:    time.Second,
			AnalyzeExisting: false,
			HotplugHints:    true,
			AsyncAnalysis:   false,
		},
		Capture: CaptureConfig{
			Duration: 5 * time.Second,
			MinKeys:  5,
		},
		Analysis: AnalysisConfig{
			MaxPerMinute: 0,
		},
		Classifier: ClassifierConfig{
			SpeedThreshold:       100,
			KeysThreshold:        500,
			ErrorRateThreshold:   0.02,
			CommandRateThreshold: 0.20,
			KeywordRateThreshold: 0.10,
		},
		Enforcement: EnforcementConfig{
			Backend:         "auto",
			SysfsRoot:       "/sys/bus/usb/devices",
			RulesDir:        "/etc/udev/rules.d",
			BreakerFailures: 5,
			BreakerTimeout:  time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Model.Path == "" {
		return fmt.Errorf("model.path is required")
	}
	if c.Model.Trees <= 0 || c.Model.MaxDepth <= 0 {
		return fmt.Errorf("model.trees and model.max_depth must be positive")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive, got %s", c.Monitor.PollInterval)
	}
	if c.Capture.Duration <= 0 {
		return fmt.Errorf("capture.duration must be positive, got %s", c.Capture.Duration)
	}
	if c.Capture.MinKeys < 2 {
		return fmt.Errorf("capture.min_keys must be at least 2, got %d", c.Capture.MinKeys)
	}
	if c.Analysis.MaxPerMinute < 0 {
		return fmt.Errorf("analysis.max_per_minute must not be negative")
	}
	if c.Classifier.SpeedThreshold <= 0 || c.Classifier.KeysThreshold <= 0 {
		return fmt.Errorf("classifier thresholds must be positive")
	}
	switch c.Enforcement.Backend {
	case "auto", "sysfs", "devcon", "none":
	default:
		return fmt.Errorf("enforcement.backend %q is not one of auto, sysfs, devcon, none", c.Enforcement.Backend)
	}
	return nil
}

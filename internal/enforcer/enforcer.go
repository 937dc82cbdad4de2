// Package enforcer 把准入决定落到操作系统的阻断机制上
package enforcer

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/Hara602/duckguard/internal/config"
	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/sysutil"
	"go.uber.org/zap"
)

const (
	BackendSysfs  = "sysfs"
	BackendDevcon = "devcon"
	BackendNone   = "none"
)

// Gateway 阻断/放行一个 vid:pid
// 预期内的失败 (权限不足、工具缺失) 只记录日志并返回 false，不会 panic
type Gateway interface {
	Block(vid, pid string) bool
	Allow(vid, pid string) bool
	Name() string
}

// Runner 执行外部命令并返回合并输出
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// New 按配置选择后端，并套上熔断器
func New(cfg config.EnforcementConfig) Gateway {
	backend := cfg.Backend
	if backend == "" || backend == "auto" {
		backend = autoBackend(runtime.GOOS, cfg.SysfsRoot)
	}

	var gw Gateway
	switch backend {
	case BackendSysfs:
		gw = NewSysfs(cfg.SysfsRoot, cfg.RulesDir, execRunner)
	case BackendDevcon:
		gw = NewDevcon(cfg.DevconPath, execRunner)
	default:
		gw = None{}
	}
	sysutil.Log.Info("🧱 enforcement backend selected", zap.String("backend", gw.Name()))
	return WithBreaker(gw, cfg.BreakerFailures, cfg.BreakerTimeout)
}

func autoBackend(goos, sysfsRoot string) string {
	switch goos {
	case "windows":
		return BackendDevcon
	case "linux":
		if AuthorizationSupported(sysfsRoot) {
			return BackendSysfs
		}
		sysutil.Log.Warn("⚠️ USB authorization not supported on this system", zap.String("root", sysfsRoot))
	}
	return BackendNone
}

// AuthorizationSupported 至少一个 USB 设备暴露了 authorized 属性
func AuthorizationSupported(root string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if _, err := os.Stat(filepath.Join(root, e.Name(), "authorized")); err == nil {
			return true
		}
	}
	return false
}

// None 没有可用后端时使用，只记录决定
type None struct{}

func (None) Name() string { return BackendNone }

func (None) Block(vid, pid string) bool {
	sysutil.Log.Warn("⚠️ cannot physically block device",
		zap.String("vid", vid), zap.String("pid", pid), zap.Error(model.ErrEnforcementUnavailable))
	return false
}

func (None) Allow(vid, pid string) bool {
	sysutil.Log.Warn("⚠️ cannot physically allow device",
		zap.String("vid", vid), zap.String("pid", pid), zap.Error(model.ErrEnforcementUnavailable))
	return false
}

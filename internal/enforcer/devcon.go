package enforcer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/sysutil"
	"go.uber.org/zap"
)

// Devcon Windows 后端，调用 devcon disable/enable
type Devcon struct {
	path string
	run  Runner
}

// NewDevcon path 为空时自动查找 devcon
func NewDevcon(path string, run Runner) *Devcon {
	if path == "" {
		path = FindDevcon()
	}
	return &Devcon{path: path, run: run}
}

// FindDevcon 先找可执行文件同目录，再找 PATH
func FindDevcon() string {
	if exe, err := os.Executable(); err == nil {
		local := filepath.Join(filepath.Dir(exe), "devcon.exe")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	for _, name := range []string{"devcon.exe", "devcon"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func (d *Devcon) Name() string { return BackendDevcon }

func (d *Devcon) Block(vid, pid string) bool { return d.invoke("disable", vid, pid) }

func (d *Devcon) Allow(vid, pid string) bool { return d.invoke("enable", vid, pid) }

// devconPattern 硬件 ID 匹配模式 USB\VID_xxxx&PID_xxxx
func devconPattern(vid, pid string) string {
	return fmt.Sprintf(`USB\VID_%s&PID_%s`, strings.ToUpper(vid), strings.ToUpper(pid))
}

func (d *Devcon) invoke(verb, vid, pid string) bool {
	pattern := devconPattern(vid, pid)
	if d.path == "" {
		sysutil.Log.Warn("❌ devcon.exe not found, place it beside the agent or on PATH",
			zap.String("pattern", pattern), zap.Error(model.ErrEnforcementUnavailable))
		return false
	}
	out, err := d.run(d.path, verb, pattern)
	if err != nil {
		sysutil.Log.Warn("❌ devcon failed",
			zap.String("verb", verb),
			zap.String("pattern", pattern),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
		return false
	}
	sysutil.Log.Info("✅ devcon applied", zap.String("verb", verb), zap.String("pattern", pattern))
	return true
}

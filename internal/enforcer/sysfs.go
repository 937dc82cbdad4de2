package enforcer

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Hara602/duckguard/internal/sysutil"
	"go.uber.org/zap"
)

// Sysfs Linux 后端：udev 规则持久阻断 + 写 authorized 立即生效
type Sysfs struct {
	root     string // /sys/bus/usb/devices
	rulesDir string // /etc/udev/rules.d
	run      Runner
	isRoot   func() bool
}

func NewSysfs(root, rulesDir string, run Runner) *Sysfs {
	return &Sysfs{root: root, rulesDir: rulesDir, run: run, isRoot: sysutil.IsRoot}
}

func (s *Sysfs) Name() string { return BackendSysfs }

// DeviceStatus 当前插入的匹配设备及其授权情况
type DeviceStatus struct {
	Connected       bool
	Authorized      bool
	Count           int
	AuthorizedCount int
	RulePresent     bool // udev 阻断规则文件存在
}

func ruleFileName(vid, pid string) string {
	return fmt.Sprintf("99-usb-block-%s-%s.rules", vid, pid)
}

func blockRule(vid, pid string) string {
	return fmt.Sprintf("# Block USB device VID=%s PID=%s\n"+
		"# Created by duckguard\n"+
		"ACTION==\"add\", SUBSYSTEMS==\"usb\", ATTRS{idVendor}==\"%s\", ATTRS{idProduct}==\"%s\", ATTR{authorized}=\"0\"\n",
		vid, pid, vid, pid)
}

// Block 写阻断规则，然后禁用所有已插入的匹配设备
// 有设备被禁用即返回 true，否则返回规则是否写成功
func (s *Sysfs) Block(vid, pid string) bool {
	vid, pid = strings.ToLower(vid), strings.ToLower(pid)
	log := sysutil.Log.With(zap.String("vid", vid), zap.String("pid", pid))
	log.Info("🔒 blocking USB device")

	ruleOK := s.writeRule(log, vid, pid)
	if ruleOK {
		log.Info("✅ udev block rule created (persists across reboots)")
	} else {
		log.Warn("⚠️ could not create udev rule, blocking may not persist")
	}
	return s.authorize(log, vid, pid, false, ruleOK)
}

// Allow 删除阻断规则，然后重新授权已插入的匹配设备
func (s *Sysfs) Allow(vid, pid string) bool {
	vid, pid = strings.ToLower(vid), strings.ToLower(pid)
	log := sysutil.Log.With(zap.String("vid", vid), zap.String("pid", pid))
	log.Info("🔓 allowing USB device")

	ruleOK := s.removeRule(log, vid, pid)
	if ruleOK {
		log.Info("✅ udev block rule removed")
	} else {
		log.Info("ℹ️ no block rule removed")
	}
	return s.authorize(log, vid, pid, true, ruleOK)
}

// Status 查询匹配设备的连接与授权状态
func (s *Sysfs) Status(vid, pid string) DeviceStatus {
	paths := s.findDevices(strings.ToLower(vid), strings.ToLower(pid))
	st := DeviceStatus{Connected: len(paths) > 0, Count: len(paths)}
	for _, p := range paths {
		if readAttr(filepath.Join(p, "authorized")) == "1" {
			st.AuthorizedCount++
		}
	}
	st.Authorized = st.AuthorizedCount > 0
	_, err := os.Stat(filepath.Join(s.rulesDir, ruleFileName(strings.ToLower(vid), strings.ToLower(pid))))
	st.RulePresent = err == nil
	return st
}

func (s *Sysfs) writeRule(log *zap.Logger, vid, pid string) bool {
	if !s.isRoot() {
		log.Warn("⚠️ not running as root, cannot create udev rule")
		return false
	}
	path := filepath.Join(s.rulesDir, ruleFileName(vid, pid))
	if err := os.WriteFile(path, []byte(blockRule(vid, pid)), 0o644); err != nil {
		log.Warn("⚠️ error creating udev rule", zap.String("path", path), zap.Error(err))
		return false
	}
	return s.reloadUdev(log)
}

func (s *Sysfs) removeRule(log *zap.Logger, vid, pid string) bool {
	if !s.isRoot() {
		log.Warn("⚠️ not running as root, cannot remove udev rule")
		return false
	}
	path := filepath.Join(s.rulesDir, ruleFileName(vid, pid))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("⚠️ error removing udev rule", zap.String("path", path), zap.Error(err))
		return false
	}
	return s.reloadUdev(log)
}

// reloadUdev 只有 udevadm 不存在才算失败，其余错误记录后继续
func (s *Sysfs) reloadUdev(log *zap.Logger) bool {
	for _, args := range [][]string{
		{"control", "--reload-rules"},
		{"trigger", "--subsystem-match=usb"},
	} {
		out, err := s.run("udevadm", args...)
		if errors.Is(err, exec.ErrNotFound) {
			log.Warn("⚠️ udevadm not found, install the udev package")
			return false
		}
		if err != nil {
			log.Warn("udevadm failed",
				zap.Strings("args", args),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err))
		}
	}
	return true
}

func (s *Sysfs) authorize(log *zap.Logger, vid, pid string, allow bool, ruleOK bool) bool {
	paths := s.findDevices(vid, pid)
	if len(paths) == 0 {
		log.Info("ℹ️ no matching device currently connected, rule applies on next plug-in")
		return ruleOK
	}

	value := []byte("0")
	if allow {
		value = []byte("1")
	}
	toggled := 0
	for _, p := range paths {
		attr := filepath.Join(p, "authorized")
		if _, err := os.Stat(attr); err != nil {
			log.Warn("⚠️ device has no authorized attribute", zap.String("device", filepath.Base(p)))
			continue
		}
		if err := os.WriteFile(attr, value, 0o644); err != nil {
			log.Warn("⚠️ could not toggle device", zap.String("device", filepath.Base(p)), zap.Error(err))
			continue
		}
		toggled++
		log.Info("✅ device toggled", zap.String("device", filepath.Base(p)), zap.Bool("authorized", allow))
	}
	if toggled > 0 && toggled < len(paths) {
		log.Warn("⚠️ partial enforcement", zap.Int("toggled", toggled), zap.Int("matched", len(paths)))
	}
	if toggled > 0 {
		return true
	}
	return ruleOK
}

// findDevices 遍历 sysfs 根目录，vid/pid 已是小写
func (s *Sysfs) findDevices(vid, pid string) []string {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		dir := filepath.Join(s.root, e.Name())
		if strings.ToLower(readAttr(filepath.Join(dir, "idVendor"))) != vid {
			continue
		}
		if strings.ToLower(readAttr(filepath.Join(dir, "idProduct"))) != pid {
			continue
		}
		paths = append(paths, dir)
	}
	return paths
}

func readAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

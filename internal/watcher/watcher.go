package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/duckguard/internal/analysis"
	"github.com/Hara602/duckguard/internal/model"
)

// DeviceWatcher 定义接口
type DeviceWatcher interface {
	// Enumerate 返回当前插入的所有 USB 设备 (未归一化)
	Enumerate(ctx context.Context) ([]model.USBDevice, error)
	// Hints 内核插拔事件，只作为提前轮询的信号
	Hints(ctx context.Context) (<-chan model.USBEvent, error)
}

func New() DeviceWatcher {
	return newWatcher()
}

// isUSBDevice 只关心 USB 设备本身，不要接口和 hub 端口
func isUSBDevice(env map[string]string) bool {
	return env["DEVTYPE"] == "usb_device"
}

// deviceFromSysfs 从 USB 设备根目录读取身份信息
func deviceFromSysfs(sysPath string) model.USBDevice {
	return model.USBDevice{
		VendorID:  readFile(filepath.Join(sysPath, "idVendor")),
		ProductID: readFile(filepath.Join(sysPath, "idProduct")),
		Serial:    readFile(filepath.Join(sysPath, "serial")),
		Product:   readFile(filepath.Join(sysPath, "product")),
		SysPath:   sysPath,
		Kind:      analysis.InterfaceKind(sysPath),
	}
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// sysPathOf crawler/netlink 给出的 kobject 路径转成 /sys 下的绝对路径
func sysPathOf(kobj string) string {
	if strings.HasPrefix(kobj, "/sys/") {
		return kobj
	}
	return filepath.Join("/sys", kobj)
}

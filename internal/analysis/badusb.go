package analysis

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/duckguard/internal/model"
)

const (
	classHID     = "03"
	classStorage = "08"
)

// InterfaceKind 根据 sysfs 下各接口的 bInterfaceClass 判断设备类型
// 同时拥有 08(存储) 和 03(HID) 接口的设备判定为 BadUSB 嫌疑 (composite)
func InterfaceKind(sysPath string) string {
	files, err := os.ReadDir(sysPath)
	if err != nil {
		return model.KindOther
	}
	hasStorage := false
	hasHID := false
	for _, f := range files {
		// 遍历接口目录，例如 1-1:1.0
		if !strings.Contains(f.Name(), ":") {
			continue
		}
		content, _ := os.ReadFile(filepath.Join(sysPath, f.Name(), "bInterfaceClass"))
		switch strings.TrimSpace(string(content)) {
		case classHID:
			hasHID = true
		case classStorage:
			hasStorage = true
		}
	}
	switch {
	case hasStorage && hasHID:
		return model.KindComposite
	case hasHID:
		return model.KindHID
	case hasStorage:
		return model.KindStorage
	}
	return model.KindOther
}

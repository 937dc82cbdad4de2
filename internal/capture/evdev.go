package capture

import (
	"bufio"
	"encoding/binary"
	"io"
	"path/filepath"
	"strings"

	"github.com/Hara602/duckguard/internal/analysis"
)

// input_event 在 64 位平台上的布局：timeval(16) + type(2) + code(2) + value(4)
const inputEventSize = 24

const (
	evKey     = 1
	keyUp     = 0
	keyPress  = 1
	keyRepeat = 2
)

type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

func parseEvent(buf []byte) inputEvent {
	return inputEvent{
		Sec:   int64(binary.LittleEndian.Uint64(buf[0:8])),
		Usec:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		Type:  binary.LittleEndian.Uint16(buf[16:18]),
		Code:  binary.LittleEndian.Uint16(buf[18:20]),
		Value: int32(binary.LittleEndian.Uint32(buf[20:24])),
	}
}

func (e inputEvent) seconds() float64 {
	return float64(e.Sec) + float64(e.Usec)/1e6
}

// decoder 单个输入节点的状态：只记录按下事件，跟踪 shift
type decoder struct {
	shift map[uint16]bool
}

func newDecoder() *decoder {
	return &decoder{shift: map[uint16]bool{}}
}

func (d *decoder) feed(e inputEvent) (analysis.Keystroke, bool) {
	if e.Type != evKey {
		return analysis.Keystroke{}, false
	}
	if e.Code == codeLeftShift || e.Code == codeRightShift {
		d.shift[e.Code] = e.Value != keyUp
	}
	// 自动重复不算一次新的按键
	if e.Value != keyPress {
		return analysis.Keystroke{}, false
	}
	label, ok := KeyLabel(e.Code, d.shift[codeLeftShift] || d.shift[codeRightShift])
	if !ok {
		return analysis.Keystroke{}, false
	}
	return analysis.Keystroke{Timestamp: e.seconds(), Key: label}, true
}

// decodeAll 解析一段原始事件流，末尾不完整的事件丢弃
func (d *decoder) decodeAll(buf []byte) analysis.KeystrokeWindow {
	var out analysis.KeystrokeWindow
	for off := 0; off+inputEventSize <= len(buf); off += inputEventSize {
		if k, ok := d.feed(parseEvent(buf[off : off+inputEventSize])); ok {
			out = append(out, k)
		}
	}
	return out
}

// inputDevice /proc/bus/input/devices 中的一个键盘
type inputDevice struct {
	Name  string
	Sysfs string // 以 /sys 开头的绝对路径
	Event string // /dev/input/eventN
}

// parseInputDevices 解析 /proc/bus/input/devices，只保留带 kbd handler 的节点
func parseInputDevices(r io.Reader) []inputDevice {
	var (
		devices []inputDevice
		cur     inputDevice
		kbd     bool
	)
	flush := func() {
		if kbd && cur.Event != "" {
			devices = append(devices, cur)
		}
		cur, kbd = inputDevice{}, false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "N: Name="):
			cur.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "S: Sysfs="):
			cur.Sysfs = "/sys" + strings.TrimPrefix(line, "S: Sysfs=")
		case strings.HasPrefix(line, "H: Handlers="):
			for _, h := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if h == "kbd" {
					kbd = true
				}
				if strings.HasPrefix(h, "event") {
					cur.Event = "/dev/input/" + h
				}
			}
		}
	}
	flush()
	return devices
}

// selectNodes 优先使用挂在该 USB 设备下的键盘节点，否则返回全部键盘
func selectNodes(keyboards []inputDevice, usbSysPath string) (nodes []string, own bool) {
	if usbSysPath != "" {
		prefix := filepath.Clean(usbSysPath) + "/"
		for _, k := range keyboards {
			if strings.HasPrefix(k.Sysfs, prefix) {
				nodes = append(nodes, k.Event)
			}
		}
		if len(nodes) > 0 {
			return nodes, true
		}
	}
	for _, k := range keyboards {
		nodes = append(nodes, k.Event)
	}
	return nodes, false
}

//go:build linux

package capture

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Hara602/duckguard/internal/analysis"
	"github.com/Hara602/duckguard/internal/config"
	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/sysutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const procInputDevices = "/proc/bus/input/devices"

// evdevCapturer 直接读 /dev/input/eventN，需要 root 或 input 组
type evdevCapturer struct {
	devices []string      // 配置中固定的节点，为空时自动查找
	settle  time.Duration // 等待新设备的输入节点出现
}

func newCapturer(cfg config.CaptureConfig) Capturer {
	return &evdevCapturer{devices: cfg.Devices, settle: 500 * time.Millisecond}
}

func readKeyboards() []inputDevice {
	f, err := os.Open(procInputDevices)
	if err != nil {
		return nil
	}
	defer f.Close()
	return parseInputDevices(f)
}

// nodes 新插入的 HID 设备注册输入节点有延迟，短暂等待它出现
func (c *evdevCapturer) nodes(ctx context.Context, dev model.USBDevice) []string {
	if len(c.devices) > 0 {
		return c.devices
	}
	deadline := time.Now().Add(c.settle)
	for {
		nodes, own := selectNodes(readKeyboards(), dev.SysPath)
		if own {
			sysutil.Log.Debug("capturing from device's own input nodes", zap.Strings("nodes", nodes))
			return nodes
		}
		if time.Now().After(deadline) {
			sysutil.Log.Debug("device has no input node, capturing from all keyboards", zap.Strings("nodes", nodes))
			return nodes
		}
		select {
		case <-ctx.Done():
			return nodes
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *evdevCapturer) Capture(ctx context.Context, dev model.USBDevice, d time.Duration) (analysis.KeystrokeWindow, error) {
	nodes := c.nodes(ctx, dev)

	var (
		fds      []unix.PollFd
		decoders []*decoder
	)
	for _, n := range nodes {
		fd, err := unix.Open(n, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			sysutil.Log.Debug("cannot open input node", zap.String("node", n), zap.Error(err))
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		decoders = append(decoders, newDecoder())
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("no readable keyboard among %v: %w", nodes, model.ErrCaptureUnavailable)
	}
	defer func() {
		for _, p := range fds {
			if p.Fd >= 0 {
				unix.Close(int(p.Fd))
			}
		}
	}()

	windows := make([]analysis.KeystrokeWindow, len(fds))
	buf := make([]byte, inputEventSize*64)
	deadline := time.Now().Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timeout := max(1, int(min(remaining, 100*time.Millisecond).Milliseconds()))
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll input devices: %w", err)
		}
		if n == 0 {
			continue
		}
		for i := range fds {
			if fds[i].Fd < 0 {
				continue
			}
			if fds[i].Revents&unix.POLLIN != 0 {
				windows[i] = append(windows[i], drain(int(fds[i].Fd), buf, decoders[i])...)
			}
			// 设备被拔出，poll 会忽略负数 fd
			if fds[i].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				unix.Close(int(fds[i].Fd))
				fds[i].Fd = -1
			}
		}
	}
	return merge(windows...), nil
}

// drain 读到 EAGAIN 为止，缓冲区按整数个事件大小分配
func drain(fd int, buf []byte, dec *decoder) analysis.KeystrokeWindow {
	var out analysis.KeystrokeWindow
	for {
		n, err := unix.Read(fd, buf)
		if err != nil || n <= 0 {
			return out
		}
		out = append(out, dec.decodeAll(buf[:n])...)
		if n < len(buf) {
			return out
		}
	}
}

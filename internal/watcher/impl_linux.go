//go:build linux

package watcher

import (
	"context"
	"time"

	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/sysutil"
	"github.com/pilebones/go-udev/crawler"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

type linuxWatcher struct{}

func newWatcher() DeviceWatcher {
	return &linuxWatcher{}
}

// Enumerate 遍历 /sys/devices 下的 uevent，保留 DEVTYPE=usb_device
func (w *linuxWatcher) Enumerate(ctx context.Context) ([]model.USBDevice, error) {
	queue := make(chan crawler.Device)
	errs := make(chan error, 1)
	quit := crawler.ExistingDevices(queue, errs, nil)

	var devices []model.USBDevice
	for {
		select {
		case <-ctx.Done():
			abort(quit, queue)
			return nil, ctx.Err()
		case err := <-errs:
			abort(quit, queue)
			return nil, err
		case dev, ok := <-queue:
			if !ok {
				// 遍历出错时 crawler 先写 errs 再关闭队列
				select {
				case err := <-errs:
					return nil, err
				default:
				}
				return devices, nil
			}
			if !isUSBDevice(dev.Env) {
				continue
			}
			devices = append(devices, deviceFromSysfs(sysPathOf(dev.KObj)))
		}
	}
}

// abort 通知 crawler 停止，并排空队列让它的 goroutine 退出
func abort(quit chan struct{}, queue chan crawler.Device) {
	close(quit)
	go func() {
		for range queue {
		}
	}()
}

// Hints 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
func (w *linuxWatcher) Hints(ctx context.Context) (<-chan model.USBEvent, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	// 创建一个队列用于接收事件
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	events := make(chan model.USBEvent, 10)
	go func() {
		// 确保退出时关闭连接
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				// 发送退出信号给 Monitor
				close(quit)
				return

			case err := <-errChan:
				// 忽略底层网络错误，继续尝试
				sysutil.Log.Debug("uevent monitor error", zap.Error(err))
				continue

			case uevent := <-queue:
				ev, ok := toUSBEvent(uevent)
				if !ok {
					continue
				}
				// 轮询会补上被丢弃的提示
				select {
				case events <- ev:
				default:
				}
			}
		}
	}()
	return events, nil
}

func toUSBEvent(uevent netlink.UEvent) (model.USBEvent, bool) {
	if uevent.Env["SUBSYSTEM"] != "usb" || !isUSBDevice(uevent.Env) {
		return model.USBEvent{}, false
	}
	action := string(uevent.Action)
	if action != "add" && action != "remove" {
		return model.USBEvent{}, false
	}
	return model.USBEvent{
		Action:    action,
		Device:    model.USBDevice{SysPath: sysPathOf(uevent.KObj)},
		TimeStamp: time.Now(),
	}, true
}

package model

import "time"

// USBDevice 枚举器返回的原始设备信息 (未归一化)
type USBDevice struct {
	VendorID  string
	ProductID string
	Serial    string
	Product   string
	SysPath   string // e.g., /sys/devices/pci0000:00/.../1-1
	Kind      string // "hid", "storage", "composite", "other"
}

// USBEvent 硬件插拔事件
type USBEvent struct {
	Action    string // "add", "remove"
	Key       DeviceKey
	Device    USBDevice
	TimeStamp time.Time
}

const (
	KindHID       = "hid"
	KindStorage   = "storage"
	KindComposite = "composite" // HID + 存储，BadUSB 嫌疑
	KindOther     = "other"
)

package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// NoSerial 无序列号设备的占位符
const NoSerial = "NoSerial"

// AdmissionState 设备准入状态 (持久化)
type AdmissionState string

const (
	AdmissionUnknown     AdmissionState = "unknown"
	AdmissionWhitelisted AdmissionState = "whitelisted"
	AdmissionBlocked     AdmissionState = "blocked"
)

// ThreatLevel 分类器给出的威胁等级 (建议性质)
type ThreatLevel string

const (
	ThreatUnknown ThreatLevel = "unknown"
	ThreatLow     ThreatLevel = "low"
	ThreatHigh    ThreatLevel = "high"
)

// DeviceKey 设备身份键 (vid, pid, serial)，已归一化，可直接作为 map 键
type DeviceKey struct {
	VendorID  string
	ProductID string
	Serial    string
}

func (k DeviceKey) String() string {
	return k.VendorID + ":" + k.ProductID + ":" + k.Serial
}

// NewDeviceKey 归一化身份键
// vid/pid 必须是十六进制，否则返回 ErrMalformedIdentity
func NewDeviceKey(vid, pid, serial string) (DeviceKey, error) {
	v, err := NormalizeHexID(vid)
	if err != nil {
		return DeviceKey{}, fmt.Errorf("vendor id %q: %w", vid, err)
	}
	p, err := NormalizeHexID(pid)
	if err != nil {
		return DeviceKey{}, fmt.Errorf("product id %q: %w", pid, err)
	}
	return DeviceKey{VendorID: v, ProductID: p, Serial: NormalizeSerial(serial)}, nil
}

// NormalizeHexID "0x781" -> "0781"
func NormalizeHexID(id string) (string, error) {
	s := strings.TrimSpace(id)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if s == "" || len(s) > 4 {
		return "", ErrMalformedIdentity
	}
	for _, c := range s {
		if !isHex(c) {
			return "", ErrMalformedIdentity
		}
	}
	s = strings.ToUpper(s)
	for len(s) < 4 {
		s = "0" + s
	}
	return s, nil
}

// NormalizeSerial 去除不可打印字符；空串变为 NoSerial
func NormalizeSerial(serial string) string {
	s := strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, serial)
	s = strings.TrimSpace(s)
	if s == "" {
		return NoSerial
	}
	return s
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Device 注册表中的一行
type Device struct {
	ID        int64
	Key       DeviceKey
	Admission AdmissionState
	Threat    ThreatLevel
	LastSeen  time.Time
}

// AdminAction 管理员操作
type AdminAction string

const (
	ActionAllow  AdminAction = "allow"
	ActionBlock  AdminAction = "block"
	ActionRemove AdminAction = "remove"
)

func ParseAdminAction(s string) (AdminAction, error) {
	switch a := AdminAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAllow, ActionBlock, ActionRemove:
		return a, nil
	}
	return "", fmt.Errorf("invalid action %q", s)
}

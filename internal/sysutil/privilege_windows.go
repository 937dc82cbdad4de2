//go:build windows

package sysutil

import "golang.org/x/sys/windows"

// IsRoot 当前进程是否以管理员身份运行
func IsRoot() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

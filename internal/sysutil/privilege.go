//go:build !windows

package sysutil

import "golang.org/x/sys/unix"

// IsRoot 写 udev 规则和 /dev/input 都需要 root
func IsRoot() bool {
	return unix.Geteuid() == 0
}

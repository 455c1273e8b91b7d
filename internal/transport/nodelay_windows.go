// File: internal/transport/nodelay_windows.go
//go:build windows

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "golang.org/x/sys/windows"

func setNoDelayFD(fd uintptr, noDelay bool) error {
	v := 0
	if noDelay {
		v = 1
	}
	return windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_TCP, windows.TCP_NODELAY, v)
}

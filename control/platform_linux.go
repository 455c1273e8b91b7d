//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific debug probes.

package control

import "os"

func registerPlatformProbes(dp *DebugProbes) {
	// every WebSocket holds one descriptor
	dp.RegisterProbe("process.open_fds", func() any {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			return -1
		}
		return len(entries)
	})
}

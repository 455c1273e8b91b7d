// control/probes.go
// Author: momentics <momentics@gmail.com>

package control

import "runtime"

// RegisterRuntimeProbes adds Go runtime and platform probes to dp.
func RegisterRuntimeProbes(dp *DebugProbes) {
	dp.RegisterProbe("runtime.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	dp.RegisterProbe("runtime.cpus", func() any {
		return runtime.NumCPU()
	})
	registerPlatformProbes(dp)
}

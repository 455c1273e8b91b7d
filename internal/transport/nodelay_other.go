//go:build !unix && !windows

package transport

import "github.com/momentics/hioload-bridge/api"

// setNoDelayFD defers to net.TCPConn.SetNoDelay on platforms without x/sys support.
func setNoDelayFD(uintptr, bool) error {
	return api.ErrNotSupported
}

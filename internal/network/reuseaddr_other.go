//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns a plain ListenConfig on platforms without a
// dedicated implementation.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}

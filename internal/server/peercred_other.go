// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package server

import "net"

func peerCredentials(net.Conn) (uid, pid int, ok bool) {
	return 0, 0, false
}

//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerPID reads the connecting process id from SO_PEERCRED.
func peerPID(conn net.Conn) (int32, bool) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return 0, false
	}
	return cred.Pid, true
}

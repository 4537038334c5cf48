//go:build linux

package remote

import (
	"net"

	"github.com/danmuck/hwbinder/internal/binder"
	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED from a unix socket peer.
func peerCredentials(nc net.Conn) (binder.Caller, bool) {
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		return binder.Caller{}, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return binder.Caller{}, false
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil || cred == nil {
		return binder.Caller{}, false
	}
	return binder.Caller{PID: cred.Pid, UID: cred.Uid}, true
}

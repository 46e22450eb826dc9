//go:build unix && !linux

package asyncloop

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a non-blocking close-on-exec pipe for wake-up
// notifications on platforms without eventfd.
func createWakeFd() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return -1, -1, err
		}
		unix.CloseOnExec(fd)
	}
	return fds[0], fds[1], nil
}

// closeWakeFd closes both pipe ends.
func closeWakeFd(readFd, writeFd int) {
	if readFd >= 0 {
		_ = unix.Close(readFd)
	}
	if writeFd >= 0 && writeFd != readFd {
		_ = unix.Close(writeFd)
	}
}

package utils

import (
	"golang.org/x/sys/unix"
)

// PollRead blocks until the fd becomes readable. Sync fds signal completion
// by turning readable, so this is the CPU-side wait primitive for fences.
func PollRead(fd int) error {
	pollFds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

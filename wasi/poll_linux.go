//go:build linux

package wasi

import (
	"time"

	"golang.org/x/sys/unix"
)

func pollHost(fds []hostPollFd, timeout time.Duration) error {
	epoll, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	defer unix.Close(epoll)

	registered := 0
	for i := range fds {
		p := &fds[i]

		var event unix.EpollEvent
		if p.interest&Readable != 0 {
			event.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
		}
		if p.interest&Writable != 0 {
			event.Events |= unix.EPOLLOUT
		}
		event.Events |= unix.EPOLLERR | unix.EPOLLHUP
		event.Fd = int32(i)

		if err := unix.EpollCtl(epoll, unix.EPOLL_CTL_ADD, int(p.fd), &event); err != nil {
			if err == unix.EPERM {
				// The descriptor does not support epoll: it never blocks.
				p.ready = p.interest
			} else {
				p.err = err
			}
			timeout = 0
			continue
		}
		registered++
	}
	if registered == 0 {
		return nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	events := make([]unix.EpollEvent, registered)
	for {
		ms := -1
		switch {
		case timeout == 0:
			ms = 0
		case timeout > 0:
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			ms = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		n, err := unix.EpollWait(epoll, events, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		for _, event := range events[:n] {
			p := &fds[event.Fd]
			if event.Events&unix.EPOLLIN != 0 {
				p.ready |= Readable
			}
			if event.Events&unix.EPOLLOUT != 0 {
				p.ready |= Writable
			}
			if event.Events&unix.EPOLLERR != 0 {
				p.ready |= Error
			}
			if event.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				p.ready |= Hangup
			}
		}
		return nil
	}
}

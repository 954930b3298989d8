//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package wasi

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func pollHost(fds []hostPollFd, timeout time.Duration) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	defer unix.Close(kq)

	byFd := make(map[int]int, len(fds))
	var changes []unix.Kevent_t
	for i := range fds {
		p := &fds[i]
		byFd[int(p.fd)] = i

		if p.interest&Readable != 0 {
			var event unix.Kevent_t
			unix.SetKevent(&event, int(p.fd), unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT)
			changes = append(changes, event)
		}
		if p.interest&Writable != 0 {
			var event unix.Kevent_t
			unix.SetKevent(&event, int(p.fd), unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT)
			changes = append(changes, event)
		}
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	events := make([]unix.Kevent_t, len(changes))
	for {
		var ts *unix.Timespec
		if timeout >= 0 {
			remaining := timeout
			if timeout > 0 {
				if remaining = time.Until(deadline); remaining < 0 {
					remaining = 0
				}
			}
			t := unix.NsecToTimespec(int64(remaining))
			ts = &t
		}

		n, err := unix.Kevent(kq, changes, events, ts)
		if err == unix.EINTR {
			// The changes were applied before the interruption.
			changes = nil
			continue
		}
		if err != nil {
			return err
		}

		for _, event := range events[:n] {
			i, ok := byFd[int(event.Ident)]
			if !ok {
				continue
			}
			p := &fds[i]

			if event.Flags&unix.EV_ERROR != 0 {
				p.err = syscall.Errno(event.Data)
				continue
			}
			switch event.Filter {
			case unix.EVFILT_READ:
				p.ready |= Readable
			case unix.EVFILT_WRITE:
				p.ready |= Writable
			}
			if event.Flags&unix.EV_EOF != 0 {
				p.ready |= Hangup
			}
		}
		return nil
	}
}

// Package epoll implements the reactor's single readiness selector on top
// of the Linux epoll(7) API.
package epoll

import (
	"socks-proxy/internal/domain"

	"golang.org/x/sys/unix"
)

const waitTimeoutMillis = 1000 // spec.md §4.1: selector blocks with a 1s timeout

// LinuxEventLoop drives one epoll instance, used for the listening socket,
// every client and remote socket, and the single UDP DNS socket. Interest
// is level-triggered: a key stays ready for as long as the condition it was
// registered for holds, which is what the backpressure add/remove-interest
// dance in the application layer relies on.
type LinuxEventLoop struct {
	epollFD int
}

// New creates a fresh epoll instance.
func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd}, nil
}

func toEpollMask(events domain.EventType) uint32 {
	var mask uint32
	if events&domain.EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// Run blocks forever, dispatching ready keys to handler. beforeWait, when
// non-nil, runs once per iteration right before the selector blocks — the
// reactor uses it to sweep timed-out DNS queries (spec.md §4.1 step 1).
func (l *LinuxEventLoop) Run(handler domain.EventHandler, beforeWait func()) error {
	events := make([]unix.EpollEvent, 128)
	for {
		if beforeWait != nil {
			beforeWait()
		}

		n, err := unix.EpollWait(l.epollFD, events, waitTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events

			var ev domain.EventType
			if mask&unix.EPOLLIN != 0 {
				ev |= domain.EventRead
			}
			if mask&unix.EPOLLOUT != 0 {
				ev |= domain.EventWrite
			}
			if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				// Surface both directions so the handler's own read/write
				// calls observe the real I/O error and close the session.
				ev |= domain.EventRead | domain.EventWrite
			}

			// Per-session errors are recovered inside handler.HandleEvent and
			// never reach here. A non-nil return means an unrecoverable
			// resource failure on a server socket (e.g. EMFILE on accept),
			// which spec.md §7 requires to propagate to the bootstrap and
			// exit the process rather than re-fire every iteration under
			// level-triggered epoll.
			if err := handler.HandleEvent(fd, ev); err != nil {
				return err
			}
		}
	}
}

func (l *LinuxEventLoop) Stop() {
	unix.Close(l.epollFD)
}

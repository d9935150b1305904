// Package eventfd wraps the eventfd and epoll primitives used to wake the
// goroutines that drain software queues.
package eventfd

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{fd: -1}, err
	}
	return EventFD{fd: fd}, nil
}

// Kick adds one to the counter, waking any waiter.
func (e *EventFD) Kick() error {
	binary.NativeEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter is saturated, a wakeup is already pending.
		return nil
	}
	return err
}

// Drain resets the counter to zero.
func (e *EventFD) Drain() error {
	_, err := unix.Read(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

func (e *EventFD) FD() int {
	return e.fd
}

type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return Epoll{fd: -1}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 4),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits until one of the registered descriptors is readable or the
// timeout passes. A negative timeout waits forever. It returns the ready
// descriptors, which stay valid until the next call.
func (ep *Epoll) Block(timeout time.Duration) ([]int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(ep.fd, ep.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	ready := make([]int, n)
	for i := range n {
		ready[i] = int(ep.events[i].Fd)
	}
	return ready, nil
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}

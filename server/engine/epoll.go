// file with epoll settings and socket creating
// only low level epoll and socket functional
package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	backlog   = 1024 // backlog for listening
	maxEvents = 128
)

// peer gone or socket broken, the conn is closed without reading
const hangup = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP

// Reactor is an epoll instance with one listening socket
type Reactor struct {
	epfd int
	lfd  int
	port int
}

// create listening socket on addr:port and register it,
// port 0 picks a free one, see Port
func NewReactor(addr [4]byte, port int) (*Reactor, error) {
	lfd, err := listenSocket(addr, port)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("epoll_create: %w", err)
	}

	// listener stays level-triggered and is never one-shot
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lfd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(lfd),
	}); err != nil {
		unix.Close(lfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll add listener: %w", err)
	}

	r := &Reactor{epfd: epfd, lfd: lfd, port: port}
	if sa, err := unix.Getsockname(lfd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			r.port = in4.Port
		}
	}
	return r, nil
}

func (r *Reactor) Port() int { return r.port }

func events(ev Event, mode TrigMode) uint32 {
	e := uint32(unix.EPOLLONESHOT | unix.EPOLLRDHUP)
	if ev == EventWrite {
		e |= unix.EPOLLOUT
	} else {
		e |= unix.EPOLLIN
	}
	if mode == EdgeTriggered {
		e |= unix.EPOLLET
	}
	return e
}

// register a new conn fd waiting for input
func (r *Reactor) Add(fd int, mode TrigMode) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events(EventRead, mode),
		Fd:     int32(fd),
	})
}

// one-shot re-arm
func (r *Reactor) Arm(fd int, ev Event, mode TrigMode) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events(ev, mode),
		Fd:     int32(fd),
	})
}

// deregister and close fd
func (r *Reactor) Remove(fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
	if cerr := unix.Close(fd); err == nil {
		err = cerr
	}
	return err
}

// wait up to msec for events, EINTR is not an error
func (r *Reactor) Wait(events []unix.EpollEvent, msec int) (int, error) {
	n, err := unix.EpollWait(r.epfd, events, msec)
	if err == unix.EINTR {
		return 0, nil
	}
	return n, err
}

// accept one pending client, nonblocking; EAGAIN when the queue is empty
func (r *Reactor) Accept() (int, error) {
	nfd, _, err := unix.Accept4(r.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}

func (r *Reactor) IsListener(fd int) bool {
	return fd == r.lfd
}

func (r *Reactor) Close() error {
	err := unix.Close(r.lfd)
	if cerr := unix.Close(r.epfd); err == nil {
		err = cerr
	}
	return err
}

// create new socket, bind and start listening
func listenSocket(addr [4]byte, port int) (int, error) {
	// SOCK_STREAM = TCP
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{ // bind socket to addr:port
		Port: port,
		Addr: addr,
	}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %v:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil { // start listening on addr:port
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

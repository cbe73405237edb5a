//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Ready is a connection the poller reported. Hangup is set when the peer
// went away with nothing left to read.
type Ready struct {
	Conn   net.Conn
	Hangup bool
}

// Poller multiplexes read readiness of idle connections over one epoll
// instance, so a quiet client costs a registered descriptor instead of a
// parked goroutine. It is level-triggered: a connection with unread data is
// reported again on every Wait until it is drained.
type Poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn
	events []unix.EpollEvent
}

// NewPoller creates an epoll instance returning at most batch events per
// Wait.
func NewPoller(batch int) (*Poller, error) {
	if batch <= 0 {
		batch = 128
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, batch),
	}, nil
}

// Add registers conn and returns the connection callers must read from.
// On Linux that is conn itself.
func (p *Poller) Add(conn net.Conn) (net.Conn, error) {
	fd := socketFD(conn)
	if fd < 0 {
		return nil, errors.New("ws: connection has no file descriptor")
	}
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return conn, nil
}

// Remove unregisters conn. Removing an unknown connection is not an error.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	_, ok := p.conns[fd]
	delete(p.conns, fd)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Rearm is a no-op for level-triggered epoll.
func (p *Poller) Rearm(net.Conn) {}

// Wait blocks up to timeout for ready connections. It returns an empty
// batch on timeout or when interrupted by a signal.
func (p *Poller) Wait(timeout time.Duration) ([]Ready, error) {
	n, err := unix.EpollWait(p.fd, p.events, int(timeout.Milliseconds()))
	if errors.Is(err, syscall.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Ready, 0, n)
	for _, ev := range p.events[:n] {
		conn, ok := p.conns[int(ev.Fd)]
		if !ok {
			continue // removed after epoll_wait returned
		}
		gone := ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0
		out = append(out, Ready{Conn: conn, Hangup: gone && ev.Events&unix.EPOLLIN == 0})
	}
	return out, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}

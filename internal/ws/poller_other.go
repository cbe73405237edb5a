//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Ready is a connection the poller reported. Hangup is set when the peer
// went away with nothing left to read.
type Ready struct {
	Conn   net.Conn
	Hangup bool
}

// peekConn lets the poller wait for data without consuming it. Reads go
// through the same buffer the poller peeks into.
type peekConn struct {
	net.Conn
	br    *bufio.Reader
	rearm chan struct{}
	gone  chan struct{}
	once  sync.Once
}

func (c *peekConn) Read(b []byte) (int, error) { return c.br.Read(b) }

// Poller is the portable stand-in for epoll used on development machines:
// one goroutine per connection peeks for the next byte and reports the
// connection once, then waits for Rearm before peeking again.
type Poller struct {
	mu    sync.Mutex
	conns map[net.Conn]*peekConn
	ready chan Ready
	done  chan struct{}
}

// NewPoller creates a poller buffering up to batch readiness reports.
func NewPoller(batch int) (*Poller, error) {
	if batch <= 0 {
		batch = 128
	}
	return &Poller{
		conns: make(map[net.Conn]*peekConn),
		ready: make(chan Ready, batch),
		done:  make(chan struct{}),
	}, nil
}

// Add registers conn and returns the wrapper callers must read from and
// pass to Remove and Rearm.
func (p *Poller) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{
		Conn:  conn,
		br:    bufio.NewReader(conn),
		rearm: make(chan struct{}, 1),
		gone:  make(chan struct{}),
	}
	p.mu.Lock()
	p.conns[pc] = pc
	p.mu.Unlock()
	go p.monitor(pc)
	return pc, nil
}

func (p *Poller) monitor(pc *peekConn) {
	for {
		_, err := pc.br.Peek(1)
		select {
		case p.ready <- Ready{Conn: pc, Hangup: err != nil}:
		case <-pc.gone:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-pc.rearm:
		case <-pc.gone:
			return
		case <-p.done:
			return
		}
	}
}

// Rearm tells the poller the reader is done with conn for now.
func (p *Poller) Rearm(conn net.Conn) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return
	}
	// A deadline left over from the last read would fail the next peek.
	_ = pc.SetReadDeadline(time.Time{})
	select {
	case pc.rearm <- struct{}{}:
	default:
	}
}

// Remove stops watching conn.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	pc, ok := p.conns[conn]
	delete(p.conns, conn)
	p.mu.Unlock()
	if ok {
		pc.once.Do(func() { close(pc.gone) })
	}

	fakeFds.Lock()
	delete(fakeFds.byConn, conn)
	fakeFds.Unlock()
	return nil
}

// Wait blocks up to timeout for the first ready connection, then drains
// whatever else is already queued.
func (p *Poller) Wait(timeout time.Duration) ([]Ready, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []Ready
	select {
	case r := <-p.ready:
		out = append(out, r)
	case <-timer.C:
		return nil, nil
	case <-p.done:
		return nil, net.ErrClosed
	}
	for {
		select {
		case r := <-p.ready:
			out = append(out, r)
		default:
			return out, nil
		}
	}
}

// Close stops every monitor goroutine.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// fakeFds hands out stable per-connection ids so the connection manager's
// fd index works without real descriptors.
var fakeFds = struct {
	sync.Mutex
	byConn map[net.Conn]int
	next   int
}{byConn: make(map[net.Conn]int)}

func socketFD(conn net.Conn) int {
	fakeFds.Lock()
	defer fakeFds.Unlock()
	if fd, ok := fakeFds.byConn[conn]; ok {
		return fd
	}
	fakeFds.next++
	fakeFds.byConn[conn] = fakeFds.next
	return fakeFds.next
}

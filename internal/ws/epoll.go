//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll for WebSocket read readiness. Instead of parking a
// goroutine per connection, descriptors are registered with the kernel and
// the event loop is woken only for connections that have data (or hung up).
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // fd -> connection
	mu          sync.RWMutex        // protects connections map
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for EPOLLIN, EPOLLHUP and EPOLLRDHUP. A peer
// half-close wakes the loop so the failed read is noticed immediately.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return syscall.EBADF
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters a connection. The map entry is dropped even when the
// kernel already forgot the descriptor (it is removed on close).
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if cur, ok := e.connections[c.Fd]; ok && cur == c {
		delete(e.connections, c.Fd)
	}
	e.mu.Unlock()

	if c.Fd < 0 {
		return nil
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// Resume is a no-op: epoll keeps reporting a descriptor while it has
// unread data.
func (e *Epoll) Resume(*Connection) {}

// Wait blocks until one or more registered connections are ready. Descriptors
// removed between epoll_wait returning and the lookup are skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD extracts the file descriptor from a net.Conn through
// SyscallConn, which (unlike File) does not duplicate it.
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
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

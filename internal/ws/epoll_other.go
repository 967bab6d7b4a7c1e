//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. Each connection gets a monitor goroutine that peeks at a buffered
// reader; the server then reads the frame from that same buffer, and the
// monitor waits for Resume before peeking again so reads never overlap.
type Epoll struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c. It replaces c's frame reader with a buffered one.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.resume[c] = resume
	e.mu.Unlock()

	go e.monitor(c, br, resume)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		// Peek does not consume; an error is reported as readiness so the
		// server's read path observes it.
		_, err := br.Peek(1)

		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of c look for the next frame.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.resume[c]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.resume[c]; ok {
		delete(e.resume, c)
		close(ch)
	}
	return nil
}

// Wait blocks until at least one connection is ready and drains whatever
// else is ready without blocking.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func isEINTR(error) bool { return false }

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}

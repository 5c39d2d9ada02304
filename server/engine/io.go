package engine

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	errPeerClosed = errors.New("peer closed")
	errReadFull   = errors.New("read buffer full")
)

// read into the free part of the buffer: one read in level-triggered mode,
// until EAGAIN (or full buffer) in edge-triggered mode. returns bytes read
func (c *Conn) fill() (int, error) {
	if c.readIdx >= len(c.rbuf) {
		return 0, errReadFull
	}

	total := 0
	for c.readIdx < len(c.rbuf) {
		n, err := unix.Read(c.fd, c.rbuf[c.readIdx:])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return total, nil
			}
			return total, fmt.Errorf("read fd %d: %w", c.fd, err)
		}
		if n == 0 {
			return total, errPeerClosed
		}
		c.readIdx += n
		total += n

		if c.mode == LevelTriggered {
			break
		}
	}
	return total, nil
}

// response bytes: head from the write buffer + body (mapping, handler reply or relay buffer)
type sendVec struct {
	segs   [2][]byte
	toSend int
	sent   int
}

func (v *sendVec) set(head, body []byte) {
	v.segs = [2][]byte{head, body}
	v.toSend = len(head) + len(body)
	v.sent = 0
}

// drop n written bytes from the front, a segment may end up partially sent
func (v *sendVec) advance(n int) {
	v.sent += n
	v.toSend -= n
	for i := range v.segs {
		if n == 0 {
			return
		}
		if n >= len(v.segs[i]) {
			n -= len(v.segs[i])
			v.segs[i] = nil
			continue
		}
		v.segs[i] = v.segs[i][n:]
		n = 0
	}
}

// non-empty segments
func (v *sendVec) pending(dst *[2][]byte) [][]byte {
	out := dst[:0]
	for _, s := range v.segs {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func (v *sendVec) done() bool {
	return v.toSend <= 0
}

// writev until the vector drains; false when the socket would block
func (c *Conn) drain() (bool, error) {
	v := &c.vec
	var iov [2][]byte
	for !v.done() {
		n, err := unix.Writev(c.fd, v.pending(&iov))
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return false, nil
			}
			return false, fmt.Errorf("writev fd %d: %w", c.fd, err)
		}
		v.advance(n)
	}
	return true, nil
}

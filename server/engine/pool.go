// event loop and worker logic
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

const (
	queueSize  = 1024
	waitMillis = 100 // epoll wait timeout, bounds how long Stop waits for the loop
)

type task struct {
	conn   *Conn
	events uint32 // 0 for posted conns
}

// Engine runs the reactor loop and a worker pool, conns are dispatched to
// workers one event at a time
type Engine struct {
	reactor *Reactor
	env     *Env
	mode    TrigMode
	conns   *xsync.MapOf[int, *Conn]

	tasks chan task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex // orders Serve's wg.Add against Stop's Wait
	stopped bool
}

// start workers, Serve runs the loop
func NewEngine(r *Reactor, env *Env, mode TrigMode, workers int) *Engine {
	if workers <= 0 {
		workers = 1
	}
	if env.Live == nil {
		env.Live = xsync.NewCounter()
	}

	e := &Engine{
		reactor: r,
		env:     env,
		mode:    mode,
		conns:   xsync.NewMapOf[int, *Conn](xsync.WithPresize(queueSize)),
		tasks:   make(chan task, queueSize),
		quit:    make(chan struct{}),
	}
	for range workers {
		e.wg.Add(1)
		go e.work()
	}
	return e
}

// loop until Stop, returns at once if already stopped
func (e *Engine) Serve() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-e.quit:
			return nil
		default:
		}

		n, err := e.reactor.Wait(events, waitMillis)
		if err != nil {
			return err
		}

		for i := range n {
			fd := int(events[i].Fd) // current event descriptor
			if e.reactor.IsListener(fd) {
				e.accept()
				continue
			}

			c, ok := e.conns.Load(fd)
			if !ok {
				continue
			}
			select {
			case e.tasks <- task{conn: c, events: events[i].Events}:
			case <-e.quit:
				return nil
			}
		}
	}
}

// take every pending client
func (e *Engine) accept() {
	for {
		nfd, err := e.reactor.Accept()
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EAGAIN):
			default:
				e.env.logf("accept: %v", err)
				if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
					time.Sleep(10 * time.Millisecond)
				}
			}
			return
		}

		c := NewConn(nfd, e.mode, e.env, e)
		e.conns.Store(nfd, c)
		if err := e.reactor.Add(nfd, e.mode); err != nil {
			e.env.logf("fd %d: epoll add: %v", nfd, err)
			c.Close()
		}
	}
}

func (e *Engine) work() {
	defer e.wg.Done()
	for {
		select {
		case t := <-e.tasks:
			e.handle(t)
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) handle(t task) {
	defer func() {
		if r := recover(); r != nil {
			e.env.logf("fd %d: panic recovered: %v", t.conn.fd, r)
			t.conn.Close()
		}
	}()

	if t.events&hangup != 0 {
		t.conn.Close()
		return
	}
	t.conn.Handle()
}

// Arm implements Poller
func (e *Engine) Arm(fd int, ev Event, mode TrigMode) error {
	return e.reactor.Arm(fd, ev, mode)
}

// Remove implements Poller, the fd leaves the conn table before it can be reused
func (e *Engine) Remove(fd int) error {
	e.conns.Delete(fd)
	return e.reactor.Remove(fd)
}

// Post implements Poller
func (e *Engine) Post(c *Conn) {
	select {
	case e.tasks <- task{conn: c}:
	case <-e.quit:
	}
}

// live conns
func (e *Engine) Live() int64 {
	return e.env.Live.Value()
}

// stop the loop and workers, then close every conn and the reactor
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.quit)
	e.mu.Unlock()

	e.wg.Wait()
	e.conns.Range(func(_ int, c *Conn) bool {
		c.Close()
		return true
	})
	if err := e.reactor.Close(); err != nil {
		e.env.logf("reactor close: %v", err)
	}
}

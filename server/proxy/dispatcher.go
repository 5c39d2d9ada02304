// reverse proxy: backend negotiation and request relay.
// everything here may block, so conns run it on Dispatcher workers, never on reactor workers
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/s00inx/relayd/server/router"
)

var (
	ErrDispatch = errors.New("proxy dispatch failed")
	ErrBusy     = fmt.Errorf("%w: dispatcher queue full", ErrDispatch)
	ErrStopped  = fmt.Errorf("%w: dispatcher stopped", ErrDispatch)
)

const (
	DefaultDialTimeout  = 3 * time.Second
	DefaultRelayTimeout = 10 * time.Second
	defaultQueue        = 256
)

// Dispatcher resolves and connects backends on a bounded set of workers
type Dispatcher struct {
	resolver *net.Resolver
	dialer   net.Dialer
	timeout  time.Duration
	log      *log.Logger

	jobs chan func()
	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// start workers; timeout bounds lookup + connect together
func NewDispatcher(workers int, timeout time.Duration, logger *log.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = log.Default()
	}

	d := &Dispatcher{
		resolver: net.DefaultResolver,
		timeout:  timeout,
		log:      logger,
		jobs:     make(chan func(), defaultQueue),
		quit:     make(chan struct{}),
	}
	for range workers {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobs:
			d.run(job)
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Printf("proxy job panic recovered: %v", r)
		}
	}()
	job()
}

// queue job without blocking the caller
func (d *Dispatcher) Submit(job func()) error {
	select {
	case <-d.quit:
		return ErrStopped
	default:
	}

	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrBusy
	}
}

// stop workers; queued jobs that did not start are dropped
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.quit) })
	d.wg.Wait()
}

// forward lookup of backend host and tcp connect, no retries.
// cancel ctx to abort both steps
func (d *Dispatcher) Negotiate(ctx context.Context, b router.Backend) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addrs, err := d.resolver.LookupIPAddr(ctx, b.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrDispatch, b.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: lookup %s: no addresses", ErrDispatch, b.Host)
	}

	// prefer ipv4 like the rest of the engine
	ip := addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			ip = a.IP
			break
		}
	}

	addr := router.Backend{Host: ip.String(), Port: b.Port}.String()
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s (%s): %v", ErrDispatch, b, addr, err)
	}
	return conn, nil
}

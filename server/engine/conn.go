// per-connection state machine: read -> parse -> dispatch -> write -> reset or close.
// a conn is driven by one worker at a time, the poller re-arms it one-shot
package engine

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/s00inx/relayd/server/protocol"
	"github.com/s00inx/relayd/server/proxy"
	"github.com/s00inx/relayd/server/router"
	"github.com/s00inx/relayd/server/static"
)

const (
	ReadBufferSize  = 2048
	WriteBufferSize = 1024
)

var ErrClosed = errors.New("connection closed")

type TrigMode uint8

const (
	LevelTriggered TrigMode = iota
	EdgeTriggered
)

func (m TrigMode) String() string {
	if m == EdgeTriggered {
		return "et"
	}
	return "lt"
}

type Event uint8

const (
	EventRead Event = iota
	EventWrite
)

// Poller is what a conn needs from the reactor
type Poller interface {
	// re-arm fd one-shot for ev
	Arm(fd int, ev Event, mode TrigMode) error
	// deregister and close fd
	Remove(fd int) error
	// queue conn for a worker, used when an async proxy job is done
	Post(c *Conn)
}

// Env holds what all conns share, everything is read-only after start
// except Routes (synchronized) and Live
type Env struct {
	Files  *static.Resolver
	Routes *router.Table
	Mux    *router.Mux
	Proxy  *proxy.Dispatcher
	Live   *xsync.Counter
	Log    *log.Logger

	Verbose      bool
	RelayTimeout time.Duration
	MaxRelaySize int
}

func (e *Env) logf(format string, args ...any) {
	if e.Log == nil {
		log.Printf(format, args...)
		return
	}
	e.Log.Printf(format, args...)
}

type EndpointKind uint8

const (
	EndpointNone EndpointKind = iota
	EndpointFile
	EndpointBody
	EndpointProxy
)

// Endpoint is where the current response comes from, it carries only its own resource
type Endpoint struct {
	Kind    EndpointKind
	File    *static.Mapping // EndpointFile
	Payload []byte          // EndpointBody, handler reply
	Relay   *proxy.Relay    // EndpointProxy
}

type phase uint8

const (
	phaseRead phase = iota
	phaseWrite
	phaseProxy // proxy job queued or done, result not sent yet
)

type Conn struct {
	fd     int
	mode   TrigMode
	env    *Env
	poller Poller

	rbuf    [ReadBufferSize]byte
	readIdx int
	parser  protocol.Parser
	req     protocol.Request

	wbuf     [WriteBufferSize]byte
	writeIdx int
	vec      sendVec
	ep       Endpoint
	code     int // status of the staged response
	phase    phase

	params [8]router.Param
	hbuf   [protocol.MaxHeaders]protocol.Header     // request headers staged for upstream
	whdrs  [protocol.MaxHeaders + 3]protocol.Header // response headers being built

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by mu, a proxy job touches them from a dispatcher worker
	mu       sync.Mutex
	closed   bool
	inflight bool
	upstream net.Conn
	proxyErr error
}

// new conn for an accepted fd, counts it as live
func NewConn(fd int, mode TrigMode, env *Env, poller Poller) *Conn {
	c := &Conn{
		fd:     fd,
		mode:   mode,
		env:    env,
		poller: poller,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	env.Live.Inc()
	return c
}

func (c *Conn) Fd() int { return c.fd }

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run the handler for the event the conn is waiting for
func (c *Conn) Handle() {
	if c.isClosed() {
		return
	}
	switch c.phase {
	case phaseRead:
		c.OnReadable()
	case phaseWrite:
		c.OnWritable()
	case phaseProxy:
		c.OnUpstream()
	}
}

func (c *Conn) OnReadable() {
	n, err := c.fill()
	if err != nil {
		if c.env.Verbose && !errors.Is(err, errPeerClosed) {
			c.env.logf("fd %d: read: %v", c.fd, err)
		}
		c.Close()
		return
	}
	if n == 0 { // spurious wakeup
		c.arm(EventRead)
		return
	}
	c.process()
}

// parse what we have and dispatch a complete request
func (c *Conn) process() {
	res, err := c.parser.Parse(c.rbuf[:], c.readIdx, &c.req, c.routes())
	if err != nil {
		c.fail(err)
		return
	}

	switch res {
	case protocol.Incomplete:
		c.arm(EventRead)
	case protocol.Local:
		c.serveFile()
	case protocol.Body:
		c.serveBody()
	case protocol.Proxy:
		c.startProxy()
	default:
		c.fail(protocol.ErrInternal)
	}
}

// nil table must stay a nil interface
func (c *Conn) routes() protocol.Routes {
	if c.env.Routes == nil {
		return nil
	}
	return c.env.Routes
}

func (c *Conn) serveFile() {
	m, err := c.env.Files.Resolve(c.req.Path(c.rbuf[:]))
	if err != nil {
		c.fail(err)
		return
	}
	c.ep = Endpoint{Kind: EndpointFile, File: m}

	if m.Size == 0 {
		err = c.stage(200, nil, textHTML, nil, protocol.EmptyPage, nil)
	} else {
		err = c.stage(200, nil, m.Type, nil, nil, m.Data)
	}
	if err != nil {
		c.fail(err)
		return
	}
	c.startWrite()
}

// registered handler for the path, or the file at the url
func (c *Conn) serveBody() {
	buf := c.rbuf[:]
	path := c.req.URL.Bytes(buf)

	var h router.Handler
	var params []router.Param
	if c.env.Mux != nil {
		h, params = c.env.Mux.Match(path, c.params[:0])
	}
	if h == nil {
		c.serveFile()
		return
	}

	rep := h(&router.Request{
		Path:   path,
		Query:  c.req.Query.Bytes(buf),
		Body:   c.req.Body.Bytes(buf),
		Params: params,
	})
	code := rep.Code
	if code == 0 {
		code = 200
	}
	body, ctype := rep.Body, rep.Type
	if code >= 400 {
		c.req.Linger = false
		if len(body) == 0 { // error replies always explain themselves
			body, ctype = protocol.ErrorPage(code), textHTML
		}
	}

	c.ep = Endpoint{Kind: EndpointBody, Payload: body}
	if err := c.stage(code, nil, ctype, nil, nil, body); err != nil {
		c.fail(err)
		return
	}
	c.startWrite()
}

func (c *Conn) startProxy() {
	buf := c.rbuf[:]
	b, ok := c.env.Routes.Lookup(c.req.Domain.Bytes(buf))
	if !ok { // route removed since parse
		if c.req.Method == protocol.MethodPost && c.req.Body.Len() > 0 {
			c.serveBody()
		} else {
			c.serveFile()
		}
		return
	}
	if c.env.Proxy == nil {
		c.fail(proxy.ErrStopped)
		return
	}

	hdrs := c.hbuf[:0]
	for i := range c.req.Hcount {
		h := &c.req.Headers[i]
		hdrs = append(hdrs, protocol.Header{Key: h.Key.Bytes(buf), Val: h.Val.Bytes(buf)})
	}
	relay := proxy.NewRelay(c.env.MaxRelaySize)
	relay.Stage(c.req.Method.String(), c.req.Path(buf), c.req.Query.Bytes(buf), hdrs, c.req.Body.Bytes(buf))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		relay.Release()
		return
	}
	c.inflight = true
	c.mu.Unlock()

	c.ep = Endpoint{Kind: EndpointProxy, Relay: relay}
	c.phase = phaseProxy

	ctx := c.ctx
	if err := c.env.Proxy.Submit(func() { c.runProxy(ctx, b, relay) }); err != nil {
		c.mu.Lock()
		c.inflight = false
		c.mu.Unlock()
		c.fail(err)
	}
}

// on a dispatcher worker: connect, exchange, then hand the conn back to the engine
func (c *Conn) runProxy(ctx context.Context, b router.Backend, relay *proxy.Relay) {
	up, err := c.env.Proxy.Negotiate(ctx, b)
	if err == nil {
		if c.attach(up) {
			err = relay.Exchange(ctx, up, c.env.RelayTimeout)
			c.detach()
		} else {
			up.Close()
			err = ErrClosed
		}
	}

	c.mu.Lock()
	c.inflight = false
	c.proxyErr = err
	closed := c.closed
	c.mu.Unlock()

	if closed {
		relay.Release()
		return
	}
	if c.env.Verbose {
		c.env.logf("fd %d: proxy %s: %d bytes forwarded, %d relayed", c.fd, b, relay.Forwarded, relay.Relayed)
	}
	c.poller.Post(c)
}

func (c *Conn) attach(up net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.upstream = up
	return true
}

// close upstream unless Close got to it first
func (c *Conn) detach() {
	c.mu.Lock()
	up := c.upstream
	c.upstream = nil
	c.mu.Unlock()
	if up != nil {
		up.Close()
	}
}

// proxy job finished, frame the relayed response for the client
func (c *Conn) OnUpstream() {
	c.mu.Lock()
	err := c.proxyErr
	c.proxyErr = nil
	c.mu.Unlock()

	if err != nil {
		c.fail(err)
		return
	}
	r := c.ep.Relay
	if err := c.stage(r.Code, r.Reason, r.Type, r.Headers, nil, r.Body); err != nil {
		c.fail(err)
		return
	}
	c.startWrite()
}

var textHTML = []byte("text/html")

// build response head (and inline body) into the write buffer,
// tail goes out as the second segment of the send vector.
// extra headers go between Content-Type and the framing ones
func (c *Conn) stage(code int, reason, ctype []byte, extra []protocol.Header, inline, tail []byte) error {
	if len(reason) == 0 {
		reason = protocol.Reason(code)
	}

	var lbuf [20]byte
	hdrs := c.whdrs[:0]
	if len(ctype) > 0 {
		hdrs = append(hdrs, protocol.Header{Key: protocol.HdrContentType, Val: ctype})
	}
	hdrs = append(hdrs, extra...)
	hdrs = append(hdrs,
		protocol.Header{Key: protocol.HdrContentLength, Val: protocol.LengthVal(&lbuf, len(inline)+len(tail))},
		protocol.Header{Key: protocol.HdrConnection, Val: protocol.LingerVal(c.req.Linger)},
	)

	n, err := protocol.BuildResp(c.wbuf[:], code, reason, hdrs, inline)
	if err != nil {
		return err
	}
	c.writeIdx = n
	c.code = code
	c.vec.set(c.wbuf[:n], tail)
	return nil
}

// error page for err, error responses never keep the conn
func (c *Conn) fail(err error) {
	code := statusOf(err)
	if code == 500 || c.env.Verbose {
		c.env.logf("fd %d: %d: %v", c.fd, code, err)
	}

	c.release()
	c.req.Linger = false
	if err := c.stage(code, nil, textHTML, nil, protocol.ErrorPage(code), nil); err != nil {
		c.env.logf("fd %d: build error response: %v", c.fd, err)
		c.Close()
		return
	}
	c.startWrite()
}

// map error to a status from the table
func statusOf(err error) int {
	switch {
	case errors.Is(err, static.ErrNotFound):
		return 404
	case errors.Is(err, static.ErrForbidden):
		return 403
	case errors.Is(err, protocol.ErrInvalid),
		errors.Is(err, static.ErrBadRequest),
		errors.Is(err, proxy.ErrDispatch):
		return 400
	}
	return 500
}

func (c *Conn) startWrite() {
	c.arm(EventWrite)
}

func (c *Conn) OnWritable() {
	done, err := c.drain()
	if err != nil {
		if c.env.Verbose {
			c.env.logf("fd %d: write: %v", c.fd, err)
		}
		c.Close()
		return
	}
	if !done {
		c.arm(EventWrite)
		return
	}
	c.finish()
}

// response is out: keep the conn for the next request or close it
func (c *Conn) finish() {
	if c.env.Verbose {
		c.env.logf("fd %d: %s %s -> %d", c.fd, c.req.Method, c.req.URL.Bytes(c.rbuf[:]), c.code)
	}
	c.release()
	if !c.req.Linger {
		c.Close()
		return
	}

	c.reset()
	if c.readIdx > 0 { // pipelined bytes of the next request
		c.process()
		return
	}
	c.arm(EventRead)
}

// move leftover bytes to the front and start over
func (c *Conn) reset() {
	used := c.parser.Consumed()
	c.readIdx = copy(c.rbuf[:], c.rbuf[used:c.readIdx])
	c.parser.Reset()
	c.req.Reset()
	c.writeIdx = 0
	c.code = 0
	c.vec = sendVec{}
	c.ep = Endpoint{}
	c.phase = phaseRead
}

// release the endpoint resource
func (c *Conn) release() {
	switch c.ep.Kind {
	case EndpointFile:
		if err := c.ep.File.Release(); err != nil {
			c.env.logf("fd %d: munmap: %v", c.fd, err)
		}
	case EndpointProxy:
		c.ep.Relay.Release()
	}
	c.ep = Endpoint{}
	c.vec = sendVec{}
}

func (c *Conn) arm(ev Event) {
	if ev == EventWrite {
		c.phase = phaseWrite
	} else {
		c.phase = phaseRead
	}
	if err := c.poller.Arm(c.fd, ev, c.mode); err != nil {
		c.env.logf("fd %d: arm: %v", c.fd, err)
		c.Close()
	}
}

// Close is idempotent, the live counter drops exactly once
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	inflight := c.inflight
	up := c.upstream
	c.upstream = nil
	c.mu.Unlock()

	c.cancel()
	if up != nil {
		up.Close()
	}
	if !inflight { // a running job releases its own relay
		c.release()
	}
	if err := c.poller.Remove(c.fd); err != nil && c.env.Verbose {
		c.env.logf("fd %d: remove: %v", c.fd, err)
	}
	c.env.Live.Dec()
}

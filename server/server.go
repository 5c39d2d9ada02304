package server

import (
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/s00inx/relayd/server/config"
	"github.com/s00inx/relayd/server/engine"
	"github.com/s00inx/relayd/server/proxy"
	"github.com/s00inx/relayd/server/router"
	"github.com/s00inx/relayd/server/static"
)

var (
	ErrStopped      = errors.New("server stopped")
	ErrListening    = errors.New("server already listening")
	ErrNotListening = errors.New("server is not listening")
)

// Server wires the engine to the document root, proxy routes and POST handlers
type Server struct {
	conf   config.Config
	mux    *router.Mux
	routes *router.Table

	mu       sync.Mutex
	eng      *engine.Engine
	reactor  *engine.Reactor
	dispatch *proxy.Dispatcher
	stopped  bool
}

// init a new server, conf is validated here
func New(conf config.Config) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		conf:   conf,
		mux:    router.NewMux(),
		routes: router.NewTable(),
	}
	for _, r := range conf.Routes {
		if err := s.routes.Set(r.Domain, r.Backend.String()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// register handler for POST requests with a body on path, call before Run
func (s *Server) Handle(path string, h router.Handler) {
	s.mux.Handle(path, h)
}

// proxy table, can be changed while serving
func (s *Server) Routes() *router.Table {
	return s.routes
}

// Listen binds the socket and starts workers, Serve runs the loop.
// Run does both
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.eng != nil {
		return ErrListening
	}

	addr, err := s.conf.ListenAddr()
	if err != nil {
		return err
	}
	mode, err := s.conf.Mode()
	if err != nil {
		return err
	}
	r, err := engine.NewReactor(addr, s.conf.Port)
	if err != nil {
		return err
	}

	s.dispatch = proxy.NewDispatcher(s.conf.ProxyWorkers, s.conf.DialTimeout, s.conf.Logger)
	env := &engine.Env{
		Files:        &static.Resolver{Root: s.conf.DocRoot},
		Routes:       s.routes,
		Mux:          s.mux,
		Proxy:        s.dispatch,
		Live:         xsync.NewCounter(),
		Log:          s.conf.Logger,
		Verbose:      s.conf.Verbose,
		RelayTimeout: s.conf.RelayTimeout,
		MaxRelaySize: s.conf.MaxRelaySize,
	}
	s.reactor = r
	s.eng = engine.NewEngine(r, env, mode, s.conf.Workers)

	s.conf.Logger.Printf("listening on %s:%d (%s, %d workers, docroot %s, %d routes)",
		s.conf.Addr, r.Port(), mode, s.conf.Workers, s.conf.DocRoot, s.routes.Len())
	return nil
}

// bound port, useful with port 0
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactor == nil {
		return 0
	}
	return s.reactor.Port()
}

// block in the event loop until Stop
func (s *Server) Serve() error {
	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()
	if eng == nil {
		return ErrNotListening
	}
	return eng.Serve()
}

func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// graceful shutdown: stop the loop and workers, close every conn, then the dispatcher
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.eng != nil {
		s.eng.Stop()
	}
	if s.dispatch != nil {
		s.dispatch.Close()
	}
}

// live client conns
func (s *Server) Live() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return 0
	}
	return s.eng.Live()
}

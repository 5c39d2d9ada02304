// server settings: listen address, document root, trigger mode, workers and proxy routes
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/s00inx/relayd/server/engine"
	"github.com/s00inx/relayd/server/proxy"
	"github.com/s00inx/relayd/server/router"
)

var ErrConfig = errors.New("invalid config")

// one "domain=host[:port]" entry
type Route struct {
	Domain  string
	Backend router.Backend
}

type Config struct {
	Addr     string // ipv4 address to listen on
	Port     int
	DocRoot  string
	TrigMode string // "lt" or "et"

	Workers      int // engine workers
	ProxyWorkers int // dispatcher workers for lookup, connect and relay

	DialTimeout  time.Duration
	RelayTimeout time.Duration
	MaxRelaySize int

	Routes  []Route
	Verbose bool
	Logger  *log.Logger
}

// port 8080, docroot ./root, level-triggered
func Default() Config {
	return Config{
		Addr:         "0.0.0.0",
		Port:         8080,
		DocRoot:      "./root",
		TrigMode:     "lt",
		Workers:      runtime.NumCPU(),
		ProxyWorkers: 8,
		DialTimeout:  proxy.DefaultDialTimeout,
		RelayTimeout: proxy.DefaultRelayTimeout,
		MaxRelaySize: proxy.DefaultMaxRelaySize,
	}
}

// check values and fill what is left empty
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "relayd: ", log.LstdFlags)
	}
	if _, err := c.ListenAddr(); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrConfig, c.Port)
	}
	if _, err := c.Mode(); err != nil {
		return err
	}

	if c.DocRoot == "" {
		return fmt.Errorf("%w: empty document root", ErrConfig)
	}
	// urls start with '/', root must not end with one
	if len(c.DocRoot) > 1 {
		c.DocRoot = strings.TrimRight(c.DocRoot, "/")
	}
	st, err := os.Stat(c.DocRoot)
	if err != nil {
		return fmt.Errorf("%w: document root: %v", ErrConfig, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: document root %s is not a directory", ErrConfig, c.DocRoot)
	}

	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.ProxyWorkers <= 0 {
		c.ProxyWorkers = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = proxy.DefaultDialTimeout
	}
	// exchange is always bounded
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = proxy.DefaultRelayTimeout
	}
	if c.MaxRelaySize <= 0 {
		c.MaxRelaySize = proxy.DefaultMaxRelaySize
	}
	return nil
}

// listen address as the 4 bytes the reactor binds to
func (c *Config) ListenAddr() ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(c.Addr).To4()
	if ip == nil {
		return out, fmt.Errorf("%w: listen address %q is not ipv4", ErrConfig, c.Addr)
	}
	copy(out[:], ip)
	return out, nil
}

func (c *Config) Mode() (engine.TrigMode, error) {
	switch strings.ToLower(c.TrigMode) {
	case "", "lt":
		return engine.LevelTriggered, nil
	case "et":
		return engine.EdgeTriggered, nil
	}
	return 0, fmt.Errorf("%w: trigger mode %q, want lt or et", ErrConfig, c.TrigMode)
}

// parse "domain=host[:port]"
func ParseRoute(s string) (Route, error) {
	domain, spec, ok := strings.Cut(s, "=")
	domain, spec = strings.TrimSpace(domain), strings.TrimSpace(spec)
	if !ok || domain == "" || spec == "" {
		return Route{}, fmt.Errorf("%w: route %q, want domain=host[:port]", ErrConfig, s)
	}
	b, err := router.ParseBackend(spec)
	if err != nil {
		return Route{}, fmt.Errorf("%w: route %q: %v", ErrConfig, s, err)
	}
	return Route{Domain: domain, Backend: b}, nil
}

// read routes file: one route per line, '#' starts a comment
func LoadRoutes(path string) ([]Route, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var routes []Route
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i != -1 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r, err := ParseRoute(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		routes = append(routes, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return routes, nil
}

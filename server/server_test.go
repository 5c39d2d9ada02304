package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/s00inx/relayd/server/config"
	"github.com/s00inx/relayd/server/router"
)

func startServer(t *testing.T, conf config.Config, setup func(*Server)) *Server {
	t.Helper()
	s, err := New(conf)
	if err != nil {
		t.Fatal(err)
	}
	if setup != nil {
		setup(s)
	}
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()
	t.Cleanup(func() {
		s.Stop()
		if err := <-served; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return s
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>relayd</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Chmod(filepath.Join(root, "index.html"), 0o644)

	conf := config.Default()
	conf.Addr = "127.0.0.1"
	conf.Port = 0
	conf.DocRoot = root
	conf.Workers = 2
	conf.ProxyWorkers = 2
	conf.DialTimeout = time.Second
	conf.RelayTimeout = 2 * time.Second
	conf.Logger = log.New(io.Discard, "", 0)
	return conf
}

// raw request on a fresh conn, the response is read with net/http
func roundTrip(t *testing.T, port int, req string) (*http.Response, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatal(err)
	}
	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, string(body)
}

func TestServer_EndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"path":%q,"body":%q}`, r.URL.RequestURI(), body)
	}))
	defer backend.Close()

	conf := testConfig(t)
	route, err := config.ParseRoute("app.test=" + strings.TrimPrefix(backend.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	conf.Routes = []config.Route{route}

	s := startServer(t, conf, func(s *Server) {
		s.Handle("/api/:name", func(req *router.Request) router.Reply {
			return router.Reply{
				Type: []byte("text/plain"),
				Body: []byte("hello " + string(req.Param("name")) + ": " + string(req.Body)),
			}
		})
	})

	tests := []struct {
		name  string
		req   string
		code  int
		ctype string
		body  string
	}{
		{
			name: "index", code: 200, ctype: "text/html", body: "<h1>relayd</h1>",
			req: "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n",
		},
		{
			name: "absolute url", code: 200, ctype: "text/html", body: "<h1>relayd</h1>",
			req: "GET http://localhost/index.html HTTP/1.1\r\n\r\n",
		},
		{
			name: "not found", code: 404, ctype: "text/html", body: "The requested file was not found on this server.\n",
			req: "GET /nope.css HTTP/1.1\r\n\r\n",
		},
		{
			name: "post handler", code: 200, ctype: "text/plain", body: "hello bob: a=1",
			req: "POST /api/bob HTTP/1.1\r\nContent-Length: 3\r\n\r\na=1",
		},
		{
			name: "proxied get", code: 201, ctype: "application/json", body: `{"path":"/v1?q=2","body":""}`,
			req: "GET /v1?q=2 HTTP/1.1\r\nHost: app.test\r\n\r\n",
		},
		{
			name: "proxied post", code: 201, ctype: "application/json", body: `{"path":"/v1","body":"x=9"}`,
			req: "POST /v1 HTTP/1.1\r\nHost: APP.test:80\r\nContent-Length: 3\r\n\r\nx=9",
		},
		{
			name: "bad request", code: 400, ctype: "text/html",
			body: "Your request has bad syntax or is inherently impossible to staisfy.\n",
			req:  "DELETE / HTTP/1.1\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := roundTrip(t, s.Port(), tt.req)
			if res.StatusCode != tt.code {
				t.Errorf("status %d, want %d", res.StatusCode, tt.code)
			}
			if got := res.Header.Get("Content-Type"); got != tt.ctype {
				t.Errorf("content-type %q, want %q", got, tt.ctype)
			}
			if body != tt.body {
				t.Errorf("body %q, want %q", body, tt.body)
			}
		})
	}
}

func TestServer_RouteUpdate(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "from backend")
	}))
	defer backend.Close()

	s := startServer(t, testConfig(t), nil)
	req := "GET /index.html HTTP/1.1\r\nHost: late.test\r\n\r\n"

	if _, body := roundTrip(t, s.Port(), req); body != "<h1>relayd</h1>" {
		t.Fatalf("unrouted domain: body %q", body)
	}

	if err := s.Routes().Set("late.test", strings.TrimPrefix(backend.URL, "http://")); err != nil {
		t.Fatal(err)
	}
	if _, body := roundTrip(t, s.Port(), req); body != "from backend" {
		t.Errorf("routed domain: body %q", body)
	}
}

func TestServer_Lifecycle(t *testing.T) {
	s, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Serve(); err != ErrNotListening {
		t.Errorf("Serve before Listen: %v", err)
	}
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	if err := s.Listen(); err != ErrListening {
		t.Errorf("second Listen: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	s.Stop()
	if err := <-served; err != nil {
		t.Errorf("serve: %v", err)
	}
	if s.Live() != 0 {
		t.Errorf("live = %d after stop", s.Live())
	}
	s.Stop()
	if err := s.Listen(); err != ErrStopped {
		t.Errorf("Listen after Stop: %v", err)
	}

	bad := testConfig(t)
	bad.TrigMode = "xx"
	if _, err := New(bad); err == nil {
		t.Error("bad trigger mode accepted")
	}
}

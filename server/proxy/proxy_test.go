package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/s00inx/relayd/server/protocol"
	"github.com/s00inx/relayd/server/router"
)

// fake upstream on the other side of a pipe: read the request head (+body) and reply
func upstream(t *testing.T, conn net.Conn, reply string, got chan<- string) {
	t.Helper()
	go func() {
		defer conn.Close()
		br := bufio.NewReader(conn)
		var sb strings.Builder
		clen := 0
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				got <- sb.String()
				return
			}
			sb.WriteString(line)
			if strings.HasPrefix(strings.ToLower(line), "content-length:") {
				v := strings.TrimSpace(line[len("content-length:"):])
				for _, c := range v {
					clen = clen*10 + int(c-'0')
				}
			}
			if line == "\r\n" {
				break
			}
		}
		body := make([]byte, clen)
		io.ReadFull(br, body)
		sb.Write(body)
		got <- sb.String()
		conn.Write([]byte(reply))
	}()
}

func TestRelay_Stage(t *testing.T) {
	r := NewRelay(0)
	defer r.Release()

	r.Stage("POST", []byte("/form"), []byte("a=1"), []protocol.Header{
		{Key: []byte("Host"), Val: []byte("app.test")},
		{Key: []byte("connection"), Val: []byte("keep-alive")},
		{Key: []byte("Content-Length"), Val: []byte("5")},
	}, []byte("hello"))

	want := "POST /form?a=1 HTTP/1.1\r\nHost: app.test\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"
	if got := string(r.Staged()); got != want {
		t.Errorf("staged %q\nwant %q", got, want)
	}
}

func TestRelay_Exchange(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		wantErr  bool
		wantCode int
		reason   string
		ctype    string
		headers  string // relayed headers as "key: val\n" lines
		body     string
	}{
		{
			name:     "content length",
			reply:    "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhelloEXTRA",
			wantCode: 200, reason: "OK", ctype: "text/plain", body: "hello",
		},
		{
			name:     "read to eof",
			reply:    "HTTP/1.1 404 Not Found\r\n\r\nno such page",
			wantCode: 404, reason: "Not Found", body: "no such page",
		},
		{
			name:     "interim response skipped",
			reply:    "HTTP/1.1 100 Continue\r\nX-Interim: 1\r\n\r\nHTTP/1.1 201 Created\r\nX-Final: 2\r\nContent-Length: 2\r\n\r\nok",
			wantCode: 201, reason: "Created", headers: "X-Final: 2\n", body: "ok",
		},
		{
			name: "end-to-end headers relayed, hop-by-hop dropped",
			reply: "HTTP/1.1 302 Found\r\nLocation: /login\r\nConnection: close\r\nSet-Cookie: s=1\r\n" +
				"keep-alive: timeout=5\r\nUpgrade: h2c\r\nContent-Length: 0\r\n\r\n",
			wantCode: 302, reason: "Found", headers: "Location: /login\nSet-Cookie: s=1\n", body: "",
		},
		{
			name:     "no content",
			reply:    "HTTP/1.1 204 No Content\r\n\r\n",
			wantCode: 204, reason: "No Content", body: "",
		},
		{
			name:    "chunked is refused",
			reply:   "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "truncated body",
			reply:   "HTTP/1.1 200 OK\r\nContent-Length: 50\r\n\r\nshort",
			wantErr: true,
		},
		{
			name:    "garbage status",
			reply:   "SSH-2.0-OpenSSH\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "closed before head",
			reply:   "HTTP/1.1 200",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			got := make(chan string, 1)
			upstream(t, server, tt.reply, got)

			r := NewRelay(0)
			defer r.Release()
			r.Stage("GET", []byte("/x"), nil, []protocol.Header{{Key: []byte("Host"), Val: []byte("app.test")}}, nil)

			err := r.Exchange(context.Background(), client, 2*time.Second)
			if req := <-got; !strings.HasPrefix(req, "GET /x HTTP/1.1\r\n") {
				t.Errorf("upstream got %q", req)
			}
			if r.Forwarded != int64(len(r.Staged())) {
				t.Errorf("forwarded %d, staged %d", r.Forwarded, len(r.Staged()))
			}

			if tt.wantErr {
				if !errors.Is(err, ErrDispatch) {
					t.Fatalf("expected ErrDispatch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Code != tt.wantCode || string(r.Reason) != tt.reason {
				t.Errorf("status %d %q, want %d %q", r.Code, r.Reason, tt.wantCode, tt.reason)
			}
			if string(r.Type) != tt.ctype {
				t.Errorf("type %q, want %q", r.Type, tt.ctype)
			}
			var hs strings.Builder
			for _, h := range r.Headers {
				hs.WriteString(string(h.Key) + ": " + string(h.Val) + "\n")
			}
			if hs.String() != tt.headers {
				t.Errorf("headers %q, want %q", hs.String(), tt.headers)
			}
			if string(r.Body) != tt.body {
				t.Errorf("body %q, want %q", r.Body, tt.body)
			}
			if r.Relayed < int64(len(tt.body)) {
				t.Errorf("relayed %d bytes", r.Relayed)
			}
		})
	}
}

func TestRelay_Cancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// upstream reads the request but never answers
	go io.Copy(io.Discard, server)

	r := NewRelay(0)
	defer r.Release()
	r.Stage("GET", []byte("/"), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := r.Exchange(ctx, client, time.Minute)
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancel did not abort the exchange")
	}
}

func TestRelay_MaxSize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	got := make(chan string, 1)
	upstream(t, server, "HTTP/1.1 200 OK\r\n\r\n"+strings.Repeat("x", 10000), got)

	r := NewRelay(1024)
	defer r.Release()
	r.Stage("GET", []byte("/big"), nil, nil, nil)

	if err := r.Exchange(context.Background(), client, 2*time.Second); !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	<-got
}

func TestDispatcher_Negotiate(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	d := NewDispatcher(2, time.Second, nil)
	defer d.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := d.Negotiate(context.Background(), router.Backend{Host: "localhost", Port: port})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	conn.Close()

	// refused: nothing listens there once closed
	ln2, _ := net.Listen("tcp4", "127.0.0.1:0")
	deadPort := ln2.Addr().(*net.TCPAddr).Port
	ln2.Close()
	if _, err := d.Negotiate(context.Background(), router.Backend{Host: "127.0.0.1", Port: deadPort}); !errors.Is(err, ErrDispatch) {
		t.Errorf("expected ErrDispatch on refused connect, got %v", err)
	}

	// .invalid never resolves
	start := time.Now()
	if _, err := d.Negotiate(context.Background(), router.Backend{Host: "backend.invalid", Port: 80}); !errors.Is(err, ErrDispatch) {
		t.Errorf("expected ErrDispatch on lookup failure, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("lookup failure took longer than the timeout")
	}
}

func TestDispatcher_Submit(t *testing.T) {
	d := NewDispatcher(1, time.Second, nil)

	block := make(chan struct{})
	done := make(chan struct{}, 1)
	if err := d.Submit(func() { <-block; done <- struct{}{} }); err != nil {
		t.Fatal(err)
	}

	// fill the queue behind the blocked worker
	var busy error
	for range defaultQueue + 2 {
		if err := d.Submit(func() {}); err != nil {
			busy = err
			break
		}
	}
	if !errors.Is(busy, ErrBusy) || !errors.Is(busy, ErrDispatch) {
		t.Errorf("expected ErrBusy, got %v", busy)
	}

	close(block)
	<-done
	d.Close()

	if err := d.Submit(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Close, got %v", err)
	}
}

func TestDispatcher_PanicRecovered(t *testing.T) {
	var logs bytes.Buffer
	d := NewDispatcher(1, time.Second, log.New(&logs, "", 0))
	defer d.Close()

	done := make(chan struct{})
	d.Submit(func() { panic("boom") })
	d.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/s00inx/relayd/server/protocol"
)

const (
	DefaultMaxRelaySize = 8 << 20
	readChunk           = 4096
)

// for fast access
var (
	sp       = []byte(" ")
	crlf     = []byte("\r\n")
	colonSp  = []byte(": ")
	http11   = []byte(" HTTP/1.1\r\n")
	connHdr  = []byte("Connection")
	connCls  = []byte("Connection: close\r\n")
	hdrCL    = []byte("Content-Length")
	hdrCT    = []byte("Content-Type")
	hdrTE    = []byte("Transfer-Encoding")
	httpPref = []byte("HTTP/1.")

	// end-to-end headers the client side frames itself, or hop-by-hop ones
	dropped = [][]byte{
		connHdr, hdrCL, hdrCT, hdrTE,
		[]byte("Keep-Alive"),
		[]byte("Proxy-Connection"),
		[]byte("Proxy-Authenticate"),
		[]byte("Proxy-Authorization"),
		[]byte("TE"),
		[]byte("Trailer"),
		[]byte("Upgrade"),
	}
)

func droppedHeader(name []byte) bool {
	for _, d := range dropped {
		if bytes.EqualFold(name, d) {
			return true
		}
	}
	return false
}

// Relay carries one proxied exchange: the staged request going upstream and
// the upstream response coming back. forward and backward byte counts are
// kept apart from the client side counters
type Relay struct {
	fwd  *bytebufferpool.ByteBuffer
	back *bytebufferpool.ByteBuffer
	max  int

	Forwarded int64 // bytes written upstream
	Relayed   int64 // bytes read from upstream

	// parsed upstream response, slices refer to the relay buffer.
	// Headers holds what goes back to the client besides the framing ones
	Code    int
	Reason  []byte
	Type    []byte
	Headers []protocol.Header
	Body    []byte
}

func NewRelay(max int) *Relay {
	if max <= 0 {
		max = DefaultMaxRelaySize
	}
	return &Relay{
		fwd:  bytebufferpool.Get(),
		back: bytebufferpool.Get(),
		max:  max,
	}
}

// give buffers back to the pool, safe to call twice
func (r *Relay) Release() {
	if r.fwd != nil {
		bytebufferpool.Put(r.fwd)
		r.fwd = nil
	}
	if r.back != nil {
		bytebufferpool.Put(r.back)
		r.back = nil
	}
	r.Reason, r.Type, r.Headers, r.Body = nil, nil, nil, nil
}

// staged request bytes
func (r *Relay) Staged() []byte {
	return r.fwd.B
}

// stage the client request for upstream: request line with the normalized path,
// client headers except Connection, then "Connection: close" and the body
func (r *Relay) Stage(method string, path, query []byte, headers []protocol.Header, body []byte) {
	w := r.fwd
	w.Reset()
	w.WriteString(method)
	w.Write(sp)
	w.Write(path)
	if len(query) > 0 {
		w.WriteByte('?')
		w.Write(query)
	}
	w.Write(http11)

	for _, h := range headers {
		if bytes.EqualFold(h.Key, connHdr) {
			continue
		}
		w.Write(h.Key)
		w.Write(colonSp)
		w.Write(h.Val)
		w.Write(crlf)
	}
	w.Write(connCls)
	w.Write(crlf)
	w.Write(body)
}

// head of upstream response as offsets, buffer may move while we read
type head struct {
	checked, start int
	line           int // lines seen in this head
	done           bool
	bodyStart      int
	clen           int // -1 until known

	code                int
	reasonSt, reasonEnd int
	typeSt, typeEnd     int
	fields              []field // relayed header lines
}

// key and value of one header line
type field struct {
	keySt, keyEnd int
	valSt, valEnd int
}

func (h *head) reset(from int) {
	fields := h.fields[:0]
	*h = head{checked: from, start: from, clen: -1, fields: fields}
}

// write staged request upstream and read the whole response.
// timeout bounds the exchange, ctx cancel aborts blocked reads and writes
func (r *Relay) Exchange(ctx context.Context, up net.Conn, timeout time.Duration) error {
	if timeout > 0 {
		if err := up.SetDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrDispatch, err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		up.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := up.Write(r.fwd.B)
	r.Forwarded += int64(n)
	if err != nil {
		return fmt.Errorf("%w: forward: %v", ErrDispatch, err)
	}

	var h head
	h.reset(0)
	b := r.back
	b.Reset()

	for {
		if h.done && h.clen >= 0 && len(b.B)-h.bodyStart >= h.clen {
			break
		}
		if len(b.B) >= r.max {
			return fmt.Errorf("%w: upstream response exceeds %d bytes", ErrDispatch, r.max)
		}

		if cap(b.B)-len(b.B) < readChunk {
			b.B = slices.Grow(b.B, readChunk)
		}
		n, rerr := up.Read(b.B[len(b.B):cap(b.B)])
		b.B = b.B[:len(b.B)+n]
		r.Relayed += int64(n)

		for !h.done {
			progressed, err := r.parseHead(&h)
			if err != nil {
				return err
			}
			if !progressed {
				break
			}
		}

		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				return fmt.Errorf("%w: relay: %v", ErrDispatch, rerr)
			}
			if !h.done {
				return fmt.Errorf("%w: upstream closed before response head", ErrDispatch)
			}
			if h.clen >= 0 && len(b.B)-h.bodyStart < h.clen {
				return fmt.Errorf("%w: upstream body truncated", ErrDispatch)
			}
			break
		}
	}

	end := len(b.B)
	if h.clen >= 0 {
		end = h.bodyStart + h.clen
	}
	r.Code = h.code
	r.Reason = b.B[h.reasonSt:h.reasonEnd]
	r.Type = b.B[h.typeSt:h.typeEnd]
	r.Headers = r.Headers[:0]
	for _, f := range h.fields {
		r.Headers = append(r.Headers, protocol.Header{Key: b.B[f.keySt:f.keyEnd], Val: b.B[f.valSt:f.valEnd]})
	}
	r.Body = b.B[h.bodyStart:end]
	return nil
}

// scan one line of the upstream head with the same line scanner the request parser uses.
// returns false when more data is needed
func (r *Relay) parseHead(h *head) (bool, error) {
	buf := r.back.B
	st, next := protocol.ScanLine(buf, h.checked, len(buf))
	h.checked = next
	switch st {
	case protocol.LineOpen:
		return false, nil
	case protocol.LineBad:
		return false, fmt.Errorf("%w: malformed upstream head", ErrDispatch)
	}

	ls, le := h.start, h.checked-2
	h.start = h.checked
	line := buf[ls:le]
	h.line++

	if h.line == 1 {
		return true, h.statusLine(line, ls)
	}

	if len(line) == 0 {
		h.bodyStart = h.checked
		if h.code < 200 { // 1xx: drop it and wait for the final head
			h.reset(h.checked)
			return true, nil
		}
		if h.clen < 0 && (h.code == 204 || h.code == 304) {
			h.clen = 0
		}
		h.done = true
		return true, nil
	}

	colon := bytes.IndexByte(line, ':')
	if colon == -1 {
		return false, fmt.Errorf("%w: upstream header without colon", ErrDispatch)
	}
	name := line[:colon]
	vs := colon + 1
	for vs < len(line) && (line[vs] == ' ' || line[vs] == '\t') {
		vs++
	}
	val := line[vs:]

	switch {
	case bytes.EqualFold(name, hdrCL):
		n := 0
		if len(val) == 0 {
			return false, fmt.Errorf("%w: empty upstream content-length", ErrDispatch)
		}
		for _, c := range val {
			if c < '0' || c > '9' {
				return false, fmt.Errorf("%w: upstream content-length %q", ErrDispatch, val)
			}
			n = n*10 + int(c-'0')
			if n > r.max {
				return false, fmt.Errorf("%w: upstream body exceeds %d bytes", ErrDispatch, r.max)
			}
		}
		h.clen = n
	case bytes.EqualFold(name, hdrCT):
		h.typeSt, h.typeEnd = ls+vs, le
	case bytes.EqualFold(name, hdrTE):
		// chunked is not supported
		return false, fmt.Errorf("%w: upstream transfer-encoding %q", ErrDispatch, val)
	case !droppedHeader(name):
		if len(h.fields) == protocol.MaxHeaders {
			return false, fmt.Errorf("%w: more than %d upstream headers", ErrDispatch, protocol.MaxHeaders)
		}
		h.fields = append(h.fields, field{keySt: ls, keyEnd: ls + colon, valSt: ls + vs, valEnd: le})
	}
	return true, nil
}

// HTTP/1.x SP 3DIGIT SP reason
func (h *head) statusLine(line []byte, base int) error {
	if len(line) < 12 || !bytes.HasPrefix(line, httpPref) || line[8] != ' ' {
		return fmt.Errorf("%w: upstream status line %q", ErrDispatch, line)
	}
	code := 0
	for _, c := range line[9:12] {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: upstream status code %q", ErrDispatch, line[9:12])
		}
		code = code*10 + int(c-'0')
	}
	if code < 100 {
		return fmt.Errorf("%w: upstream status code %d", ErrDispatch, code)
	}
	h.code = code
	h.reasonSt, h.reasonEnd = base+12, base+len(line)
	if len(line) > 12 && line[12] == ' ' {
		h.reasonSt++
	}
	return nil
}

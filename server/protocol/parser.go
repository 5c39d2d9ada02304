// incremental HTTP/1.1 parser over the conn read buffer,
// request line -> headers -> body, resumable across non-blocking reads
package protocol

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http/httpguts"
)

type State uint8

const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
	StateProxy
)

// what the caller should do with the request
type Result uint8

const (
	Incomplete Result = iota // wait for the next readable event
	Local                    // serve from document root
	Body                     // POST with payload
	Proxy                    // hand over to proxy dispatcher
)

// Routes reports whether a request domain has a proxy backend
type Routes interface {
	Has(domain []byte) bool
}

// for fast access
var (
	http11 = []byte("HTTP/1.1")
	schemes = [][]byte{[]byte("http://"), []byte("https://")}

	hdrConnection    = []byte("Connection")
	hdrContentLength = []byte("Content-Length")
	hdrHost          = []byte("Host")
	keepAlive        = []byte("keep-alive")
)

// maxContentLength keeps body offsets inside View range
const maxContentLength = 1<<16 - 1

// parser state lives on the conn, so it can stop at any byte and go on later
type Parser struct {
	State   State
	Checked int // bytes scanned by ScanLine
	start   int // first byte of the current line
}

func (p *Parser) Reset() {
	*p = Parser{}
}

// bytes of the read buffer that belong to the parsed request
func (p *Parser) Consumed() int {
	return p.Checked
}

// parse buf[:read] from the saved cursors.
// buf is the whole read buffer, its len bounds the body size
func (p *Parser) Parse(buf []byte, read int, req *Request, routes Routes) (Result, error) {
	if len(buf) > maxContentLength {
		return Incomplete, fmt.Errorf("%w: buffer of %d bytes exceeds view range", ErrInternal, len(buf))
	}

	for {
		switch p.State {
		case StateBody:
			return p.parseBody(buf, read, req, routes), nil
		case StateProxy:
			return Proxy, nil
		}

		st, next := ScanLine(buf, p.Checked, read)
		p.Checked = next
		switch st {
		case LineOpen:
			return Incomplete, nil
		case LineBad:
			return Incomplete, fmt.Errorf("%w: malformed line end at %d", ErrInvalid, next)
		}

		line := view(p.start, p.Checked-2)
		p.start = p.Checked

		switch p.State {
		case StateRequestLine:
			if err := p.parseRequestLine(buf, line, req); err != nil {
				return Incomplete, err
			}
		case StateHeaders:
			done, err := p.parseHeader(buf, line, req)
			if err != nil {
				return Incomplete, err
			}
			if !done {
				continue
			}

			// a GET body is consumed too, it must not read as the next request
			if req.ContentLength != 0 {
				if p.Checked+req.ContentLength > len(buf) {
					return Incomplete, ErrTooLarge
				}
				p.State = StateBody
				continue
			}
			if routed(buf, req, routes) {
				p.State = StateProxy
				return Proxy, nil
			}
			return Local, nil
		default:
			return Incomplete, ErrInternal
		}
	}
}

func routed(buf []byte, req *Request, routes Routes) bool {
	return routes != nil && req.Domain.Len() > 0 && routes.Has(req.Domain.Bytes(buf))
}

// body is complete once content-length bytes arrived after the blank line
func (p *Parser) parseBody(buf []byte, read int, req *Request, routes Routes) Result {
	if read-p.Checked < req.ContentLength {
		return Incomplete
	}
	req.Body = view(p.Checked, p.Checked+req.ContentLength)
	p.Checked += req.ContentLength
	p.start = p.Checked

	if routed(buf, req, routes) {
		p.State = StateProxy
		return Proxy
	}
	if req.Method != MethodPost {
		return Local
	}
	return Body
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func skipSpace(b []byte, i int) int {
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	return i
}

func indexSpace(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if isSpace(b[i]) {
			return i
		}
	}
	return -1
}

// METHOD SP URL SP VERSION
func (p *Parser) parseRequestLine(buf []byte, line View, req *Request) error {
	text := line.Bytes(buf)
	base := int(line.St)

	sp := indexSpace(text, 0)
	if sp == -1 {
		return fmt.Errorf("%w: no url in request line", ErrInvalid)
	}
	switch method := text[:sp]; {
	case bytes.EqualFold(method, []byte("GET")):
		req.Method = MethodGet
	case bytes.EqualFold(method, []byte("POST")):
		req.Method = MethodPost
	default:
		return fmt.Errorf("%w: method %q", ErrInvalid, method)
	}

	us := skipSpace(text, sp)
	ue := indexSpace(text, us)
	if ue == -1 {
		return fmt.Errorf("%w: no version in request line", ErrInvalid)
	}
	vs := skipSpace(text, ue)
	if !bytes.Equal(text[vs:], http11) {
		return fmt.Errorf("%w: version %q", ErrInvalid, text[vs:])
	}
	req.Version = view(base+vs, base+len(text))

	// absolute form: drop scheme and authority, keep path from the next '/'
	url := text[us:ue]
	for _, scheme := range schemes {
		if len(url) >= len(scheme) && bytes.EqualFold(url[:len(scheme)], scheme) {
			slash := bytes.IndexByte(url[len(scheme):], '/')
			if slash == -1 {
				return fmt.Errorf("%w: absolute url without path", ErrInvalid)
			}
			cut := len(scheme) + slash
			url = url[cut:]
			us += cut
			break
		}
	}
	if len(url) == 0 || url[0] != '/' {
		return fmt.Errorf("%w: url %q", ErrInvalid, url)
	}

	if q := bytes.IndexByte(url, '?'); q != -1 {
		req.Query = view(base+us+q+1, base+us+len(url))
		url = url[:q]
	}
	req.URL = view(base+us, base+us+len(url))
	req.index = len(url) == 1

	p.State = StateHeaders
	return nil
}

// one header line; returns true on the blank line that ends the header block
func (p *Parser) parseHeader(buf []byte, line View, req *Request) (bool, error) {
	if line.Len() == 0 {
		return true, nil
	}

	text := line.Bytes(buf)
	base := int(line.St)

	colon := bytes.IndexByte(text, ':')
	if colon == -1 {
		return false, fmt.Errorf("%w: header without colon", ErrInvalid)
	}
	name := text[:colon]
	if !httpguts.ValidHeaderFieldName(string(name)) {
		return false, fmt.Errorf("%w: header name %q", ErrInvalid, name)
	}

	vs := skipSpace(text, colon+1)
	val := text[vs:]
	k, v := view(base, base+colon), view(base+vs, base+len(text))

	switch {
	case bytes.EqualFold(name, hdrConnection):
		req.Linger = bytes.EqualFold(val, keepAlive)

	case bytes.EqualFold(name, hdrContentLength):
		n, ok := parseUint(val)
		if !ok || n > maxContentLength {
			return false, fmt.Errorf("%w: content-length %q", ErrInvalid, val)
		}
		req.ContentLength = n

	case bytes.EqualFold(name, hdrHost):
		if !httpguts.ValidHostHeader(string(val)) {
			return false, fmt.Errorf("%w: host %q", ErrInvalid, val)
		}
		if err := splitHost(buf, v, req); err != nil {
			return false, err
		}
	}

	return false, req.setHeader(buf, k, v)
}

// split Host at the last ':' into domain and port.
// a host without port is kept whole and Port stays 0
func splitHost(buf []byte, v View, req *Request) error {
	val := v.Bytes(buf)
	req.Host = v
	req.Domain = v
	req.Port = 0

	i := bytes.LastIndexByte(val, ':')
	if i == -1 || val[len(val)-1] == ']' { // bare ipv6 literal
		return nil
	}
	port, ok := parseUint(val[i+1:])
	if !ok || port > 65535 {
		return fmt.Errorf("%w: host port %q", ErrInvalid, val[i+1:])
	}
	req.Domain = view(int(v.St), int(v.St)+i)
	req.Port = port
	return nil
}

// digits only, no sign, no spaces
func parseUint(b []byte) (int, bool) {
	if len(b) == 0 || len(b) > 10 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

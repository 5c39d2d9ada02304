package protocol

import "bytes"

// view for slice of the conn read buffer,
// it is valid only until the buffer is reset so never keep it longer than a request
type View struct {
	St  uint16
	End uint16
}

// view as buffer based on read buffer
func (v View) Bytes(buf []byte) []byte {
	return buf[v.St:v.End]
}

func (v View) Len() int {
	return int(v.End) - int(v.St)
}

func view(st, end int) View {
	return View{St: uint16(st), End: uint16(end)}
}

// header struct based on views
type HeaderView struct {
	Key, Val View
}

// header for response and proxy staging
type Header struct {
	Key, Val []byte
}

type Method uint8

const (
	MethodNone Method = iota
	MethodGet
	MethodPost
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	}
	return "NONE"
}

const MaxHeaders = 32

var indexPath = []byte("/index.html")

// request struct, all views refer to conn read buffer for zero-copy
type Request struct {
	Method  Method
	URL     View // path part of the url, scheme and authority stripped
	Query   View // raw query without '?'
	Version View

	Host   View
	Domain View
	Port   int // 0 when Host carries no port

	ContentLength int
	Body          View
	Linger        bool

	Headers [MaxHeaders]HeaderView
	Hcount  int

	index bool // "/" was rewritten to /index.html
}

// normalized path; "/" is served as /index.html
func (r *Request) Path(buf []byte) []byte {
	if r.index {
		return indexPath
	}
	return r.URL.Bytes(buf)
}

// case-insensitive header lookup
func (r *Request) Header(buf, key []byte) []byte {
	for i := range r.Hcount {
		h := &r.Headers[i]
		if bytes.EqualFold(h.Key.Bytes(buf), key) {
			return h.Val.Bytes(buf)
		}
	}
	return nil
}

// record header, last write wins for duplicate names
func (r *Request) setHeader(buf []byte, k, v View) error {
	key := k.Bytes(buf)
	for i := range r.Hcount {
		if bytes.EqualFold(r.Headers[i].Key.Bytes(buf), key) {
			r.Headers[i].Val = v
			return nil
		}
	}
	if r.Hcount == len(r.Headers) {
		return ErrInvalid
	}
	r.Headers[r.Hcount] = HeaderView{Key: k, Val: v}
	r.Hcount++
	return nil
}

func (r *Request) Reset() {
	*r = Request{}
}

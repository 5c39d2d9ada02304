package protocol

// lookup table for reason phrases
// i use flat list instead of map bc codes is fixed
var statusTable = [505][]byte{
	// 2xx
	200: []byte("OK"),
	201: []byte("Created"),
	202: []byte("Accepted"),
	204: []byte("No Content"),

	// 3xx
	301: []byte("Moved Permanently"),
	302: []byte("Found"),
	304: []byte("Not Modified"),

	// 4xx
	400: []byte("Bad Request"),
	403: []byte("Forbidden"),
	404: []byte("Not Found"),
	405: []byte("Method Not Allowed"),
	413: []byte("Payload Too Large"),

	// 5xx
	500: []byte("Internal Error"),
	502: []byte("Bad Gateway"),
	503: []byte("Service Unavailable"),
	504: []byte("Gateway Timeout"),
}

// default pages sent when there is no real resource
var errorPages = [505][]byte{
	400: []byte("Your request has bad syntax or is inherently impossible to staisfy.\n"),
	403: []byte("You do not have permission to get file form this server.\n"),
	404: []byte("The requested file was not found on this server.\n"),
	500: []byte("There was an unusual problem serving the request file.\n"),
}

// error codes without a page of their own get their reason phrase
var genericPage = []byte("The request could not be served.\n")

func init() {
	for code := 400; code < len(statusTable); code++ {
		if errorPages[code] == nil && statusTable[code] != nil {
			errorPages[code] = append(append([]byte(nil), statusTable[code]...), '.', '\n')
		}
	}
}

// body for 200 on an empty file
var EmptyPage = []byte("<html><body></body></html>")

// for fast access
var (
	proto = []byte("HTTP/1.1 ")
	crlf  = []byte("\r\n")
	colon = []byte(": ")

	HdrContentType   = []byte("Content-Type")
	HdrContentLength = []byte("Content-Length")
	HdrConnection    = []byte("Connection")

	ValKeepAlive = []byte("keep-alive")
	ValClose     = []byte("close")
)

// reason phrase or nil for codes we don't know
func Reason(code int) []byte {
	if code < 0 || code >= len(statusTable) {
		return nil
	}
	return statusTable[code]
}

// explanation body for an error code, nil below 400
func ErrorPage(code int) []byte {
	if code < 400 {
		return nil
	}
	if code < len(errorPages) && errorPages[code] != nil {
		return errorPages[code]
	}
	return genericPage
}

// helper func to copy int to pre-allocated buf with zero-alloc, buf is dst[n:]
// n should be uint bc / 10 (and % 10) for uints is faster (compiler use division by invariant integers), and our len or code > 0
func IntToBuf(buf []byte, n uint) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return copy(buf, tmp[i:])
}

// build response head (and inline body) into dst w zero alloc.
// dst is never written partially: if the response does not fit, ErrWriteFull
func BuildResp(dst []byte, code int, reason []byte, headers []Header, body []byte) (int, error) {
	if code < 100 || code > 999 {
		return 0, ErrInternal
	}

	need := len(proto) + 3 + 1 + len(reason) + len(crlf)
	for _, h := range headers {
		need += len(h.Key) + len(colon) + len(h.Val) + len(crlf)
	}
	need += len(crlf) + len(body)
	if need > len(dst) {
		return 0, ErrWriteFull
	}

	n := copy(dst, proto)
	n += IntToBuf(dst[n:], uint(code))
	dst[n] = ' '
	n++
	n += copy(dst[n:], reason)
	n += copy(dst[n:], crlf)

	for _, h := range headers {
		n += copy(dst[n:], h.Key)
		n += copy(dst[n:], colon)
		n += copy(dst[n:], h.Val)
		n += copy(dst[n:], crlf)
	}

	n += copy(dst[n:], crlf)
	n += copy(dst[n:], body)

	return n, nil
}

// content-length value into scratch
func LengthVal(scratch *[20]byte, n int) []byte {
	if n < 0 {
		n = 0
	}
	return scratch[:IntToBuf(scratch[:], uint(n))]
}

// connection header value for linger flag
func LingerVal(linger bool) []byte {
	if linger {
		return ValKeepAlive
	}
	return ValClose
}

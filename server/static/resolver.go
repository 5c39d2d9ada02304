// url -> file under document root -> read-only memory mapping
// only filesystem logic, http semantics are in protocol
package static

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/s00inx/relayd/server/protocol"
)

// resolver errors, conn maps them to status codes
var (
	ErrNotFound   = errors.New("resource not found")
	ErrForbidden  = errors.New("resource forbidden")
	ErrBadRequest = errors.New("resource not servable")
)

// max length of root + url
const MaxPathLen = 200

// Resolver maps request paths onto files under Root.
// Root is shared read-only between conns
type Resolver struct {
	Root string
}

// mapping of a whole file, exclusively owned by one conn
type Mapping struct {
	Data []byte // nil for empty files
	Size int64
	Type []byte

	released bool
}

// unmap, safe to call more than once
func (m *Mapping) Release() error {
	if m == nil || m.released {
		return nil
	}
	m.released = true

	if m.Data == nil {
		return nil
	}
	data := m.Data
	m.Data = nil
	return unix.Munmap(data)
}

var dotdot = []byte("..")

// any ".." segment escapes the root
func escapes(url []byte) bool {
	for seg := range bytes.SplitSeq(url, []byte{'/'}) {
		if bytes.Equal(seg, dotdot) {
			return true
		}
	}
	return false
}

// resolve url (normalized, starts with '/') to a mapping
func (r *Resolver) Resolve(url []byte) (*Mapping, error) {
	if escapes(url) {
		return nil, fmt.Errorf("%w: %q leaves document root", ErrBadRequest, url)
	}

	// fixed buffer, we fail instead of truncating
	var pbuf [MaxPathLen]byte
	if len(r.Root)+len(url) > len(pbuf) {
		return nil, fmt.Errorf("%w: path longer than %d bytes", ErrBadRequest, MaxPathLen)
	}
	n := copy(pbuf[:], r.Root)
	n += copy(pbuf[n:], url)
	path := string(pbuf[:n])

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
	}
	if st.Mode&unix.S_IROTH == 0 {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, path)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return nil, fmt.Errorf("%w: %s is a directory", ErrBadRequest, path)
	}

	m := &Mapping{Size: st.Size, Type: protocol.MimeType(url)}
	if st.Size == 0 { // mmap of zero length is EINVAL
		return m, nil
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: %s: %v", ErrForbidden, path, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	m.Data = data
	return m, nil
}

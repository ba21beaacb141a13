package protocol

import "github.com/kfcemployee/cgiserver/server/engine"

// lookup table for status codes
// i use flat list instead of map bc codes is fixed
var statusTable = [505][]byte{
	200: []byte("200 OK"),

	400: []byte("400 Bad Request"),
	403: []byte("403 Forbidden"),
	404: []byte("404 Not Found"),
	413: []byte("413 Payload Too Large"),

	500: []byte("500 Internal Server Error"),
	503: []byte("503 Service Unavailable"),
}

// bodies of error responses
var errorForms = [505]string{
	400: "Your request has bad syntax or is inherently impossible to satisfy.\n",
	403: "You do not have permission to get file from this server.\n",
	404: "The requested file was not found on this server.\n",
	413: "The request is larger than this server accepts.\n",
	500: "There was an unusual problem serving the requested file.\n",
}

// body sent for a zero-length file
const emptyDoc = "<html><body></body></html>"

// for fast access
var (
	proto = []byte("HTTP/1.1 ")
	crlf  = []byte("\r\n")
	colon = []byte(": ")

	hdrConnClose     = []byte("Connection: close\r\n")
	hdrConnKeepAlive = []byte("Connection: keep-alive\r\n")
)

// helper func to copy int to pre-allocated buf with zero-alloc, buf is dst[n:]
// n should be uint bc / 10 (and % 10) for uints is faster, and our len or code > 0
func IntToBuf(buf []byte, n uint) int {
	if len(buf) == 0 {
		return 0
	}
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
	if len(buf) < len(tmp)-i {
		return 0
	}
	return copy(buf, tmp[i:])
}

// Builder appends a response into a fixed buffer
// every append is bounds-checked; the first overflow sticks in Err
type Builder struct {
	dst []byte
	n   int
	err error
}

func NewBuilder(dst []byte) Builder {
	return Builder{dst: dst}
}

func (b *Builder) write(p []byte) {
	if b.err != nil {
		return
	}
	if len(b.dst)-b.n < len(p) {
		b.err = ErrOverflow
		return
	}
	b.n += copy(b.dst[b.n:], p)
}

// Status writes the status line; unknown codes become 500
func (b *Builder) Status(code int) {
	if code < 100 || code >= len(statusTable) || statusTable[code] == nil {
		code = 500
	}
	b.write(proto)
	b.write(statusTable[code])
	b.write(crlf)
}

func (b *Builder) Header(key, val string) {
	b.write([]byte(key))
	b.write(colon)
	b.write([]byte(val))
	b.write(crlf)
}

// HeaderInt writes a header with a non-negative integer value
func (b *Builder) HeaderInt(key string, v int) {
	b.write([]byte(key))
	b.write(colon)
	if b.err == nil {
		n := IntToBuf(b.dst[b.n:], uint(v))
		if n == 0 {
			b.err = ErrOverflow
		}
		b.n += n
	}
	b.write(crlf)
}

func (b *Builder) Connection(keepAlive bool) {
	if keepAlive {
		b.write(hdrConnKeepAlive)
	} else {
		b.write(hdrConnClose)
	}
}

// End closes the header section
func (b *Builder) End() { b.write(crlf) }

func (b *Builder) Body(p []byte) { b.write(p) }

func (b *Builder) Len() int   { return b.n }
func (b *Builder) Err() error { return b.err }

// WriteError buffers a complete error response for code into c
func WriteError(c *engine.Conn, code int) error {
	form := errorForms[500]
	if code > 0 && code < len(errorForms) && errorForms[code] != "" {
		form = errorForms[code]
	}

	b := NewBuilder(c.WBuf)
	b.Status(code)
	b.HeaderInt("Content-Length", len(form))
	b.Connection(c.Req.KeepAlive)
	b.End()
	b.Body([]byte(form))
	if b.Err() != nil {
		return b.Err()
	}
	c.WriteIdx = b.Len()
	return nil
}

// WriteFile buffers status line and headers for the resolved file
// the body goes out from the mapping, except for empty files
func WriteFile(c *engine.Conn) error {
	size := int(c.Target.Info.Size())

	b := NewBuilder(c.WBuf)
	b.Status(200)
	if size == 0 {
		b.HeaderInt("Content-Length", len(emptyDoc))
		b.Connection(c.Req.KeepAlive)
		b.End()
		b.Body([]byte(emptyDoc))
	} else {
		b.HeaderInt("Content-Length", size)
		b.Connection(c.Req.KeepAlive)
		b.End()
	}
	if b.Err() != nil {
		return b.Err()
	}
	c.WriteIdx = b.Len()
	return nil
}

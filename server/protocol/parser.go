// incremental HTTP request parser over a connection read buffer
// only parser logic, the reactor fills Buf/ReadIdx
package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/kfcemployee/cgiserver/server/engine"
)

const (
	MaxURLLen  = 200         // url length including the default document
	DefaultDoc = "home.html" // appended to urls ending in '/'
)

type lineStatus uint8

const (
	lineOK   lineStatus = iota
	lineBad             // broken terminator
	lineOpen            // need more bytes
)

var (
	methodGet = []byte("GET")
	version11 = []byte("HTTP/1.1")

	hdrConnection    = []byte("Connection")
	hdrContentLength = []byte("Content-Length")
	hdrHost          = []byte("Host")
	keepAlive        = []byte("keep-alive")
)

// Parse drives the request state machine over the bytes buffered in c
// returns nil when a complete request is parsed, ErrIncomplete when more
// bytes are needed, anything else is a protocol error
// safe to call again after more bytes arrive: scanning resumes at c.Checked
func Parse(c *engine.Conn) error {
	for {
		if c.Req.State == engine.CheckContent {
			return parseContent(c)
		}

		end, st := parseLine(c)
		switch st {
		case lineOpen:
			return ErrIncomplete
		case lineBad:
			return fmt.Errorf("%w: bad line terminator at %d", ErrInvalid, c.Checked)
		}

		text := c.Line(end)
		c.StartLine = c.Checked

		switch c.Req.State {
		case engine.CheckRequestLine:
			if err := parseRequestLine(&c.Req, text); err != nil {
				return err
			}
		case engine.CheckHeader:
			done, err := parseHeader(c, text)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			return ErrInternal
		}
	}
}

// parseLine looks for the end of the current line starting at c.Checked
// on lineOK end is the index of the terminator and c.Checked is past it
// a '\r' at the end of the data leaves c.Checked on it, so the next call retries
func parseLine(c *engine.Conn) (end int, st lineStatus) {
	for ; c.Checked < c.ReadIdx; c.Checked++ {
		switch c.Buf[c.Checked] {
		case '\r':
			if c.Checked+1 == c.ReadIdx {
				return 0, lineOpen
			}
			if c.Buf[c.Checked+1] == '\n' {
				end = c.Checked
				c.Checked += 2
				return end, lineOK
			}
			return 0, lineBad

		case '\n':
			// bare LF ends a line, but not as the first byte of the stream
			if c.Checked == 0 {
				return 0, lineBad
			}
			end = c.Checked
			c.Checked++
			return end, lineOK
		}
	}
	return 0, lineOpen
}

// request line: METHOD SP+ URL SP+ VERSION
func parseRequestLine(req *engine.Request, text []byte) error {
	i := bytes.IndexAny(text, " \t")
	if i < 0 {
		return fmt.Errorf("%w: no url", ErrInvalid)
	}
	if !bytes.EqualFold(text[:i], methodGet) {
		return fmt.Errorf("%w: method %q", ErrInvalid, text[:i])
	}

	rest := bytes.TrimLeft(text[i:], " \t")
	j := bytes.IndexAny(rest, " \t")
	if j < 0 {
		return fmt.Errorf("%w: no version", ErrInvalid)
	}
	url := rest[:j]
	version := bytes.TrimLeft(rest[j:], " \t")
	if !bytes.EqualFold(version, version11) {
		return fmt.Errorf("%w: version %q", ErrInvalid, version)
	}

	url = stripHost(url)
	if len(url) == 0 || url[0] != '/' {
		return fmt.Errorf("%w: url must start with /", ErrInvalid)
	}

	u := string(url)
	if strings.HasSuffix(u, "/") {
		u += DefaultDoc
	}
	if len(u) > MaxURLLen {
		return fmt.Errorf("%w: url longer than %d", ErrInvalid, MaxURLLen)
	}

	req.Method = string(methodGet)
	req.URL = u
	req.Version = string(version11)
	req.State = engine.CheckHeader
	return nil
}

// stripHost drops a "scheme://host" prefix, keeping everything from the first '/'
// returns nil if there is a prefix but no path after it
func stripHost(url []byte) []byte {
	i := bytes.Index(url, []byte("://"))
	if i <= 0 || !isScheme(url[:i]) {
		return url
	}
	rest := url[i+3:]
	k := bytes.IndexByte(rest, '/')
	if k < 0 {
		return nil
	}
	return rest[k:]
}

func isScheme(b []byte) bool {
	for _, ch := range b {
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			return false
		}
	}
	return true
}

// header line or the blank line that ends the header section
// done is true when the request is complete without a body
func parseHeader(c *engine.Conn, text []byte) (done bool, err error) {
	req := &c.Req
	if len(text) == 0 {
		if req.ContentLength == 0 {
			return true, nil
		}
		// body has to fit in what is left of the read buffer
		if c.Checked+req.ContentLength > len(c.Buf) {
			return false, fmt.Errorf("%w: body of %d bytes", ErrTooLarge, req.ContentLength)
		}
		req.State = engine.CheckContent
		return false, nil
	}

	colon := bytes.IndexByte(text, ':')
	if colon <= 0 {
		return false, fmt.Errorf("%w: header without name", ErrInvalid)
	}
	key := text[:colon]
	val := bytes.Trim(text[colon+1:], " \t")

	switch {
	case bytes.EqualFold(key, hdrConnection):
		if bytes.EqualFold(val, keepAlive) {
			req.KeepAlive = true
		}
	case bytes.EqualFold(key, hdrContentLength):
		n, ok := parseLength(val)
		if !ok {
			return false, fmt.Errorf("%w: content-length %q", ErrInvalid, val)
		}
		req.ContentLength = n
	case bytes.EqualFold(key, hdrHost):
		req.Host = string(val)
	}
	// other headers are accepted and ignored
	return false, nil
}

// non-negative decimal, bounded so it cannot overflow
func parseLength(b []byte) (int, bool) {
	if len(b) == 0 || len(b) > 9 {
		return 0, false
	}
	n := 0
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		n = n*10 + int(ch-'0')
	}
	return n, true
}

// body is complete once content-length bytes follow the header section
func parseContent(c *engine.Conn) error {
	cl := c.Req.ContentLength
	if c.ReadIdx < c.Checked+cl {
		return ErrIncomplete
	}
	c.Req.Body = c.Buf[c.Checked : c.Checked+cl]
	return nil
}

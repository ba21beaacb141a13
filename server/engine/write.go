package engine

import (
	"errors"

	"golang.org/x/sys/unix"
)

// pending returns the unsent parts of header buffer and mapped body
func (c *Conn) pending() [][]byte {
	hdr := c.WBuf[:c.WriteIdx]
	body := c.mapped

	iov := make([][]byte, 0, 2)
	if c.sent < len(hdr) {
		iov = append(iov, hdr[c.sent:])
		if len(body) > 0 {
			iov = append(iov, body)
		}
		return iov
	}
	if off := c.sent - len(hdr); off < len(body) {
		iov = append(iov, body[off:])
	}
	return iov
}

// flush writes buffered headers and mapped body with writev
// done is true when everything went out; the mapping is dropped then
// (false, nil) means the socket would block and must be re-armed for writes
func (c *Conn) flush() (done bool, err error) {
	for {
		iov := c.pending()
		if len(iov) == 0 {
			c.Unmap()
			return true, nil
		}

		n, err := unix.Writev(c.Fd, iov)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return false, nil
			}
			c.Unmap()
			return false, err
		}
		c.sent += n
	}
}

// writeFull writes b to a socket synchronously, used only outside the buffered path
// (busy response on accept, CGI preamble before fork)
func writeFull(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

// connection state kept per socket slot
// parser fields live here so protocol can work on them without copying
package engine

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	ReadBufSize  = 2048 // fixed read buffer per connection
	WriteBufSize = 1024 // fixed write buffer for status line and headers
)

// CheckState is the position of the request state machine
type CheckState uint8

const (
	CheckRequestLine CheckState = iota
	CheckHeader
	CheckContent
)

func (cs CheckState) String() string {
	switch cs {
	case CheckRequestLine:
		return "request-line"
	case CheckHeader:
		return "header"
	case CheckContent:
		return "content"
	}
	return "unknown"
}

// ConnState is the lifecycle stage of a connection slot, used for logs and checks
type ConnState uint8

const (
	StateFree ConnState = iota
	StateReading
	StateQueued
	StateParsing
	StateWriting
	StateDispatched
)

func (cs ConnState) String() string {
	return [...]string{"free", "reading", "queued", "parsing", "writing", "dispatched"}[cs]
}

// parsed request, filled by protocol.Parse
type Request struct {
	State CheckState

	Method        string
	URL           string
	Version       string
	Host          string
	ContentLength int
	KeepAlive     bool

	Body []byte // window into Conn.Buf
}

// Target is what the URL resolved to: a file to map or a program to run
type Target struct {
	Path  string
	Info  os.FileInfo
	CGI   bool
	Query string
}

// Conn is one slot of the arena
// Buf/WBuf come from pools and are held only while the slot is live
type Conn struct {
	Handle int32 // stable slot index, used as epoll token
	Fd     int
	Peer   string

	Buf       []byte
	ReadIdx   int // bytes received
	Checked   int // bytes scanned by the line parser
	StartLine int // start of the line being interpreted

	WBuf     []byte
	WriteIdx int // bytes of WBuf queued to send

	Req    Request
	Target Target

	mapped []byte // mmap'd response body, nil when not mapped
	sent   int    // bytes of WBuf+mapped already written

	state ConnState
}

var (
	readPool = sync.Pool{
		New: func() any {
			return make([]byte, ReadBufSize)
		},
	}
	writePool = sync.Pool{
		New: func() any {
			return make([]byte, WriteBufSize)
		},
	}
)

// init slot for a freshly accepted socket
func (c *Conn) Init(fd int, peer string) {
	c.Fd = fd
	c.Peer = peer
	if c.Buf == nil {
		c.Buf = readPool.Get().([]byte)
	}
	if c.WBuf == nil {
		c.WBuf = writePool.Get().([]byte)
	}
	c.Reset()
}

// Reset re-initializes parser state and logically clears both buffers
// fd and peer stay, so a keep-alive connection can go on reading
func (c *Conn) Reset() {
	c.Unmap()

	c.ReadIdx = 0
	c.Checked = 0
	c.StartLine = 0
	c.WriteIdx = 0
	c.sent = 0

	c.Req = Request{}
	c.Target = Target{}
	c.state = StateReading
}

// release buffers back to pools, slot becomes free
func (c *Conn) release() {
	c.Reset()
	if c.Buf != nil {
		readPool.Put(c.Buf[:cap(c.Buf)])
		c.Buf = nil
	}
	if c.WBuf != nil {
		writePool.Put(c.WBuf[:cap(c.WBuf)])
		c.WBuf = nil
	}
	c.Fd = -1
	c.Peer = ""
	c.state = StateFree
}

// State returns where the connection is in its lifecycle
func (c *Conn) State() ConnState { return c.state }

// Line returns the current line being interpreted, without terminator
func (c *Conn) Line(end int) []byte {
	return c.Buf[c.StartLine:end]
}

// MapFile maps the whole file read-only as the response body
// zero length files are not mapped
func (c *Conn) MapFile(path string, size int64) error {
	c.Unmap()
	if size == 0 {
		return nil
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd) // mapping survives close

	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	c.mapped = b
	return nil
}

// Mapped returns the mapped body, nil if none
func (c *Conn) Mapped() []byte { return c.mapped }

// Unmap releases the mapped region; safe to call any number of times
func (c *Conn) Unmap() {
	if c.mapped == nil {
		return
	}
	unix.Munmap(c.mapped)
	c.mapped = nil
}

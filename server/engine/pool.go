// work queue and worker logic
package engine

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrQueueFull = errors.New("engine: work queue full")

// Action tells the reactor what to do with a connection after processing
type Action uint8

const (
	ActionRead     Action = iota // request incomplete, watch for reads again
	ActionWrite                  // response buffered, watch for writes
	ActionClose                  // drop the connection
	ActionDispatch               // hand the socket to a CGI child
	ActionResume                 // reset or close per keep-alive (child gone)
)

func (a Action) String() string {
	return [...]string{"read", "write", "close", "dispatch", "resume"}[a]
}

// Handler is the processing entry point run on workers
// it may only look at buffered data and fill the write buffer
type Handler interface {
	Process(c *Conn) Action
}

// HandlerFunc adapts a func to Handler
type HandlerFunc func(c *Conn) Action

func (f HandlerFunc) Process(c *Conn) Action { return f(c) }

// queue is a bounded FIFO of ready connections
// a buffered channel wakes exactly one blocked receiver per item
type queue struct {
	jobs      chan *Conn
	closeOnce sync.Once
}

func newQueue(capacity int) *queue {
	return &queue{jobs: make(chan *Conn, capacity)}
}

// push never blocks: a full queue is reported back to the caller
func (q *queue) push(c *Conn) error {
	select {
	case q.jobs <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *queue) close() {
	q.closeOnce.Do(func() { close(q.jobs) })
}

func (q *queue) len() int { return len(q.jobs) }

// pool runs N workers over the queue
type pool struct {
	q   *queue
	h   Handler
	cgi *launcher
	r   commandPoster
	log logrus.FieldLogger
	wg  sync.WaitGroup
}

// commandPoster is the only way workers talk back to the reactor
type commandPoster interface {
	post(c *Conn, a Action)
}

func (p *pool) start(n int) {
	for range n {
		p.wg.Add(1)
		go p.work()
	}
}

// handle connection: parse -> respond or dispatch -> report to reactor
func (p *pool) work() {
	defer p.wg.Done()
	for c := range p.q.jobs {
		c.state = StateParsing
		act := p.h.Process(c)

		if act == ActionDispatch {
			act = p.dispatch(c)
			if act == ActionDispatch {
				// child owns the socket now, reaper brings it back
				continue
			}
		}
		p.r.post(c, act)
	}
}

func (p *pool) dispatch(c *Conn) Action {
	err := p.cgi.launch(c)
	switch {
	case err == nil:
		return ActionDispatch
	case errors.Is(err, errExec):
		p.log.WithFields(logrus.Fields{"conn": c.Handle, "path": c.Target.Path}).WithError(err).Warn("cgi exec failed")
		return ActionResume
	default:
		p.log.WithFields(logrus.Fields{"conn": c.Handle, "path": c.Target.Path}).WithError(err).Warn("cgi launch failed")
		return ActionClose
	}
}

// stop closes the queue and waits for workers to drain it
func (p *pool) stop() {
	p.q.close()
	p.wg.Wait()
}

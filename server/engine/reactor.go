// reactor: the only goroutine that touches epoll and does socket I/O
// workers parse buffered bytes and report back through post()
package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

var busyResp = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Length: 20\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Internal server busy")

// Config for the engine, zero values get defaults in New
type Config struct {
	Addr [4]byte
	Port int

	Workers   int // worker goroutines, default NumCPU
	QueueSize int // work queue capacity, default 1024
	MaxConns  int // connection slots, default 65536

	AcceptRate  rate.Limit // accepted connections per second, 0 = unlimited
	AcceptBurst int

	ServerName string // Server header of CGI responses

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 65536
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 1
	}
	if c.ServerName == "" {
		c.ServerName = "cgiserver"
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

type command struct {
	c   *Conn
	act Action
}

// Reactor owns the listener, epoll, the self-pipe and the connection arena
type Reactor struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *Metrics

	lfd    int
	addr   netip.AddrPort
	poll   *poller
	pipe   *selfPipe
	conns  *arena
	q      *queue
	pool   *pool
	cgi    *launcher
	kids   *childTable
	accept *rate.Limiter // nil when unlimited

	mu   sync.Mutex // guards cmds
	cmds []command

	pipeBuf []byte
}

// New sets up the listening socket and every reactor resource
// nothing runs until Run
func New(cfg Config, h Handler) (*Reactor, error) {
	cfg.withDefaults()
	r := &Reactor{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		lfd:     -1,
		conns:   newArena(cfg.MaxConns),
		q:       newQueue(cfg.QueueSize),
		kids:    newChildTable(),
		pipeBuf: make([]byte, 1024),
	}
	if cfg.AcceptRate > 0 {
		r.accept = rate.NewLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	}

	var err error
	if r.poll, err = newPoller(); err != nil {
		return nil, err
	}
	if r.pipe, err = newSelfPipe(); err != nil {
		r.poll.close()
		return nil, err
	}
	if r.cgi, err = newLauncher(r.kids, cfg.ServerName, r.log, r.metrics); err != nil {
		r.release()
		return nil, err
	}
	if r.lfd, err = listenSocket(cfg.Addr, cfg.Port); err != nil {
		r.release()
		return nil, err
	}
	if r.addr, err = sockAddr(r.lfd); err != nil {
		r.release()
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	if err := r.poll.add(r.lfd, tokenListener, unix.EPOLLIN); err != nil {
		r.release()
		return nil, fmt.Errorf("register listener: %w", err)
	}
	if err := r.poll.add(r.pipe.r, tokenPipe, unix.EPOLLIN); err != nil {
		r.release()
		return nil, fmt.Errorf("register self-pipe: %w", err)
	}

	r.pool = &pool{q: r.q, h: h, cgi: r.cgi, r: r, log: r.log}
	return r, nil
}

// Addr is the bound listening address
func (r *Reactor) Addr() netip.AddrPort { return r.addr }

// Run starts workers and the child relay, then loops until Close or a fatal epoll error
func (r *Reactor) Run() error {
	r.pool.start(r.cfg.Workers)
	r.pipe.relay(syscall.SIGCHLD)

	r.log.WithFields(logrus.Fields{
		"addr":    r.addr.String(),
		"workers": r.cfg.Workers,
		"slots":   r.conns.cap(),
	}).Info("reactor started")

	for {
		evs, err := r.poll.wait()
		if err != nil {
			r.log.WithError(err).Error("reactor stopped")
			r.shutdown()
			return err
		}

		stop := false
		for _, ev := range evs {
			switch ev.Fd {
			case tokenListener:
				r.acceptAll()
			case tokenPipe:
				stop = r.onPipe() || stop
			default:
				r.handle(ev.Fd, ev.Events)
			}
		}

		if stop {
			r.shutdown()
			r.log.Info("reactor stopped")
			return nil
		}
	}
}

// onPipe drains the self-pipe, reaps, applies worker commands and reports a stop request
// a child byte can be lost when the pipe is full of wake bytes, so any byte triggers a reap
func (r *Reactor) onPipe() bool {
	child, wake, stop := r.pipe.drain(r.pipeBuf)
	if child || wake {
		r.reapChildren()
	}
	if wake {
		r.applyCommands()
	}
	return stop
}

// Close asks the reactor to stop; Run returns once everything is released
func (r *Reactor) Close() error {
	r.pipe.send(byteStop)
	return nil
}

// accept every pending connection on the listener
func (r *Reactor) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(r.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EAGAIN):
			default:
				r.log.WithError(err).Warn("accept failed")
			}
			return
		}
		peer := addrPort(sa).String()

		if r.conns.live() >= r.conns.cap() {
			r.reject(nfd, peer, "busy")
			continue
		}
		if r.accept != nil && !r.accept.Allow() {
			r.reject(nfd, peer, "rate")
			continue
		}

		// accepted sockets inherit the listener's linger 0; replies must not be cut by a reset
		unix.SetsockoptLinger(nfd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{})

		c := r.conns.alloc()
		c.Init(nfd, peer)
		if err := r.poll.add(nfd, c.Handle, unix.EPOLLIN|connEvents); err != nil {
			r.log.WithError(err).WithField("peer", peer).Warn("register connection")
			r.closeConn(c)
			continue
		}

		r.metrics.Accepted.Inc()
		r.metrics.Active.Set(float64(r.conns.live()))
		r.log.WithFields(logrus.Fields{"conn": c.Handle, "fd": nfd, "peer": peer}).Debug("accepted")
	}
}

// send the busy response and drop the socket without ever taking a slot
func (r *Reactor) reject(fd int, peer, reason string) {
	unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{})
	writeFull(fd, busyResp)
	unix.Close(fd)
	r.metrics.Rejected.WithLabelValues(reason).Inc()
	r.log.WithFields(logrus.Fields{"peer": peer, "reason": reason}).Warn("connection rejected")
}

// handle a readiness event on a connection slot
func (r *Reactor) handle(h int32, events uint32) {
	c := r.conns.get(h)
	if c == nil {
		return
	}

	switch {
	case events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
		r.closeConn(c)

	case events&unix.EPOLLIN != 0:
		if !r.read(c) {
			r.closeConn(c)
			return
		}
		c.state = StateQueued
		if err := r.q.push(c); err != nil {
			// never block here: drop the connection instead
			r.metrics.QueueFull.Inc()
			r.log.WithField("conn", c.Handle).WithError(err).Warn("dropping connection")
			r.closeConn(c)
		}

	case events&unix.EPOLLOUT != 0:
		done, err := c.flush()
		switch {
		case err != nil:
			r.log.WithField("conn", c.Handle).WithError(err).Debug("write failed")
			r.closeConn(c)
		case !done:
			r.rearm(c, unix.EPOLLOUT)
		case c.Req.KeepAlive:
			c.Reset()
			r.rearm(c, unix.EPOLLIN)
		default:
			r.closeConn(c)
		}
	}
}

// read until the socket would block; false on error, peer close or a full buffer
// that was full before reading
func (r *Reactor) read(c *Conn) bool {
	if c.ReadIdx >= len(c.Buf) {
		return false
	}
	for {
		n, err := unix.Read(c.Fd, c.Buf[c.ReadIdx:])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return true
			}
			return false
		}
		if n == 0 {
			return false
		}
		c.ReadIdx += n
		if c.ReadIdx == len(c.Buf) {
			// let the parser decide whether this is enough
			return true
		}
	}
}

// rearm the one-shot registration, closing on failure
func (r *Reactor) rearm(c *Conn, events uint32) {
	if events&unix.EPOLLOUT != 0 {
		c.state = StateWriting
	} else {
		c.state = StateReading
	}
	if err := r.poll.mod(c.Fd, c.Handle, events); err != nil {
		r.log.WithField("conn", c.Handle).WithError(err).Warn("rearm failed")
		r.closeConn(c)
	}
}

// resume a connection after its CGI child is gone
func (r *Reactor) resume(c *Conn) {
	if err := unix.SetNonblock(c.Fd, true); err != nil {
		r.closeConn(c)
		return
	}
	if !c.Req.KeepAlive {
		r.closeConn(c)
		return
	}
	c.Reset()
	r.rearm(c, unix.EPOLLIN)
}

// closeConn tears a slot down: deregister, close, unmap, recycle
func (r *Reactor) closeConn(c *Conn) {
	if c.state == StateFree {
		return
	}
	r.poll.del(c.Fd)
	unix.Close(c.Fd)
	r.log.WithFields(logrus.Fields{"conn": c.Handle, "peer": c.Peer}).Debug("closed")

	c.release()
	r.conns.put(c)
	r.metrics.Closed.Inc()
	r.metrics.Active.Set(float64(r.conns.live()))
}

// post is called by workers; the reactor applies it on its own goroutine
func (r *Reactor) post(c *Conn, a Action) {
	r.mu.Lock()
	r.cmds = append(r.cmds, command{c: c, act: a})
	r.mu.Unlock()
	r.pipe.send(byteWake)
}

func (r *Reactor) applyCommands() {
	r.mu.Lock()
	cmds := r.cmds
	r.cmds = nil
	r.mu.Unlock()

	for _, cmd := range cmds {
		c := cmd.c
		switch cmd.act {
		case ActionRead:
			r.rearm(c, unix.EPOLLIN)
		case ActionWrite:
			r.rearm(c, unix.EPOLLOUT)
		case ActionResume:
			r.resume(c)
		default:
			r.closeConn(c)
		}
	}
}

func (r *Reactor) reapChildren() {
	for _, ch := range r.kids.reap(r.log) {
		c := r.conns.get(ch.handle)
		if c == nil || c.state != StateDispatched {
			continue
		}
		r.metrics.CGIReaped.Inc()
		r.resume(c)
	}
}

// shutdown stops workers, then closes every live slot and the reactor fds
func (r *Reactor) shutdown() {
	r.pool.stop()

	r.mu.Lock()
	r.cmds = nil
	r.mu.Unlock()

	// abrupt close for whatever is still open
	for i := range r.conns.slots {
		c := &r.conns.slots[i]
		if c.state == StateFree {
			continue
		}
		unix.SetsockoptLinger(c.Fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1})
		r.closeConn(c)
	}
	r.release()
}

func (r *Reactor) release() {
	if r.lfd >= 0 {
		unix.Close(r.lfd)
		r.lfd = -1
	}
	if r.cgi != nil {
		r.cgi.close()
	}
	if r.pipe != nil {
		r.pipe.close()
	}
	if r.poll != nil {
		r.poll.close()
	}
}

// CGI launching and reaping
// a child gets the client socket as stdout; the reactor gets the slot back when it exits
package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	QueryEnv     = "QUERY_STRING"
	RequestIDEnv = "REQUEST_ID"
)

// bound on the blocking preamble write, a peer that never reads must not pin a worker
const preambleTimeout = 5 * time.Second

var (
	errFork = errors.New("cgi: fork failed")
	errExec = errors.New("cgi: exec failed")
)

// childTable maps a child pid to the handle of the connection it writes to
// mu is held across fork+insert and across the reap loop, so a child that
// exits immediately cannot be reaped before it is recorded
type childTable struct {
	mu     sync.Mutex
	owners map[int]child
}

type child struct {
	handle int32
	id     string
}

func newChildTable() *childTable {
	return &childTable{owners: make(map[int]child)}
}

// take removes and returns the owner of pid
func (t *childTable) take(pid int) (child, bool) {
	ch, ok := t.owners[pid]
	if ok {
		delete(t.owners, pid)
	}
	return ch, ok
}

func (t *childTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owners)
}

// launcher starts CGI children on workers
type launcher struct {
	table   *childTable
	server  string // value of the Server header in the preamble
	devnull int
	timeout time.Duration // SO_SNDTIMEO while the preamble is written
	log     logrus.FieldLogger
	metrics *Metrics
}

func newLauncher(t *childTable, server string, log logrus.FieldLogger, m *Metrics) (*launcher, error) {
	fd, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	return &launcher{table: t, server: server, devnull: fd, timeout: preambleTimeout, log: log, metrics: m}, nil
}

func (l *launcher) preamble() []byte {
	return []byte("HTTP/1.1 200 OK\r\nServer: " + l.server + "\r\n")
}

// launch writes the status line, then forks the program with stdout on the socket
// the socket is left blocking while the child owns it
func (l *launcher) launch(c *Conn) error {
	if err := unix.SetNonblock(c.Fd, false); err != nil {
		return fmt.Errorf("%w: %w", errFork, err)
	}
	tv := unix.NsecToTimeval(l.timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.Fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("%w: %w", errFork, err)
	}
	if err := writeFull(c.Fd, l.preamble()); err != nil {
		return fmt.Errorf("%w: preamble: %w", errFork, err)
	}
	// the child writes without a deadline
	if err := unix.SetsockoptTimeval(c.Fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &unix.Timeval{}); err != nil {
		return fmt.Errorf("%w: %w", errFork, err)
	}

	id := uuid.NewString()
	env := append(os.Environ(), QueryEnv+"="+c.Target.Query, RequestIDEnv+"="+id)
	attr := &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{uintptr(l.devnull), uintptr(c.Fd), uintptr(unix.Stderr)},
	}

	// once the entry is in the table the reaper may resume c at any time,
	// so nothing below the unlock reads c
	path, h := c.Target.Path, c.Handle
	l.table.mu.Lock()
	pid, err := syscall.ForkExec(path, []string{path}, attr)
	if err == nil {
		l.table.owners[pid] = child{handle: h, id: id}
		c.state = StateDispatched
	}
	l.table.mu.Unlock()

	if err != nil {
		l.metrics.CGIFailed.Inc()
		// ForkExec reaps a child whose exec failed; any other error means no child
		var errno syscall.Errno
		if errors.As(err, &errno) && errno != unix.EAGAIN && errno != unix.ENOMEM {
			return fmt.Errorf("%w: %w", errExec, err)
		}
		return fmt.Errorf("%w: %w", errFork, err)
	}

	l.metrics.CGILaunched.Inc()
	l.log.WithFields(logrus.Fields{
		"conn":       h,
		"pid":        pid,
		"request_id": id,
		"path":       path,
	}).Debug("cgi started")
	return nil
}

func (l *launcher) close() {
	unix.Close(l.devnull)
}

// reap collects every terminated child without blocking
// returns the owners of known pids, unknown pids are dropped
func (t *childTable) reap(log logrus.FieldLogger) []child {
	t.mu.Lock()
	defer t.mu.Unlock()

	var owners []child
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			break // ECHILD: nothing left
		}
		if pid <= 0 {
			break
		}

		ch, ok := t.take(pid)
		if !ok {
			log.WithField("pid", pid).Debug("reaped unknown child")
			continue
		}
		log.WithFields(logrus.Fields{
			"pid":        pid,
			"conn":       ch.handle,
			"request_id": ch.id,
			"status":     ws.ExitStatus(),
		}).Debug("cgi exited")
		owners = append(owners, ch)
	}
	return owners
}

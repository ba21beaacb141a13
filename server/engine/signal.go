// self-pipe: turns signals and cross-goroutine wakeups into epoll readiness
package engine

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// bytes that travel through the pipe
// signals are sent as their number (< 65), control bytes are above that range
const (
	byteChild = byte(syscall.SIGCHLD)
	byteWake  = 'w' // worker posted a command
	byteStop  = 'q' // reactor should return
)

type selfPipe struct {
	r, w int

	sigs chan os.Signal
	done chan struct{}

	mu     sync.RWMutex // guards w against close while senders run
	closed bool
}

func newSelfPipe() (*selfPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	return &selfPipe{r: fds[0], w: fds[1], done: make(chan struct{})}, nil
}

// relay subscribes to sig and writes one byte per delivery, nothing else
func (p *selfPipe) relay(sig syscall.Signal) {
	p.sigs = make(chan os.Signal, 16)
	signal.Notify(p.sigs, sig)

	go func() {
		for {
			select {
			case s := <-p.sigs:
				p.send(byte(s.(syscall.Signal)))
			case <-p.done:
				return
			}
		}
	}()
}

// send one byte; on EAGAIN the byte is dropped, the pipe is readable anyway
// and the reactor reaps on every byte it drains
func (p *selfPipe) send(b byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for {
		_, err := unix.Write(p.w, []byte{b})
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return
	}
}

// drain reads every pending byte into buf and reports what arrived
func (p *selfPipe) drain(buf []byte) (child, wake, stop bool) {
	for {
		n, err := unix.Read(p.r, buf)
		if n <= 0 || err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case byteChild:
				child = true
			case byteWake:
				wake = true
			case byteStop:
				stop = true
			}
		}
	}
}

func (p *selfPipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	if p.sigs != nil {
		signal.Stop(p.sigs)
	}
	close(p.done)
	unix.Close(p.r)
	unix.Close(p.w)
}

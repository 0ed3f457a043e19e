// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/bureau-foundation/objlink/lib/fdcache"
	"github.com/bureau-foundation/objlink/lib/fdpass"
	"github.com/bureau-foundation/objlink/lib/protocol"
	"github.com/bureau-foundation/objlink/lib/wire"
)

// ThreadFunc is the body of a thread.
type ThreadFunc func(*Thread) error

// ProcessOptions configures a Process. Zero fields take defaults.
type ProcessOptions struct {
	Logger *slog.Logger

	// Exit terminates the whole process. Default: os.Exit.
	Exit func(code int)

	// EnvSize is reported at registration. Default: the size of the
	// environment block, each entry NUL-terminated.
	EnvSize uint32
}

// Process is the client side of one coordinated process: its
// coordinator socket, descriptor cache, and live threads.
type Process struct {
	socket *fdpass.Socket
	cache  *fdcache.Cache
	logger *slog.Logger
	exit   func(int)

	envSize uint32

	// socketMu serializes every socket receive together with the
	// request that announced it, so a descriptor is always read by
	// the thread it was sent for.
	socketMu sync.Mutex

	mu      sync.Mutex
	threads map[*Thread]struct{}
}

// NewProcess takes ownership of the coordinator connection.
func NewProcess(conn fdpass.Conn, options ProcessOptions) *Process {
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Exit == nil {
		options.Exit = os.Exit
	}
	if options.EnvSize == 0 {
		options.EnvSize = environmentSize()
	}
	return &Process{
		socket:  fdpass.NewSocket(conn),
		cache:   fdcache.New(),
		logger:  options.Logger,
		exit:    options.Exit,
		envSize: options.EnvSize,
		threads: make(map[*Thread]struct{}),
	}
}

func environmentSize() uint32 {
	var size int
	for _, entry := range os.Environ() {
		size += len(entry) + 1
	}
	return uint32(size)
}

// Run starts the first thread on the request pipe the coordinator
// queued on the socket, runs fn on it, and returns the thread's
// termination cause.
func (p *Process) Run(fn ThreadFunc) error {
	return p.start(p.receiveFirstChannel, fn).Wait()
}

// receiveFirstChannel reads the first thread's request pipe. Its tag
// is the coordinator's protocol version.
func (p *Process) receiveFirstChannel() (int, error) {
	p.socketMu.Lock()
	received, err := p.socket.ReceiveFD()
	p.socketMu.Unlock()
	if err != nil {
		return -1, err
	}
	if received.FD < 0 {
		return -1, &wire.ProtocolError{Op: "receive first request pipe", Err: errors.New("message carried no descriptor")}
	}
	if received.Tag != protocol.Version {
		closeQuietly(received.FD)
		return -1, &RegistrationError{
			Stage:              "handshake",
			ClientVersion:      protocol.Version,
			CoordinatorVersion: received.Tag,
		}
	}
	return received.FD, nil
}

// Running is a started thread.
type Running struct {
	done chan struct{}
	err  error
}

// Wait blocks until the thread has terminated and returns its cause:
// nil for a normal return or [Thread.Exit], fn's error, a
// registration failure, a transport or protocol error, or a
// *PanicError.
func (r *Running) Wait() error {
	<-r.done
	return r.err
}

// Done closes when the thread has terminated.
func (r *Running) Done() <-chan struct{} { return r.done }

// start runs a thread on a new goroutine locked to a new OS thread.
// acquire yields the thread's request pipe; ownership passes to the
// thread even when registration fails.
func (p *Process) start(acquire func() (int, error), fn ThreadFunc) *Running {
	running := &Running{done: make(chan struct{})}
	thread := newThread(p)

	go func() {
		// Never unlocked: the OS thread exits with this goroutine.
		runtime.LockOSThread()

		defer func() {
			if value := recover(); value != nil {
				thread.cause = &PanicError{Value: value, Stack: debug.Stack()}
				p.logger.Error("thread panicked", "tid", thread.tid, "panic", fmt.Sprint(value))
			}
			thread.teardown()
			running.err = thread.cause
			close(running.done)
		}()

		requestFD, err := acquire()
		if err != nil {
			thread.cause = err
			return
		}
		if err := thread.register(requestFD); err != nil {
			thread.cause = err
			p.logger.Error("thread registration failed", "unix_tid", thread.unixTID, "error", err)
			return
		}
		thread.cause = fn(thread)
	}()
	return running
}

func (p *Process) track(thread *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[thread] = struct{}{}
}

func (p *Process) forget(thread *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, thread)
}

// LiveThreads returns the number of threads not yet terminated.
func (p *Process) LiveThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// CacheStats returns the descriptor cache counters.
func (p *Process) CacheStats() fdcache.Stats { return p.cache.Stats() }

// Close releases every cached descriptor and the coordinator socket.
func (p *Process) Close() error {
	return errors.Join(p.cache.Close(), p.socket.Close())
}

// Exit closes the process's coordinator resources and terminates the
// process with code. Use [Thread.ExitProcess] from a thread so the
// calling thread is torn down first.
func (p *Process) Exit(code int) {
	if err := p.Close(); err != nil {
		p.logger.Debug("closing coordinator resources at exit", "error", err)
	}
	p.logger.Info("process exiting", "code", code)
	p.exit(code)
}

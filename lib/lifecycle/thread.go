// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/fdcache"
	"github.com/bureau-foundation/objlink/lib/fdpass"
	"github.com/bureau-foundation/objlink/lib/protocol"
	"github.com/bureau-foundation/objlink/lib/sigmask"
	"github.com/bureau-foundation/objlink/lib/wire"
)

// Thread is a registered coordinator thread. Its methods must be
// called from the goroutine running it.
type Thread struct {
	process *Process
	state   atomic.Int32

	channel *wire.Channel

	// Descriptors owned by the thread before the channel takes over
	// requestFD and replyRead. -1 when closed or handed off.
	requestFD  int
	replyRead  int
	replyWrite int
	waitRead   int
	waitWrite  int

	unixTID int
	pid     uint32
	tid     uint32

	// cause is the termination cause reported through Running.
	cause error
}

func newThread(process *Process) *Thread {
	return &Thread{
		process:    process,
		requestFD:  -1,
		replyRead:  -1,
		replyWrite: -1,
		waitRead:   -1,
		waitWrite:  -1,
	}
}

// State returns the thread's lifecycle state. Safe from any goroutine.
func (t *Thread) State() State { return State(t.state.Load()) }

func (t *Thread) setState(state State) { t.state.Store(int32(state)) }

// PID returns the coordinator-assigned process id.
func (t *Thread) PID() uint32 { return t.pid }

// TID returns the coordinator-assigned thread id.
func (t *Thread) TID() uint32 { return t.tid }

// UnixTID returns the kernel id of the thread's OS thread.
func (t *Thread) UnixTID() int { return t.unixTID }

// WaitFD returns the read end of the wait pipe, on which the
// coordinator posts wake-ups. The thread keeps ownership.
func (t *Thread) WaitFD() int { return t.waitRead }

// Process returns the thread's process.
func (t *Thread) Process() *Process { return t.process }

// register creates the thread's pipes, hands their write ends to the
// coordinator, and issues InitThread on requestFD.
func (t *Thread) register(requestFD int) error {
	t.requestFD = requestFD
	t.unixTID = unix.Gettid()
	t.setState(Registering)
	t.process.track(t)

	var reply, wait [2]int
	if err := unix.Pipe2(reply[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("creating reply pipe: %w", err)
	}
	t.replyRead, t.replyWrite = reply[0], reply[1]
	if err := unix.Pipe2(wait[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("creating wait pipe: %w", err)
	}
	t.waitRead, t.waitWrite = wait[0], wait[1]

	if err := t.process.socket.SendFD(t.unixTID, t.replyWrite); err != nil {
		return err
	}
	if err := t.process.socket.SendFD(t.unixTID, t.waitWrite); err != nil {
		return err
	}

	// The coordinator holds the only write end of the reply pipe from
	// here on, so its death reads as end-of-file.
	replyWriteNumber := t.replyWrite
	closeQuietly(t.replyWrite)
	t.replyWrite = -1

	t.channel = wire.NewChannel(t.requestFD, t.replyRead)
	t.requestFD, t.replyRead = -1, -1

	response, err := t.channel.Exchange(&protocol.InitThread{
		UnixPID: int32(os.Getpid()),
		UnixTID: int32(t.unixTID),
		ReplyFD: int32(replyWriteNumber),
		WaitFD:  int32(t.waitWrite),
		EnvSize: t.process.envSize,
	}, nil)
	if err != nil {
		return err
	}
	if response.Header.Status != protocol.StatusSuccess {
		return &RegistrationError{Stage: "init", Status: response.Header.Status}
	}
	fields := protocol.DecodeInitThread(response.Header)
	if fields.Version != protocol.Version {
		return &RegistrationError{
			Stage:              "init",
			ClientVersion:      protocol.Version,
			CoordinatorVersion: fields.Version,
		}
	}
	t.pid, t.tid = fields.PID, fields.TID
	t.setState(Active)
	t.process.logger.Debug("thread registered", "pid", t.pid, "tid", t.tid, "unix_tid", t.unixTID)
	return nil
}

// teardown closes every descriptor the thread owns. It runs on every
// exit path and is idempotent.
func (t *Thread) teardown() {
	if t.State() == Terminated {
		return
	}
	t.setState(Exiting)

	// No notification may interrupt the thread while its descriptors
	// go away; the mask dies with the OS thread.
	if _, err := sigmask.Block(sigmask.ExchangeSet()); err != nil {
		t.process.logger.Debug("blocking notifications at teardown", "tid", t.tid, "unix_tid", t.unixTID, "error", err)
	}

	if t.channel != nil {
		t.channel.Close()
	}
	for _, fd := range []*int{&t.requestFD, &t.replyRead, &t.replyWrite, &t.waitRead, &t.waitWrite} {
		if *fd >= 0 {
			closeQuietly(*fd)
			*fd = -1
		}
	}
	t.process.forget(t)
	t.setState(Terminated)
	t.process.logger.Debug("thread terminated", "tid", t.tid, "unix_tid", t.unixTID)
}

// fail ends the thread after a transport or protocol failure. It does
// not return.
func (t *Thread) fail(err error) {
	t.cause = err
	t.process.logger.Error("thread lost its coordinator channel", "tid", t.tid, "unix_tid", t.unixTID, "error", err)
	runtime.Goexit()
}

// checkFatal ends the thread when err is fatal and returns err
// otherwise.
func (t *Thread) checkFatal(err error) error {
	var race *fdcache.RaceError
	if wire.IsFatal(err) || errors.As(err, &race) {
		t.fail(err)
	}
	return err
}

// Call performs one request/reply exchange. A non-success status is
// returned as a *protocol.StatusError together with the reply. A
// transport or protocol failure ends the thread and Call does not
// return.
func (t *Thread) Call(request protocol.Request, buffer []byte) (protocol.Reply, error) {
	reply, err := t.channel.Exchange(request, buffer)
	if err != nil {
		return reply, t.checkFatal(err)
	}
	return reply, reply.Header.Status.Err(request.Kind())
}

// SendFD passes fd to the coordinator. The thread keeps its copy.
func (t *Thread) SendFD(fd int) error {
	return t.checkFatal(t.process.socket.SendFD(t.unixTID, fd))
}

// ReceiveFD returns the oldest pending descriptor message from the
// coordinator, whichever receiver it was meant for. Requests answered
// with a descriptor should use [Thread.CallReceiveFD].
func (t *Thread) ReceiveFD() (fdpass.Received, error) {
	t.process.socketMu.Lock()
	defer t.process.socketMu.Unlock()
	received, err := t.process.socket.Next()
	return received, t.checkFatal(err)
}

// CallReceiveFD performs an exchange whose success is followed by a
// descriptor message tagged tag, and returns both. The socket stays
// locked from the request until that message is read; messages for
// other receivers read meanwhile are parked for them. On a
// non-success status nothing is received.
func (t *Thread) CallReceiveFD(request protocol.Request, buffer []byte, tag uint32) (protocol.Reply, fdpass.Received, error) {
	t.process.socketMu.Lock()
	defer t.process.socketMu.Unlock()

	reply, err := t.Call(request, buffer)
	if err != nil {
		return reply, fdpass.Received{FD: -1}, err
	}
	received, err := t.process.socket.ReceiveTagged(tag)
	return reply, received, t.checkFatal(err)
}

// ResolveFD returns a descriptor for handle with at least access,
// served from the process cache when possible. The caller owns the
// returned file.
func (t *Thread) ResolveFD(handle protocol.Handle, access protocol.Access) (*os.File, error) {
	file, err := t.process.cache.Resolve(threadSource{t}, handle, access)
	if err != nil {
		return nil, t.checkFatal(err)
	}
	return file, nil
}

// ReleaseFD closes a descriptor returned by ResolveFD.
func (t *Thread) ReleaseFD(file *os.File) error {
	return fdcache.Release(file)
}

// CloseHandle drops the cached descriptor for handle, along with any
// parked message for it, and asks the coordinator to close it.
func (t *Thread) CloseHandle(handle protocol.Handle) error {
	t.process.cache.Invalidate(handle)
	if discarded := t.process.socket.Discard(uint32(handle)); discarded > 0 {
		t.process.logger.Debug("discarded parked descriptors", "handle", handle.String(), "count", discarded)
	}
	_, err := t.Call(&protocol.CloseHandle{Handle: handle}, nil)
	return err
}

// Go asks the coordinator for a new thread and runs fn on it.
func (t *Thread) Go(fn ThreadFunc) (*Running, error) {
	requestFD, err := t.newThreadChannel()
	if err != nil {
		return nil, err
	}
	return t.process.start(func() (int, error) { return requestFD, nil }, fn), nil
}

func (t *Thread) newThreadChannel() (int, error) {
	t.process.socketMu.Lock()
	defer t.process.socketMu.Unlock()

	reply, err := t.Call(&protocol.NewThread{}, nil)
	if err != nil {
		return -1, err
	}
	fields := protocol.DecodeNewThread(reply.Header)

	received, err := t.process.socket.ReceiveTagged(uint32(fields.Handle))
	if err != nil {
		t.fail(err)
	}
	if received.FD < 0 {
		t.fail(&wire.ProtocolError{
			Op:  "receive thread request pipe",
			Err: fmt.Errorf("message for thread %s carried no descriptor", fields.Handle),
		})
	}
	return received.FD, nil
}

// Exit ends the calling thread normally. It does not return.
func (t *Thread) Exit() {
	runtime.Goexit()
}

// ExitProcess tears down the calling thread and terminates the
// process with code. It does not return.
func (t *Thread) ExitProcess(code int) {
	t.teardown()
	t.process.Exit(code)
	runtime.Goexit()
}

// threadSource resolves handles through one thread's channel. A
// lookup answered with a follow-up keeps the socket locked until the
// follow-up is read, so no other thread can take it. A message for
// another receiver found in its place is parked, never closed.
type threadSource struct {
	thread *Thread
}

func (s threadSource) HandleFD(handle protocol.Handle, access protocol.Access) (fdcache.Lookup, error) {
	process := s.thread.process
	process.socketMu.Lock()
	holding := true
	defer func() {
		if holding {
			process.socketMu.Unlock()
		}
	}()

	reply, err := s.thread.Call(&protocol.GetHandleFD{Handle: handle, Access: access}, nil)
	if err != nil {
		return fdcache.Lookup{}, err
	}
	fields := protocol.DecodeGetHandleFD(reply.Header)
	if fields.FollowUp {
		holding = false
	}
	return fdcache.Lookup{
		InlineFD:  int(fields.InlineFD),
		FollowUp:  fields.FollowUp,
		Removable: fields.Removable,
		Access:    fields.Access,
	}, nil
}

func (s threadSource) ReceiveFD(handle protocol.Handle) (int, bool, error) {
	process := s.thread.process
	defer process.socketMu.Unlock()

	if received, ok := process.socket.Claim(uint32(handle)); ok {
		return received.FD, true, nil
	}
	received, err := process.socket.ReceiveFD()
	if err != nil {
		return -1, false, err
	}
	if received.Handle() != handle {
		process.socket.Park(received)
		return -1, false, nil
	}
	return received.FD, true, nil
}

func closeQuietly(fd int) {
	unix.Close(fd)
}

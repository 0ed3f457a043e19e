// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package coordtest

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/protocol"
)

// Options configures a Server.
type Options struct {
	// HandshakeVersion is the tag sent with the first request pipe.
	// Zero means protocol.Version.
	HandshakeVersion uint32

	// ThreadVersion is the version returned from InitThread. Zero
	// means protocol.Version.
	ThreadVersion uint32

	// PID is the process id reported to registering threads.
	// Zero means 0x20.
	PID uint32
}

// Request is one decoded request as seen by a handler.
type Request struct {
	Header protocol.RequestHeader
	Data   []byte
	Thread *Thread
}

// ReplyEncoder writes kind-specific reply fields.
type ReplyEncoder interface {
	Encode(header *protocol.ReplyHeader)
}

// Response is a handler's answer.
type Response struct {
	Status protocol.Status
	Fields ReplyEncoder
	Data   []byte

	// FollowUp, when non-nil, is pushed over the socket after the
	// reply is written.
	FollowUp *FollowUp
}

// FollowUp is a descriptor message from coordinator to client. The
// server closes FD after sending when Close is set.
type FollowUp struct {
	FD    int
	Tag   uint32
	Close bool
}

// Handler answers one request kind.
type Handler func(Request) Response

// HandleSpec describes a handle the server can resolve.
type HandleSpec struct {
	// FD backs the handle. The server does not take ownership.
	FD int

	// Inline answers with FD's number instead of a follow-up
	// message. The server shares the test's descriptor table, so the
	// number is valid in the client.
	Inline bool

	Access    protocol.Access
	Removable bool

	// Canonical, when non-zero, is the tag sent with follow-ups in
	// place of the handle itself.
	Canonical protocol.Handle
}

// Thread is the server's view of a client thread.
type Thread struct {
	// TID is the coordinator-assigned thread id, set at InitThread.
	TID uint32

	// UnixTID is the client's kernel thread id, set at InitThread.
	UnixTID int32

	// Handle names the thread for threads created by NewThread.
	Handle protocol.Handle

	mu         sync.Mutex
	requestFD  int
	replyFD    int
	waitFD     int
	registered bool
}

type inflightKey struct {
	threadID int32
	fd       int32
}

// Server is an in-process coordinator.
type Server struct {
	options Options
	conn    *net.UnixConn
	client  *net.UnixConn

	// receiveMu serializes reads from the socket.
	receiveMu sync.Mutex
	// sendMu serializes descriptor messages to the client.
	sendMu sync.Mutex

	mu         sync.Mutex
	inflight   map[inflightKey]int
	threads    []*Thread
	handlers   map[protocol.Kind]Handler
	handles    map[protocol.Handle]HandleSpec
	counts     map[protocol.Kind]int
	nextTID    uint32
	nextHandle protocol.Handle
	envSize    uint32
	dead       bool
}

// New starts a server. The first request pipe is already queued on the
// client end, which [Server.Client] returns. Everything is released at
// test cleanup.
func New(t testing.TB, options Options) *Server {
	t.Helper()
	if options.HandshakeVersion == 0 {
		options.HandshakeVersion = protocol.Version
	}
	if options.ThreadVersion == 0 {
		options.ThreadVersion = protocol.Version
	}
	if options.PID == 0 {
		options.PID = 0x20
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	server := &Server{
		options:    options,
		conn:       fileConn(t, fds[1], "coordinator"),
		client:     fileConn(t, fds[0], "client"),
		inflight:   make(map[inflightKey]int),
		handlers:   make(map[protocol.Kind]Handler),
		handles:    make(map[protocol.Handle]HandleSpec),
		counts:     make(map[protocol.Kind]int),
		nextTID:    0x24,
		nextHandle: 0x100,
	}
	t.Cleanup(server.Kill)

	if _, err := server.startThread(0, options.HandshakeVersion); err != nil {
		t.Fatalf("starting first thread: %v", err)
	}
	return server
}

func fileConn(t testing.TB, fd int, name string) *net.UnixConn {
	t.Helper()
	file := os.NewFile(uintptr(fd), name)
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		t.Fatalf("FileConn(%s): %v", name, err)
	}
	return conn.(*net.UnixConn)
}

// Client returns the client end of the socket. The caller takes
// ownership of it.
func (s *Server) Client() *net.UnixConn { return s.client }

// Handle installs handler for kind, replacing any built-in behavior.
func (s *Server) Handle(kind protocol.Kind, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// AddHandle makes handle resolvable.
func (s *Server) AddHandle(handle protocol.Handle, spec HandleSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle] = spec
}

// HasHandle reports whether handle is still open on the server.
func (s *Server) HasHandle(handle protocol.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[handle]
	return ok
}

// Count returns how many requests of kind were received.
func (s *Server) Count(kind protocol.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// Threads returns the threads that completed InitThread.
func (s *Server) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	var registered []*Thread
	for _, thread := range s.threads {
		thread.mu.Lock()
		if thread.registered {
			registered = append(registered, thread)
		}
		thread.mu.Unlock()
	}
	return registered
}

// EnvSize returns the environment size reported by the first thread.
func (s *Server) EnvSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envSize
}

// Kill simulates coordinator death. Blocked client reads see
// end-of-file and client writes see a broken pipe once their request
// pipe's reader goes away. Kill is idempotent.
func (s *Server) Kill() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	threads := s.threads
	inflight := s.inflight
	s.inflight = make(map[inflightKey]int)
	s.mu.Unlock()

	for _, thread := range threads {
		thread.mu.Lock()
		closeFD(&thread.replyFD)
		closeFD(&thread.waitFD)
		thread.mu.Unlock()
	}
	for _, fd := range inflight {
		unix.Close(fd)
	}
	s.conn.Close()
}

func (s *Server) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func closeFD(fd *int) {
	if *fd >= 0 {
		unix.Close(*fd)
		*fd = -1
	}
}

// startThread creates a request pipe, pushes its write end to the
// client tagged with tag, and serves the read end.
func (s *Server) startThread(handle protocol.Handle, tag uint32) (*Thread, error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	thread := &Thread{Handle: handle, requestFD: pipe[0], replyFD: -1, waitFD: -1}

	s.mu.Lock()
	s.threads = append(s.threads, thread)
	s.mu.Unlock()

	err := s.sendFD(pipe[1], tag)
	unix.Close(pipe[1])
	if err != nil {
		unix.Close(pipe[0])
		return nil, err
	}
	go s.serve(thread)
	return thread, nil
}

// Push sends an unsolicited descriptor message tagged tag. The server
// keeps fd. A handler that pushes before returning orders the message
// ahead of its reply.
func (s *Server) Push(fd int, tag uint32) error {
	return s.sendFD(fd, tag)
}

func (s *Server) sendFD(fd int, tag uint32) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, _, err := s.conn.WriteMsgUnix(protocol.EncodeFDTag(tag), syscall.UnixRights(fd), nil)
	return err
}

// serve reads requests from one thread until its request pipe closes.
func (s *Server) serve(thread *Thread) {
	defer func() {
		thread.mu.Lock()
		closeFD(&thread.requestFD)
		closeFD(&thread.replyFD)
		closeFD(&thread.waitFD)
		thread.mu.Unlock()
	}()

	headerBytes := make([]byte, protocol.RequestHeaderSize)
	for {
		if err := readFull(thread.requestFD, headerBytes); err != nil {
			return
		}
		header, err := protocol.DecodeRequestHeader(headerBytes)
		if err != nil || header.RequestSize > protocol.MaxPayloadSize {
			return
		}
		data := make([]byte, header.RequestSize)
		if err := readFull(thread.requestFD, data); err != nil {
			return
		}
		if s.isDead() {
			continue
		}

		response := s.dispatch(Request{Header: header, Data: data, Thread: thread})
		if !s.reply(thread, header, response) {
			return
		}
		if response.FollowUp != nil {
			s.sendFD(response.FollowUp.FD, response.FollowUp.Tag)
			if response.FollowUp.Close {
				unix.Close(response.FollowUp.FD)
			}
		}
	}
}

func (s *Server) dispatch(request Request) Response {
	s.mu.Lock()
	s.counts[request.Header.Kind]++
	handler, ok := s.handlers[request.Header.Kind]
	s.mu.Unlock()
	if ok {
		return handler(request)
	}

	switch request.Header.Kind {
	case protocol.KindInitThread:
		return s.initThread(request)
	case protocol.KindNewThread:
		return s.newThread(request)
	case protocol.KindGetHandleFD:
		return s.getHandleFD(request)
	case protocol.KindCloseHandle:
		return s.closeHandle(request)
	default:
		return Response{Status: protocol.StatusNotSupported}
	}
}

// reply writes the reply header and payload. The payload is truncated
// to the client's announced capacity with StatusBufferOverflow.
func (s *Server) reply(thread *Thread, request protocol.RequestHeader, response Response) bool {
	var header protocol.ReplyHeader
	header.Status = response.Status
	if response.Fields != nil {
		response.Fields.Encode(&header)
	}
	data := response.Data
	if len(data) > int(request.ReplySize) {
		data = data[:request.ReplySize]
		if header.Status == protocol.StatusSuccess {
			header.Status = protocol.StatusBufferOverflow
		}
	}
	header.ReplySize = uint32(len(data))

	thread.mu.Lock()
	defer thread.mu.Unlock()
	if thread.replyFD < 0 {
		return false
	}
	message := append(header.Bytes(), data...)
	for len(message) > 0 {
		written, err := unix.Write(thread.replyFD, message)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false
		}
		message = message[written:]
	}
	return true
}

// takeFD returns the descriptor the client sent for (threadID, fd),
// reading the socket until it arrives.
func (s *Server) takeFD(threadID, fd int32) (int, error) {
	key := inflightKey{threadID: threadID, fd: fd}

	s.receiveMu.Lock()
	defer s.receiveMu.Unlock()
	for {
		s.mu.Lock()
		received, ok := s.inflight[key]
		if ok {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
		if ok {
			return received, nil
		}

		handoff, descriptor, err := s.receive()
		if err != nil {
			return -1, err
		}
		s.mu.Lock()
		if previous, exists := s.inflight[handoff]; exists {
			unix.Close(previous)
		}
		s.inflight[handoff] = descriptor
		s.mu.Unlock()
	}
}

func (s *Server) receive() (inflightKey, int, error) {
	payload := make([]byte, protocol.FDHandoffSize)
	oob := make([]byte, syscall.CmsgSpace(4))
	count, oobCount, _, _, err := s.conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return inflightKey{}, -1, err
	}
	if count == 0 {
		return inflightKey{}, -1, io.EOF
	}
	messages, err := syscall.ParseSocketControlMessage(oob[:oobCount])
	if err != nil || len(messages) != 1 {
		return inflightKey{}, -1, fmt.Errorf("descriptor message without exactly one control message: %v", err)
	}
	rights, err := syscall.ParseUnixRights(&messages[0])
	if err != nil || len(rights) != 1 {
		return inflightKey{}, -1, fmt.Errorf("descriptor message without exactly one descriptor: %v", err)
	}
	handoff, err := protocol.DecodeFDHandoff(payload[:count])
	if err != nil {
		unix.Close(rights[0])
		return inflightKey{}, -1, err
	}
	return inflightKey{threadID: handoff.ThreadID, fd: handoff.FD}, rights[0], nil
}

func (s *Server) initThread(request Request) Response {
	init := protocol.DecodeInitThreadRequest(request.Header)

	replyFD, err := s.takeFD(init.UnixTID, init.ReplyFD)
	if err != nil {
		return Response{Status: protocol.StatusInvalidHandle}
	}
	waitFD, err := s.takeFD(init.UnixTID, init.WaitFD)
	if err != nil {
		unix.Close(replyFD)
		return Response{Status: protocol.StatusInvalidHandle}
	}

	s.mu.Lock()
	tid := s.nextTID
	s.nextTID += 4
	if s.envSize == 0 {
		s.envSize = init.EnvSize
	}
	s.mu.Unlock()

	thread := request.Thread
	thread.mu.Lock()
	thread.replyFD = replyFD
	thread.waitFD = waitFD
	thread.TID = tid
	thread.UnixTID = init.UnixTID
	thread.registered = true
	thread.mu.Unlock()

	return Response{Fields: protocol.InitThreadReply{
		PID:     s.options.PID,
		TID:     tid,
		Version: s.options.ThreadVersion,
	}}
}

func (s *Server) newThread(request Request) Response {
	s.mu.Lock()
	handle := s.nextHandle
	s.nextHandle += 4
	s.mu.Unlock()

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		return Response{Status: protocol.StatusNotSupported}
	}
	thread := &Thread{Handle: handle, requestFD: pipe[0], replyFD: -1, waitFD: -1}
	s.mu.Lock()
	s.threads = append(s.threads, thread)
	s.mu.Unlock()
	go s.serve(thread)

	return Response{
		Fields:   protocol.NewThreadReply{Handle: handle},
		FollowUp: &FollowUp{FD: pipe[1], Tag: uint32(handle), Close: true},
	}
}

func (s *Server) getHandleFD(request Request) Response {
	handle := protocol.DecodeHandle(request.Header)
	access := protocol.DecodeAccess(request.Header)

	s.mu.Lock()
	spec, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return Response{Status: protocol.StatusInvalidHandle}
	}
	if !spec.Access.Covers(access) {
		return Response{Status: protocol.StatusAccessDenied}
	}

	reply := protocol.GetHandleFDReply{
		InlineFD:  -1,
		Removable: spec.Removable,
		Access:    spec.Access,
	}
	if spec.Inline {
		reply.InlineFD = int32(spec.FD)
		return Response{Fields: reply}
	}
	tag := handle
	if spec.Canonical != 0 {
		tag = spec.Canonical
	}
	reply.FollowUp = true
	return Response{Fields: reply, FollowUp: &FollowUp{FD: spec.FD, Tag: uint32(tag)}}
}

func (s *Server) closeHandle(request Request) Response {
	handle := protocol.DecodeHandle(request.Header)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[handle]; !ok {
		return Response{Status: protocol.StatusInvalidHandle}
	}
	delete(s.handles, handle)
	return Response{}
}

func readFull(fd int, buffer []byte) error {
	done := 0
	for done < len(buffer) {
		count, err := unix.Read(fd, buffer[done:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if count == 0 {
			return io.EOF
		}
		done += count
	}
	return nil
}

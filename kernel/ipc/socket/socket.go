// Package socket implements AF_UNIX sockets: stream and datagram, with
// 8 KiB ring buffers, FIFO accept queues and wait-queue based blocking.
package socket

import (
	"frostbyte/kernel"
	"frostbyte/kernel/fd"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/proc"
)

// Domains and types.
const (
	AFUnix = 1

	SockStream = 1
	SockDgram  = 2
)

// Socket flags.
const (
	ONonblock = uint32(0x800)
)

// MaxSockets bounds the global socket table; MaxBacklog caps a listener's
// pending-connection queue.
const (
	MaxSockets  = 256
	MaxBacklog  = 32
	maxPathLen  = 108
)

// State tracks a socket through its lifecycle.
type State uint8

// Socket states.
const (
	StateUnbound State = iota
	StateBound
	StateListening
	StateConnected
	StateClosed
)

// Errors surfaced as errno values.
var (
	ErrNotSocket   = &kernel.Error{Module: "socket", Message: "not a socket", Errno: kernel.ENOTSOCK}
	ErrBadDomain   = &kernel.Error{Module: "socket", Message: "unsupported domain or type", Errno: kernel.EINVAL}
	ErrNotConn     = &kernel.Error{Module: "socket", Message: "socket not connected", Errno: kernel.EINVAL}
	ErrBadState    = &kernel.Error{Module: "socket", Message: "invalid socket state", Errno: kernel.EINVAL}
	ErrRefused     = &kernel.Error{Module: "socket", Message: "connection refused", Errno: kernel.ECONNREFUSED}
	ErrWouldBlock  = &kernel.Error{Module: "socket", Message: "operation would block", Errno: kernel.EAGAIN}
	ErrBrokenPipe  = &kernel.Error{Module: "socket", Message: "peer closed", Errno: kernel.EPIPE}
	ErrPathTooLong = &kernel.Error{Module: "socket", Message: "socket path too long", Errno: kernel.EINVAL}
	ErrNoSockets   = &kernel.Error{Module: "socket", Message: "socket table full", Errno: kernel.ENFILE}
)

// Socket is one slot of the global socket table.
type Socket struct {
	valid  bool
	Domain int
	Type   int
	state  State
	Flags  uint32

	Path string

	recvBuf ringBuf
	sendBuf ringBuf

	peer        *Socket
	listenQueue []*Socket
	maxBacklog  int

	acceptWQ proc.WaitQueue
	recvWQ   proc.WaitQueue
	sendWQ   proc.WaitQueue

	node *vfs.Node
}

// State returns the socket's lifecycle state.
func (s *Socket) State() State { return s.state }

var (
	sockets [MaxSockets]Socket

	// waitOnFn is replaced by tests to pump peers instead of scheduling.
	waitOnFn = proc.WaitOn

	fdAllocFn = fd.Alloc
	fdGetFn   = fd.Get

	// createBoundFileFn creates the rendezvous file for a bound socket.
	// Best effort: a failure is ignored, matching the original behavior.
	createBoundFileFn = func(path string) {
		vfs.CreateFile(path, vfs.FlagRead|vfs.FlagWrite)
	}
)

// Init clears the socket table.
func Init() {
	for i := range sockets {
		sockets[i] = Socket{}
	}
}

func allocSocket() *Socket {
	for i := range sockets {
		if !sockets[i].valid {
			sockets[i] = Socket{valid: true}
			return &sockets[i]
		}
	}
	return nil
}

// fromFD maps a descriptor of the current process to its socket.
func fromFD(fdnum int32) *Socket {
	file := fdGetFn(fdnum)
	if file == nil || file.Node == nil || file.Node.Type != vfs.TypeDevice {
		return nil
	}
	s, _ := file.Node.Private.(*Socket)
	if s == nil || !s.valid {
		return nil
	}
	return s
}

func findListener(path string) *Socket {
	for i := range sockets {
		s := &sockets[i]
		if s.valid && s.state == StateListening && s.Path == path {
			return s
		}
	}
	return nil
}

// newSocketNode wraps a socket in a VFS device node so it can live in the
// fd table like any other open file.
func newSocketNode(s *Socket) *vfs.Node {
	node := vfs.NewNode("socket", vfs.TypeDevice, vfs.FlagRead|vfs.FlagWrite)
	node.Ops = sockOps{}
	node.Private = s
	s.node = node
	return node
}

// Create allocates a socket and binds it to a fresh descriptor.
func Create(domain, sockType int, flags uint32) (int32, *kernel.Error) {
	if domain != AFUnix || (sockType != SockStream && sockType != SockDgram) {
		return -1, ErrBadDomain
	}

	s := allocSocket()
	if s == nil {
		return -1, ErrNoSockets
	}
	s.Domain = domain
	s.Type = sockType
	s.Flags = flags
	s.state = StateUnbound

	return fdAllocFn(newSocketNode(s), flags)
}

// Bind records the rendezvous path and creates the filesystem entry for it
// (best effort).
func Bind(fdnum int32, path string) *kernel.Error {
	s := fromFD(fdnum)
	if s == nil {
		return ErrNotSocket
	}
	if len(path) == 0 || len(path) >= maxPathLen {
		return ErrPathTooLong
	}
	if s.state != StateUnbound {
		return ErrBadState
	}

	s.Path = path
	s.state = StateBound
	createBoundFileFn(path)
	return nil
}

// Listen turns a bound stream socket into a listener.
func Listen(fdnum int32, backlog int) *kernel.Error {
	s := fromFD(fdnum)
	if s == nil {
		return ErrNotSocket
	}
	if s.state != StateBound || s.Type != SockStream {
		return ErrBadState
	}

	if backlog <= 0 || backlog > MaxBacklog {
		backlog = MaxBacklog
	}
	s.maxBacklog = backlog
	s.state = StateListening
	return nil
}

// Connect joins a listener's accept queue and, for blocking sockets, sleeps
// until an accept pairs the two ends.
func Connect(fdnum int32, path string) *kernel.Error {
	s := fromFD(fdnum)
	if s == nil {
		return ErrNotSocket
	}
	if s.state == StateConnected {
		return ErrBadState
	}

	listener := findListener(path)
	if listener == nil || len(listener.listenQueue) >= listener.maxBacklog {
		return ErrRefused
	}

	listener.listenQueue = append(listener.listenQueue, s)
	listener.acceptWQ.WakeOne()

	if s.Flags&ONonblock != 0 {
		return nil
	}

	for s.peer == nil && s.valid {
		waitOnFn(&s.recvWQ)
	}
	if s.peer == nil {
		return ErrRefused
	}
	return nil
}

// Accept blocks until a connection is pending, then pairs the client with a
// fresh server-side socket bound to a new descriptor.
func Accept(fdnum int32) (int32, *kernel.Error) {
	s := fromFD(fdnum)
	if s == nil {
		return -1, ErrNotSocket
	}
	if s.state != StateListening {
		return -1, ErrBadState
	}

	for len(s.listenQueue) == 0 {
		if s.Flags&ONonblock != 0 {
			return -1, ErrWouldBlock
		}
		waitOnFn(&s.acceptWQ)
		if !s.valid || s.state != StateListening {
			return -1, ErrBadState
		}
	}

	client := s.listenQueue[0]
	s.listenQueue = s.listenQueue[1:]

	server := allocSocket()
	if server == nil {
		return -1, ErrNoSockets
	}
	server.Domain = s.Domain
	server.Type = s.Type
	server.state = StateConnected
	server.Path = s.Path

	server.peer = client
	client.peer = server
	client.state = StateConnected

	client.recvWQ.WakeAll()
	client.sendWQ.WakeAll()

	return fdAllocFn(newSocketNode(server), server.Flags)
}

// recvInto drains the socket's receive ring. Blocks while the buffer is
// empty and the peer is alive; a closed peer reads as EOF.
func (s *Socket) recvInto(buf []byte) (int, *kernel.Error) {
	if s.state != StateConnected && s.state != StateClosed {
		return 0, ErrNotConn
	}

	for s.recvBuf.empty() {
		if s.peer == nil || !s.peer.valid || s.peer.state == StateClosed {
			return 0, nil
		}
		if s.Flags&ONonblock != 0 {
			return 0, ErrWouldBlock
		}
		waitOnFn(&s.recvWQ)
		if !s.valid || s.state != StateConnected {
			return 0, nil
		}
	}

	n := 0
	for n < len(buf) && !s.recvBuf.empty() {
		buf[n] = s.recvBuf.pop()
		n++
	}

	// Space opened up: unblock a writer stuck on our ring.
	s.sendWQ.WakeAll()
	return n, nil
}

// sendFrom pushes bytes into the peer's receive ring, blocking on our send
// queue while the peer ring is full and waking the peer's readers as data
// arrives.
func (s *Socket) sendFrom(data []byte) (int, *kernel.Error) {
	if s.state == StateClosed {
		return 0, ErrBrokenPipe
	}
	if s.state != StateConnected {
		return 0, ErrNotConn
	}

	written := 0
	for written < len(data) {
		peer := s.peer
		if peer == nil || !peer.valid || peer.state == StateClosed {
			if written > 0 {
				return written, nil
			}
			return 0, ErrBrokenPipe
		}

		if peer.recvBuf.full() {
			if s.Flags&ONonblock != 0 {
				if written > 0 {
					return written, nil
				}
				return 0, ErrWouldBlock
			}
			peer.recvWQ.WakeAll()
			waitOnFn(&s.sendWQ)
			continue
		}

		for written < len(data) && !peer.recvBuf.full() {
			peer.recvBuf.push(data[written])
			written++
		}
		peer.recvWQ.WakeAll()
	}
	return written, nil
}

// CloseSocket tears a socket down: the peer observes EOF/EPIPE, both sides
// are disconnected and every waiter on either side is released.
func CloseSocket(s *Socket) {
	if s == nil || !s.valid {
		return
	}

	s.state = StateClosed
	if peer := s.peer; peer != nil {
		peer.state = StateClosed
		peer.peer = nil
		peer.acceptWQ.WakeAll()
		peer.recvWQ.WakeAll()
		peer.sendWQ.WakeAll()
	}
	s.peer = nil

	s.acceptWQ.WakeAll()
	s.recvWQ.WakeAll()
	s.sendWQ.WakeAll()

	s.valid = false
	s.listenQueue = nil
}

// sockOps adapts sockets to the VFS capability so descriptor reads and
// writes route into the rings.
type sockOps struct {
	vfs.DefaultOps
}

func ownSocket(n *vfs.Node) *Socket {
	s, _ := n.Private.(*Socket)
	return s
}

func (sockOps) Read(n *vfs.Node, off uint32, buf []byte) (int, *kernel.Error) {
	s := ownSocket(n)
	if s == nil || !s.valid {
		return 0, ErrNotSocket
	}
	return s.recvInto(buf)
}

func (sockOps) Write(n *vfs.Node, off uint32, data []byte) (int, *kernel.Error) {
	s := ownSocket(n)
	if s == nil || !s.valid {
		return 0, ErrNotSocket
	}
	return s.sendFrom(data)
}

func (sockOps) Close(n *vfs.Node) *kernel.Error {
	CloseSocket(ownSocket(n))
	return nil
}

func (sockOps) PollCanRead(n *vfs.Node) bool {
	s := ownSocket(n)
	if s == nil || !s.valid {
		return false
	}
	if !s.recvBuf.empty() {
		return true
	}
	if s.state == StateListening && len(s.listenQueue) > 0 {
		return true
	}
	return s.peer == nil || !s.peer.valid || s.peer.state == StateClosed
}

func (sockOps) PollCanWrite(n *vfs.Node) bool {
	s := ownSocket(n)
	if s == nil || !s.valid {
		return false
	}
	peer := s.peer
	if peer == nil || !peer.valid || peer.state == StateClosed {
		return true
	}
	return !peer.recvBuf.full()
}

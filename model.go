package mininetem

//
// Data model
//

import (
	"context"
	"net"
	"syscall"
	"time"
)

// FrameFlagDrop indicates that the link should drop this frame
// while it is in flight, thus emulating a packet loss.
const FrameFlagDrop = 1 << iota

// Frame contains an IPv4 or IPv6 packet.
type Frame struct {
	// Deadline is the time when this frame should be delivered.
	Deadline time.Time

	// Flags contains the frame flags (e.g., [FrameFlagDrop]).
	Flags int64

	// Payload contains the packet payload.
	Payload []byte
}

// NewFrame constructs a [Frame] for the given payload. The
// returned frame has a zero deadline and no flags.
func NewFrame(payload []byte) *Frame {
	return &Frame{
		Deadline: time.Time{},
		Flags:    0,
		Payload:  payload,
	}
}

// ShallowCopy returns a shallow copy of the [Frame]. The copy shares
// the payload with the original frame, which MUST NOT be modified.
func (f *Frame) ShallowCopy() *Frame {
	return &Frame{
		Deadline: f.Deadline,
		Flags:    f.Flags,
		Payload:  f.Payload,
	}
}

// FrameReader allows one to read incoming frames.
type FrameReader interface {
	// FrameAvailable returns a channel that becomes readable
	// when a new frame has arrived.
	FrameAvailable() <-chan any

	// ReadFrameNonblocking reads an incoming frame. You should only call
	// this function after FrameAvailable has been readable. This function
	// returns one of the following errors:
	//
	// - ErrStackClosed if the underlying stack has been closed;
	//
	// - ErrNoPacket if no packet is available.
	//
	// Callers should ignore ErrNoPacket and try reading again later.
	ReadFrameNonblocking() (*Frame, error)

	// StackClosed returns a channel that becomes readable when the
	// userspace network stack has been closed.
	StackClosed() <-chan any
}

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// ReadableNIC is the read-only side of a [NIC].
type ReadableNIC interface {
	FrameReader
	InterfaceName() string
}

// WriteableNIC is the write-only side of a [NIC].
type WriteableNIC interface {
	InterfaceName() string
	WriteFrame(frame *Frame) error
}

// NIC is a network interface card with which you can send and receive [Frame]s.
type NIC interface {
	// A NIC implements FrameReader
	FrameReader

	// Close closes this network interface.
	Close() error

	// IPAddress returns the IP address assigned to the NIC.
	IPAddress() string

	// InterfaceName returns the name of the NIC.
	InterfaceName() string

	// WriteFrame writes a frame or returns an error. This function
	// returns ErrStackClosed when the underlying stack has been closed.
	WriteFrame(frame *Frame) error
}

// UDPLikeConn is a [net.PacketConn] with some extra functions that
// make it look like a [net.UDPConn] to code that wants to tune the
// socket buffers.
type UDPLikeConn interface {
	// An UDPLikeConn is a net.PacketConn conn.
	net.PacketConn

	// SetReadBuffer allows setting the read buffer.
	SetReadBuffer(bytes int) error

	// SyscallConn returns a conn suitable for calling syscalls,
	// which is also instrumental to setting the read buffer.
	SyscallConn() (syscall.RawConn, error)
}

// UnderlyingNetwork replaces for functions in the [net] package.
type UnderlyingNetwork interface {
	// DialContext dials a TCP or UDP connection. Unlike [net.DialContext], this
	// function does not implement dialing when address contains a domain.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)

	// ListenTCP creates a new listening TCP socket.
	ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error)

	// ListenUDP creates a new listening UDP socket.
	ListenUDP(network string, addr *net.UDPAddr) (UDPLikeConn, error)
}

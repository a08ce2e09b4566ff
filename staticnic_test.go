package mininetem

import (
	"sync"
)

// StaticReadableNIC is a [ReadableNIC] that emits a static list of frames.
type StaticReadableNIC struct {
	closeOnce sync.Once
	closed    chan any
	frames    chan *Frame
	name      string
	notify    chan any
}

var _ ReadableNIC = &StaticReadableNIC{}

// NewStaticReadableNIC creates a [StaticReadableNIC] emitting the given frames.
func NewStaticReadableNIC(name string, frames ...*Frame) *StaticReadableNIC {
	nic := &StaticReadableNIC{
		closeOnce: sync.Once{},
		closed:    make(chan any),
		frames:    make(chan *Frame, len(frames)),
		name:      name,
		notify:    make(chan any, len(frames)),
	}
	for _, frame := range frames {
		nic.frames <- frame
		nic.notify <- true
	}
	return nic
}

// FrameAvailable implements ReadableNIC
func (n *StaticReadableNIC) FrameAvailable() <-chan any {
	return n.notify
}

// ReadFrameNonblocking implements ReadableNIC
func (n *StaticReadableNIC) ReadFrameNonblocking() (*Frame, error) {
	select {
	case frame := <-n.frames:
		return frame, nil
	default:
		return nil, ErrNoPacket
	}
}

// StackClosed implements ReadableNIC
func (n *StaticReadableNIC) StackClosed() <-chan any {
	return n.closed
}

// InterfaceName implements ReadableNIC
func (n *StaticReadableNIC) InterfaceName() string {
	return n.name
}

// CloseNetworkStack simulates the closure of the network stack.
func (n *StaticReadableNIC) CloseNetworkStack() {
	n.closeOnce.Do(func() {
		close(n.closed)
	})
}

// StaticWriteableNIC is a [WriteableNIC] collecting the frames it receives.
type StaticWriteableNIC struct {
	frames chan *Frame
	name   string
}

var _ WriteableNIC = &StaticWriteableNIC{}

// NewStaticWriteableNIC creates a new [StaticWriteableNIC].
func NewStaticWriteableNIC(name string) *StaticWriteableNIC {
	const maxFrames = 1024
	return &StaticWriteableNIC{
		frames: make(chan *Frame, maxFrames),
		name:   name,
	}
}

// Frames returns the channel where we post the frames we receive.
func (n *StaticWriteableNIC) Frames() <-chan *Frame {
	return n.frames
}

// InterfaceName implements WriteableNIC
func (n *StaticWriteableNIC) InterfaceName() string {
	return n.name
}

// WriteFrame implements WriteableNIC
func (n *StaticWriteableNIC) WriteFrame(frame *Frame) error {
	select {
	case n.frames <- frame:
		return nil
	default:
		return ErrPacketDropped
	}
}

package mininetem

//
// Outgoing frames queue shared by hosts and switch ports
//

import "sync"

// frameQueueCapacity is the maximum number of queued packets.
const frameQueueCapacity = 1024

// frameQueue is the outgoing queue of a device that is not backed by
// a userspace network stack. The zero value is invalid; please, use
// [newFrameQueue] to construct.
type frameQueue struct {
	// closeOnce provides once semantics for close
	closeOnce sync.Once

	// closed is closed when we close the queue
	closed chan any

	// mu protects packets
	mu sync.Mutex

	// notify is posted each time a new packet is queued
	notify chan any

	// packets contains the queued packets
	packets [][]byte
}

// newFrameQueue creates a new [frameQueue].
func newFrameQueue() *frameQueue {
	return &frameQueue{
		closeOnce: sync.Once{},
		closed:    make(chan any),
		mu:        sync.Mutex{},
		notify:    make(chan any, frameQueueCapacity),
		packets:   [][]byte{},
	}
}

// push enqueues a packet. When the queue is full, we drop the packet
// and return [ErrPacketDropped] to emulate a drop-tail queue.
func (q *frameQueue) push(packet []byte) error {
	select {
	case <-q.closed:
		return ErrStackClosed
	default:
	}

	defer q.mu.Unlock()
	q.mu.Lock()
	select {
	case q.notify <- true:
		q.packets = append(q.packets, packet)
		return nil
	default:
		return ErrPacketDropped
	}
}

// FrameAvailable implements FrameReader
func (q *frameQueue) FrameAvailable() <-chan any {
	return q.notify
}

// ReadFrameNonblocking implements FrameReader
func (q *frameQueue) ReadFrameNonblocking() (*Frame, error) {
	// honour the queue-closed flag
	select {
	case <-q.closed:
		return nil, ErrStackClosed
	default:
		// fallthrough
	}

	defer q.mu.Unlock()
	q.mu.Lock()
	if len(q.packets) <= 0 {
		return nil, ErrNoPacket
	}
	packet := q.packets[0]
	q.packets = q.packets[1:]
	return NewFrame(packet), nil
}

// StackClosed implements FrameReader
func (q *frameQueue) StackClosed() <-chan any {
	return q.closed
}

// close closes the queue and returns true the first time it is called.
func (q *frameQueue) close() bool {
	var first bool
	q.closeOnce.Do(func() {
		close(q.closed)
		first = true
	})
	return first
}

var _ FrameReader = &frameQueue{}

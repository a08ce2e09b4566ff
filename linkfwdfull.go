package mininetem

//
// Link frame forwarding: full implementation
//

import (
	"fmt"
	"time"
)

// LinkFwdFull is a full implementation of link forwarding that
// deals with delays and packet losses.
//
// The kind of half-duplex link modeled by this function will
// look much more like a shared geographical link than an
// ethernet link. For example, this link allows out-of-order
// delivery of packets.
func LinkFwdFull(cfg *LinkFwdConfig) {

	//
	// This algorithm cares about the following packet level properties:
	//
	// - jitter scattering packets to mitigate bursts;
	//
	// - packet pacing at the TX, also to mitigate bursts;
	//
	// - out-of-order delivery both at the TX and at the RX
	// such that jitter actually works;
	//
	// - drop-tail, small-buffer TX queue discipline.
	//

	// informative logging
	linkName := fmt.Sprintf(
		"linkFwdFull %s<->%s",
		cfg.Reader.InterfaceName(),
		cfg.Writer.InterfaceName(),
	)
	cfg.Logger.Debugf("mininetem: %s up", linkName)
	defer cfg.Logger.Debugf("mininetem: %s down", linkName)

	// synchronize with stop
	defer cfg.Wg.Done()

	// ticker to schedule I/O
	ticker := time.NewTicker(linkFwdFullConstantRate)
	defer ticker.Stop()

	state := &linkFwdFullState{
		cfg: cfg,
		rng: cfg.newLinkgFwdRNG(),
	}

	for {
		select {
		case <-cfg.Reader.StackClosed():
			return

		// Whenever there is an IP packet, we enqueue it into a virtual
		// interface, account for the queuing delay, and moderate the queue
		// to avoid the most severe bufferbloat.
		case <-cfg.Reader.FrameAvailable():
			frame, err := cfg.Reader.ReadFrameNonblocking()
			if err != nil {
				cfg.Logger.Warnf("mininetem: ReadFrameNonblocking: %s", err.Error())
				continue
			}
			state.enqueue(frame)

		// Ticker to emulate (slotted) sending and receiving over the channel
		case <-ticker.C:
			state.transmit()
			state.receive()
		}
	}
}

// We assume that we can send 100 bit/µs (i.e., 100 Mbit/s). We also assume
// that a packet is 1500 bytes (i.e., 12000 bits). The constant TX rate
// is 120µs, and our code wakes up every 120µs to check for I/O.
const (
	linkFwdFullBitsPerMicrosecond = 100
	linkFwdFullConstantRate       = 120 * time.Microsecond
)

// linkFwdFullMaxQueuedBytes is the maximum number of bytes in the TX buffer.
const linkFwdFullMaxQueuedBytes = 1 << 16

// linkFwdFullState is the state of [LinkFwdFull].
type linkFwdFullState struct {
	// cfg is the link config.
	cfg *LinkFwdConfig

	// inflight contains the frames currently in flight.
	inflight []*Frame

	// outgoing contains the frames waiting to be transmitted.
	outgoing []*Frame

	// queuedBytes is the number of bytes inside outgoing.
	queuedBytes int

	// rng generates jitter and losses.
	rng LinkFwdRNG
}

// enqueue adds a frame to the TX queue unless the queue is full.
func (st *linkFwdFullState) enqueue(frame *Frame) {
	if st.queuedBytes > linkFwdFullMaxQueuedBytes {
		return
	}

	// avoid potential data races
	frame = frame.ShallowCopy()

	// the TX deadline accounts for the time to send all the
	// previously queued frames in the outgoing buffer
	frame.Deadline = time.Now().Add(
		time.Duration(st.queuedBytes*8) / linkFwdFullBitsPerMicrosecond)

	st.outgoing = append(st.outgoing, frame)
	st.queuedBytes += len(frame.Payload)
}

// transmit moves the front frame of the TX queue in flight.
func (st *linkFwdFullState) transmit() {
	if len(st.outgoing) <= 0 {
		return
	}
	linkFwdSortFrameSliceInPlace(st.outgoing)
	frame := st.outgoing[0]
	if time.Until(frame.Deadline) > 0 {
		return
	}
	st.queuedBytes -= len(frame.Payload)
	st.outgoing = st.outgoing[1:]

	// mark the frame for dropping at the RX so we simulate
	// it being dropped while in flight
	if st.rng.Float64() < st.cfg.PLR {
		frame.Flags |= FrameFlagDrop
	}

	// add random jitter to offset the effect of bursts
	jitter := time.Duration(st.rng.Int63n(1000)) * time.Microsecond
	frame.Deadline = time.Now().Add(st.cfg.OneWayDelay + jitter)

	// the frame is now in flight
	st.inflight = append(st.inflight, frame)
}

// receive delivers the front in-flight frame once its deadline expired.
func (st *linkFwdFullState) receive() {
	if len(st.inflight) <= 0 {
		return
	}
	linkFwdSortFrameSliceInPlace(st.inflight)
	frame := st.inflight[0]
	if time.Until(frame.Deadline) > 0 {
		return
	}
	st.inflight = st.inflight[1:]

	// don't leak the deadline to the destination NIC
	frame.Deadline = time.Time{}
	linkFwdDeliveryOrDrop(st.cfg.Writer, frame)
}

// linkFwdDeliveryOrDrop delivers or drops a frame depending
// on the configured frame flags.
func linkFwdDeliveryOrDrop(writer WriteableNIC, frame *Frame) {
	if frame.Flags&FrameFlagDrop == 0 {
		_ = writer.WriteFrame(frame)
	}
}

var _ = LinkFwdFunc(LinkFwdFull)

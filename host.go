package mininetem

//
// Emulated hosts
//

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
)

// ErrPingTimeout indicates that we did not receive an ICMP echo reply in time.
var ErrPingTimeout = errors.New("mininetem: ping: request timed out")

// hostPingPayloadSize is the size of the echo request payload,
// which is the same default used by ping(8).
const hostPingPayloadSize = 56

// Host is an emulated network endpoint. The zero value is
// invalid; please, use [NewHost] to construct.
//
// A [Host] owns a [UNetStack] and is itself a [NIC] sitting between
// the stack and the [Link] connecting the host to the network. The
// host answers ICMP echo requests addressed to it and implements
// [Host.Ping] on top of ICMP echo. All the other traffic goes
// to and from the userspace network stack.
type Host struct {
	// address is the host's IPv4 address.
	address netip.Addr

	// logger is the logger to use.
	logger Logger

	// name is the host name (e.g., h1).
	name string

	// outgoing contains ICMP frames and frames read from the stack.
	outgoing *frameQueue

	// pingID is the ICMP identifier used by this host.
	pingID uint16

	// pingMu protects pingSeq and pending.
	pingMu sync.Mutex

	// pingSeq is the next ICMP sequence number.
	pingSeq uint16

	// pending contains the pending echo requests.
	pending map[hostPingKey]chan any

	// stack is the userspace network stack.
	stack *UNetStack

	// wg tracks the goroutine moving frames out of the stack.
	wg *sync.WaitGroup
}

// hostPingKey identifies a pending echo request.
type hostPingKey struct {
	addr netip.Addr
	seq  uint16
}

var (
	_ NIC               = &Host{}
	_ UnderlyingNetwork = &Host{}
)

// NewHost creates a new [Host] with the given name, IPv4 address
// and MTU. You MUST call [Host.Close] when done; note that a [Link]
// using the host as one of its NICs does that for you.
func NewHost(logger Logger, name string, address string, MTU uint32) (*Host, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return nil, err
	}
	stack, err := NewUNetStack(logger, MTU, address)
	if err != nil {
		return nil, err
	}
	h := &Host{
		address:  addr.Unmap(),
		logger:   logger,
		name:     name,
		outgoing: newFrameQueue(),
		pingID:   uint16(rand.Intn(1 << 16)),
		pingMu:   sync.Mutex{},
		pingSeq:  0,
		pending:  map[hostPingKey]chan any{},
		stack:    stack,
		wg:       &sync.WaitGroup{},
	}
	h.wg.Add(1)
	go h.readStackLoop()
	return h, nil
}

// Name returns the host name.
func (h *Host) Name() string {
	return h.name
}

// readStackLoop moves the frames emitted by the stack to the outgoing queue.
func (h *Host) readStackLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.outgoing.StackClosed():
			return
		case <-h.stack.StackClosed():
			return
		case <-h.stack.FrameAvailable():
			frame, err := h.stack.ReadFrameNonblocking()
			if err != nil {
				if !errors.Is(err, ErrNoPacket) {
					h.logger.Warnf("mininetem: %s: ReadFrameNonblocking: %s", h.name, err.Error())
				}
				continue
			}
			_ = h.outgoing.push(frame.Payload)
		}
	}
}

// FrameAvailable implements NIC
func (h *Host) FrameAvailable() <-chan any {
	return h.outgoing.FrameAvailable()
}

// ReadFrameNonblocking implements NIC
func (h *Host) ReadFrameNonblocking() (*Frame, error) {
	return h.outgoing.ReadFrameNonblocking()
}

// StackClosed implements NIC
func (h *Host) StackClosed() <-chan any {
	return h.outgoing.StackClosed()
}

// IPAddress implements NIC
func (h *Host) IPAddress() string {
	return h.address.String()
}

// InterfaceName implements NIC
func (h *Host) InterfaceName() string {
	return h.stack.InterfaceName()
}

// WriteFrame implements NIC
func (h *Host) WriteFrame(frame *Frame) error {
	select {
	case <-h.outgoing.StackClosed():
		return ErrStackClosed
	default:
	}
	if !hostIsICMPv4(frame.Payload) {
		return h.stack.WriteFrame(frame)
	}
	packet, err := DissectPacket(frame.Payload)
	if err != nil {
		return err
	}
	return h.handleICMP(packet)
}

// hostIsICMPv4 returns whether a raw packet is an IPv4 packet carrying ICMP.
func hostIsICMPv4(packet []byte) bool {
	const protocolOffset = 9
	return len(packet) > protocolOffset && packet[0]>>4 == 4 &&
		layers.IPProtocol(packet[protocolOffset]) == layers.IPProtocolICMPv4
}

// handleICMP processes an incoming ICMP packet.
func (h *Host) handleICMP(packet *DissectedPacket) error {
	// ignore flooded packets that are not for us
	if packet.DestinationIPAddress() != h.IPAddress() {
		return nil
	}

	switch {
	case packet.isICMPEchoRequest():
		reply, err := packet.icmpEchoReply()
		if err != nil {
			return err
		}
		return h.outgoing.push(reply)

	case packet.isICMPEchoReply():
		if packet.ICMPv4.Id == h.pingID {
			h.deliverEchoReply(packet.SourceIPAddress(), packet.ICMPv4.Seq)
		}
		return nil

	default:
		return nil
	}
}

// deliverEchoReply wakes up the goroutine waiting for the given echo reply.
func (h *Host) deliverEchoReply(source string, seq uint16) {
	addr, err := netip.ParseAddr(source)
	if err != nil {
		return
	}
	key := hostPingKey{addr: addr.Unmap(), seq: seq}
	h.pingMu.Lock()
	ch := h.pending[key]
	h.pingMu.Unlock()
	if ch == nil {
		return // late or duplicate reply
	}
	select {
	case ch <- true:
	default:
	}
}

// Ping sends a single ICMP echo request to the given IPv4 address and waits
// for the corresponding reply for at most timeout. On success, this function
// returns the round-trip time. If there is no reply in time, this function
// returns [ErrPingTimeout].
func (h *Host) Ping(ctx context.Context, address string, timeout time.Duration) (time.Duration, error) {
	dst, err := netip.ParseAddr(address)
	if err != nil {
		return 0, err
	}
	dst = dst.Unmap()
	if !dst.Is4() {
		return 0, ErrNotIPAddress
	}

	// a host can always reach itself
	if dst == h.address {
		return 0, nil
	}

	// register the pending request
	h.pingMu.Lock()
	h.pingSeq++
	key := hostPingKey{addr: dst, seq: h.pingSeq}
	ch := make(chan any, 1)
	h.pending[key] = ch
	h.pingMu.Unlock()
	defer func() {
		h.pingMu.Lock()
		delete(h.pending, key)
		h.pingMu.Unlock()
	}()

	// send the request
	request, err := newICMPEchoRequest(h.address, dst, h.pingID, key.seq, make([]byte, hostPingPayloadSize))
	if err != nil {
		return 0, err
	}
	t0 := time.Now()
	if err := h.outgoing.push(request); err != nil {
		return 0, err
	}

	// await for the reply
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return time.Since(t0), nil
	case <-timer.C:
		return 0, ErrPingTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.outgoing.StackClosed():
		return 0, ErrStackClosed
	}
}

// DialContext implements UnderlyingNetwork
func (h *Host) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return h.stack.DialContext(ctx, network, address)
}

// ListenTCP implements UnderlyingNetwork
func (h *Host) ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error) {
	return h.stack.ListenTCP(network, addr)
}

// ListenUDP implements UnderlyingNetwork
func (h *Host) ListenUDP(network string, addr *net.UDPAddr) (UDPLikeConn, error) {
	return h.stack.ListenUDP(network, addr)
}

// Close implements NIC
func (h *Host) Close() error {
	if h.outgoing.close() {
		h.stack.Close()
		h.wg.Wait()
	}
	return nil
}

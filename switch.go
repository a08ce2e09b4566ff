package mininetem

//
// OpenFlow-style switch
//

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
)

// Switch is a switch controlled by a [Controller].
type Switch interface {
	// Name returns the switch name (e.g., s1).
	Name() string

	// DatapathID returns the unique switch ID.
	DatapathID() uint64

	// AddPort adds a new physical port to the switch and returns the
	// [NIC] to be connected to a [Link]. The [Link] takes ownership
	// of the returned NIC.
	AddPort() (NIC, error)

	// Connect connects the switch to the given [Controller].
	Connect(ctrl Controller) error

	// DumpFlows returns the active flows.
	DumpFlows() []*FlowStats

	// Close shuts down the switch.
	Close() error
}

// SwitchConn is the controller's view of a connected [Switch].
type SwitchConn interface {
	// DatapathID returns the unique switch ID.
	DatapathID() uint64

	// Features returns the switch features.
	Features() *FeaturesReply

	// PacketIns returns the channel where the switch posts [PacketIn] messages.
	PacketIns() <-chan *PacketIn

	// Done returns a channel closed when the switch is closed.
	Done() <-chan any

	// SendFlowMod modifies the switch flow table.
	SendFlowMod(fm *FlowMod) error

	// SendPacketOut tells the switch to emit a packet.
	SendPacketOut(po *PacketOut) error

	// DumpFlows returns the active flows.
	DumpFlows() []*FlowStats
}

// SwitchConfig contains config for creating a [Switch].
type SwitchConfig struct {
	// DatapathID is the MANDATORY unique switch ID.
	DatapathID uint64

	// Logger is the MANDATORY logger.
	Logger Logger

	// Metrics contains the OPTIONAL metrics. When nil, the switch
	// registers its metrics with a private registry.
	Metrics *Metrics

	// Name is the MANDATORY switch name.
	Name string
}

// SwitchFactory creates a [Switch] given its config.
type SwitchFactory func(config *SwitchConfig) (Switch, error)

// OFSwitchFactory is the [SwitchFactory] creating [OFSwitch] instances.
func OFSwitchFactory(config *SwitchConfig) (Switch, error) {
	sw, err := NewOFSwitch(config)
	if err != nil {
		return nil, err
	}
	return sw, nil
}

var _ = SwitchFactory(OFSwitchFactory)

// ErrSwitchConnected indicates that a switch is already connected to a controller.
var ErrSwitchConnected = errors.New("mininetem: switch already connected")

// ErrNoSuchPort indicates that a port does not exist.
var ErrNoSuchPort = errors.New("mininetem: no such port")

// switchMaxPacketIns is the maximum number of pending [PacketIn]s.
const switchMaxPacketIns = 1024

// OFSwitch is an OpenFlow-style switch forwarding IP packets between
// its ports according to the flow table. The zero value is invalid;
// please, use [NewOFSwitch] to construct.
//
// On a table miss, the switch sends a [PacketIn] to the controller. A
// switch that is not connected to any controller drops packets on a
// table miss, like Open vSwitch in secure fail mode.
type OFSwitch struct {
	closeOnce sync.Once
	closed    chan any
	connected bool
	dpid      uint64
	label     string
	logger    Logger
	metrics   *Metrics
	mu        sync.Mutex
	name      string
	packetIns chan *PacketIn
	ports     []*SwitchPort
	table     *FlowTable
}

var (
	_ Switch     = &OFSwitch{}
	_ SwitchConn = &OFSwitch{}
)

// NewOFSwitch creates a new [OFSwitch].
func NewOFSwitch(config *SwitchConfig) (*OFSwitch, error) {
	metrics := config.Metrics
	if metrics == nil {
		var err error
		metrics, err = NewMetrics(prometheus.NewRegistry())
		if err != nil {
			return nil, err
		}
	}
	sw := &OFSwitch{
		closeOnce: sync.Once{},
		closed:    make(chan any),
		connected: false,
		dpid:      config.DatapathID,
		label:     fmt.Sprintf("%016x", config.DatapathID),
		logger:    config.Logger,
		metrics:   metrics,
		mu:        sync.Mutex{},
		name:      config.Name,
		packetIns: make(chan *PacketIn, switchMaxPacketIns),
		ports:     []*SwitchPort{},
		table:     NewFlowTable(),
	}
	sw.metrics.Flows.WithLabelValues(sw.label).Set(0)
	sw.logger.Infof("mininetem: ovs-vsctl add-br %s (dpid=%s)", sw.name, sw.label)
	return sw, nil
}

// Name implements Switch
func (sw *OFSwitch) Name() string {
	return sw.name
}

// DatapathID implements Switch
func (sw *OFSwitch) DatapathID() uint64 {
	return sw.dpid
}

// AddPort implements Switch
func (sw *OFSwitch) AddPort() (NIC, error) {
	// Close closes the channel before collecting the ports under the
	// mutex, so checking while holding it never leaks a port
	defer sw.mu.Unlock()
	sw.mu.Lock()
	select {
	case <-sw.closed:
		return nil, ErrStackClosed
	default:
	}
	number := PortNumber(len(sw.ports) + 1)
	port := &SwitchPort{
		ifaceName: fmt.Sprintf("%s-eth%d", sw.name, number),
		logger:    sw.logger,
		number:    number,
		queue:     newFrameQueue(),
		sw:        sw,
	}
	sw.ports = append(sw.ports, port)
	sw.logger.Infof("mininetem: ovs-vsctl add-port %s %s", sw.name, port.ifaceName)
	return port, nil
}

// Connect implements Switch
func (sw *OFSwitch) Connect(ctrl Controller) error {
	sw.mu.Lock()
	if sw.connected {
		sw.mu.Unlock()
		return ErrSwitchConnected
	}
	sw.connected = true
	sw.mu.Unlock()
	sw.logger.Infof("mininetem: ovs-vsctl set-controller %s %s", sw.name, ctrl.Name())
	if err := ctrl.Connect(sw); err != nil {
		sw.mu.Lock()
		sw.connected = false
		sw.mu.Unlock()
		return err
	}
	return nil
}

// Features implements SwitchConn
func (sw *OFSwitch) Features() *FeaturesReply {
	defer sw.mu.Unlock()
	sw.mu.Lock()
	fr := &FeaturesReply{
		DatapathID: sw.dpid,
		Ports:      []PortNumber{},
	}
	for _, port := range sw.ports {
		fr.Ports = append(fr.Ports, port.number)
	}
	return fr
}

// PacketIns implements SwitchConn
func (sw *OFSwitch) PacketIns() <-chan *PacketIn {
	return sw.packetIns
}

// Done implements SwitchConn
func (sw *OFSwitch) Done() <-chan any {
	return sw.closed
}

// SendFlowMod implements SwitchConn
func (sw *OFSwitch) SendFlowMod(fm *FlowMod) error {
	select {
	case <-sw.closed:
		return ErrStackClosed
	default:
	}
	count := sw.table.Apply(fm)
	sw.metrics.FlowMod.WithLabelValues(sw.label).Inc()
	sw.metrics.Flows.WithLabelValues(sw.label).Set(float64(sw.table.Len()))
	sw.logger.Debugf("mininetem: %s: flow_mod command=%d %s actions=%s (%d flows)",
		sw.name, fm.Command, fm.Match.String(), actionsString(fm.Actions), count)
	return nil
}

// SendPacketOut implements SwitchConn
func (sw *OFSwitch) SendPacketOut(po *PacketOut) error {
	select {
	case <-sw.closed:
		return ErrStackClosed
	default:
	}
	sw.output(po.InPort, po.Actions, po.Data)
	return nil
}

// DumpFlows implements Switch
func (sw *OFSwitch) DumpFlows() []*FlowStats {
	flows := sw.table.Dump()
	sw.metrics.Flows.WithLabelValues(sw.label).Set(float64(len(flows)))
	return flows
}

// Close implements Switch
func (sw *OFSwitch) Close() error {
	sw.closeOnce.Do(func() {
		sw.logger.Infof("mininetem: ovs-vsctl del-br %s", sw.name)
		close(sw.closed)
		sw.mu.Lock()
		ports := sw.ports
		sw.mu.Unlock()
		for _, port := range ports {
			port.Close()
		}
	})
	return nil
}

// receive processes a packet received on the given port.
func (sw *OFSwitch) receive(inPort PortNumber, payload []byte) error {
	packet, err := DissectPacket(payload)
	if err != nil {
		sw.metrics.Dropped.WithLabelValues(sw.label).Inc()
		sw.logger.Warnf("mininetem: %s: receive: %s", sw.name, err.Error())
		return err
	}
	nwSrc, nwDst := switchNetworkAddrs(packet)

	actions, found := sw.table.Lookup(inPort, nwSrc, nwDst, len(payload))
	if found {
		sw.metrics.LookupHit.WithLabelValues(sw.label).Inc()
		sw.output(inPort, actions, payload)
		return nil
	}
	sw.metrics.LookupMissed.WithLabelValues(sw.label).Inc()
	return sw.sendPacketIn(inPort, PacketInReasonNoMatch, payload)
}

// sendPacketIn sends a [PacketIn] to the controller if possible.
func (sw *OFSwitch) sendPacketIn(inPort PortNumber, reason PacketInReason, payload []byte) error {
	sw.mu.Lock()
	connected := sw.connected
	sw.mu.Unlock()
	if !connected {
		sw.metrics.Dropped.WithLabelValues(sw.label).Inc()
		return ErrPacketDropped
	}
	pi := &PacketIn{
		BufferID: BufferIDNone,
		InPort:   inPort,
		Reason:   reason,
		Data:     payload,
	}
	select {
	case <-sw.closed:
		return ErrStackClosed
	case sw.packetIns <- pi:
		sw.metrics.PacketIn.WithLabelValues(sw.label).Inc()
		return nil
	default:
		sw.metrics.Dropped.WithLabelValues(sw.label).Inc()
		return ErrPacketDropped
	}
}

// output applies the output actions to a packet received on inPort. The
// payload is shared by all the output ports and MUST NOT be modified.
func (sw *OFSwitch) output(inPort PortNumber, actions []ActionOutput, payload []byte) {
	if len(actions) <= 0 {
		sw.metrics.Dropped.WithLabelValues(sw.label).Inc()
		return
	}
	for _, action := range actions {
		switch action.Port {
		case PortNone:
			// nothing
		case PortController:
			_ = sw.sendPacketIn(inPort, PacketInReasonAction, payload)
		case PortFlood:
			sw.mu.Lock()
			ports := sw.ports
			sw.mu.Unlock()
			for _, port := range ports {
				if port.number != inPort {
					sw.emit(port, payload)
				}
			}
		default:
			port, err := sw.port(action.Port)
			if err != nil {
				sw.logger.Warnf("mininetem: %s: output: %s: %s", sw.name, action.Port, err.Error())
				continue
			}
			if port.number == inPort {
				continue // never send a packet back where it came from
			}
			sw.emit(port, payload)
		}
	}
}

// emit emits a packet on the given port.
func (sw *OFSwitch) emit(port *SwitchPort, payload []byte) {
	if err := port.queue.push(payload); err != nil {
		sw.metrics.Dropped.WithLabelValues(sw.label).Inc()
	}
}

// port returns the given physical port.
func (sw *OFSwitch) port(number PortNumber) (*SwitchPort, error) {
	defer sw.mu.Unlock()
	sw.mu.Lock()
	idx := int(number) - 1
	if idx < 0 || idx >= len(sw.ports) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchPort, number)
	}
	return sw.ports[idx], nil
}

// switchNetworkAddrs returns the source and destination addresses of a packet.
func switchNetworkAddrs(packet *DissectedPacket) (netip.Addr, netip.Addr) {
	var src, dst netip.Addr
	switch v := packet.IP.(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(v.SrcIP)
		dst, _ = netip.AddrFromSlice(v.DstIP)
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(v.SrcIP)
		dst, _ = netip.AddrFromSlice(v.DstIP)
	}
	return src.Unmap(), dst.Unmap()
}

// switchDigits matches the first number inside a switch name.
var switchDigits = regexp.MustCompile(`[0-9]+`)

// DatapathIDFromName derives the datapath ID from the first number
// in the switch name (e.g., s1 => 1). When the name contains no
// number, this function returns the fallback value.
func DatapathIDFromName(name string, fallback uint64) uint64 {
	digits := switchDigits.FindString(name)
	if digits == "" {
		return fallback
	}
	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

// SwitchPort is a physical port of an [OFSwitch]. Frames written
// into the port enter the switch datapath, while frames read from
// the port are those the switch emits on it.
type SwitchPort struct {
	ifaceName string
	logger    Logger
	number    PortNumber
	queue     *frameQueue
	sw        *OFSwitch
}

var _ NIC = &SwitchPort{}

// Number returns the port number.
func (sp *SwitchPort) Number() PortNumber {
	return sp.number
}

// FrameAvailable implements NIC
func (sp *SwitchPort) FrameAvailable() <-chan any {
	return sp.queue.FrameAvailable()
}

// ReadFrameNonblocking implements NIC
func (sp *SwitchPort) ReadFrameNonblocking() (*Frame, error) {
	return sp.queue.ReadFrameNonblocking()
}

// StackClosed implements NIC
func (sp *SwitchPort) StackClosed() <-chan any {
	return sp.queue.StackClosed()
}

// Close implements NIC
func (sp *SwitchPort) Close() error {
	if sp.queue.close() {
		sp.logger.Debugf("mininetem: ifconfig %s down", sp.ifaceName)
	}
	return nil
}

// IPAddress implements NIC
func (sp *SwitchPort) IPAddress() string {
	return "0.0.0.0"
}

// InterfaceName implements NIC
func (sp *SwitchPort) InterfaceName() string {
	return sp.ifaceName
}

// WriteFrame implements NIC
func (sp *SwitchPort) WriteFrame(frame *Frame) error {
	select {
	case <-sp.queue.StackClosed():
		return ErrStackClosed
	default:
	}
	return sp.sw.receive(sp.number, frame.Payload)
}

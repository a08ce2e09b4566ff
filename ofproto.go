package mininetem

//
// OpenFlow-style protocol between switches and controllers
//

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// PortNumber is the number of a switch port. Physical ports are
// numbered starting from one; see [PortFlood] and friends for the
// reserved port numbers.
type PortNumber uint16

const (
	// PortFlood means all the physical ports except the input port.
	PortFlood = PortNumber(0xfffb)

	// PortController means sending the packet to the controller.
	PortController = PortNumber(0xfffd)

	// PortNone means no port.
	PortNone = PortNumber(0xffff)
)

// String returns the ovs-ofctl representation of the port.
func (p PortNumber) String() string {
	switch p {
	case PortFlood:
		return "FLOOD"
	case PortController:
		return "CONTROLLER"
	case PortNone:
		return "NONE"
	default:
		return fmt.Sprintf("%d", uint16(p))
	}
}

// Wildcards tells which [Match] fields should be ignored.
type Wildcards uint32

const (
	// WildcardInPort ignores [Match.InPort].
	WildcardInPort = Wildcards(1 << iota)

	// WildcardNwSrc ignores [Match.NwSrc].
	WildcardNwSrc

	// WildcardNwDst ignores [Match.NwDst].
	WildcardNwDst

	// WildcardAll ignores all the fields.
	WildcardAll = WildcardInPort | WildcardNwSrc | WildcardNwDst
)

// Match describes the packets to which a flow applies. The structure
// is comparable, so two matches are identical when they are equal.
type Match struct {
	// Wildcards contains the fields to ignore.
	Wildcards Wildcards

	// InPort is the input port.
	InPort PortNumber

	// NwSrc is the network source address.
	NwSrc netip.Addr

	// NwDst is the network destination address.
	NwDst netip.Addr
}

// NewExactMatch returns the [Match] that exactly matches the given packet.
func NewExactMatch(inPort PortNumber, nwSrc, nwDst netip.Addr) Match {
	return Match{
		Wildcards: 0,
		InPort:    inPort,
		NwSrc:     nwSrc,
		NwDst:     nwDst,
	}
}

// Matches returns whether this match matches the given packet fields.
func (m *Match) Matches(inPort PortNumber, nwSrc, nwDst netip.Addr) bool {
	if m.Wildcards&WildcardInPort == 0 && m.InPort != inPort {
		return false
	}
	if m.Wildcards&WildcardNwSrc == 0 && m.NwSrc != nwSrc {
		return false
	}
	if m.Wildcards&WildcardNwDst == 0 && m.NwDst != nwDst {
		return false
	}
	return true
}

// String returns the ovs-ofctl representation of the match.
func (m *Match) String() string {
	var fields []string
	if m.Wildcards&WildcardInPort == 0 {
		fields = append(fields, fmt.Sprintf("in_port=%s", m.InPort))
	}
	if m.Wildcards&WildcardNwSrc == 0 {
		fields = append(fields, fmt.Sprintf("nw_src=%s", m.NwSrc))
	}
	if m.Wildcards&WildcardNwDst == 0 {
		fields = append(fields, fmt.Sprintf("nw_dst=%s", m.NwDst))
	}
	return strings.Join(fields, ",")
}

// ActionOutput emits a packet on a port.
type ActionOutput struct {
	Port PortNumber
}

// String returns the ovs-ofctl representation of the action.
func (a ActionOutput) String() string {
	return fmt.Sprintf("output:%s", a.Port)
}

// actionsString formats a list of actions the way ovs-ofctl does.
func actionsString(actions []ActionOutput) string {
	if len(actions) <= 0 {
		return "drop"
	}
	var v []string
	for _, a := range actions {
		v = append(v, a.String())
	}
	return strings.Join(v, ",")
}

// FeaturesReply describes a switch to a controller.
type FeaturesReply struct {
	// DatapathID is the unique switch ID.
	DatapathID uint64

	// Ports contains the physical ports.
	Ports []PortNumber
}

// PacketInReason is the reason why a switch sent a [PacketIn].
type PacketInReason uint8

const (
	// PacketInReasonNoMatch means there was no matching flow.
	PacketInReasonNoMatch = PacketInReason(iota)

	// PacketInReasonAction means a flow action sent the packet to the controller.
	PacketInReasonAction
)

// BufferIDNone means that a packet was not buffered by the switch.
const BufferIDNone = uint32(0xffffffff)

// PacketIn is a packet the switch sends to the controller.
type PacketIn struct {
	// BufferID is the buffer ID or [BufferIDNone].
	BufferID uint32

	// InPort is the port where we received the packet.
	InPort PortNumber

	// Reason is the reason why we're sending this message.
	Reason PacketInReason

	// Data contains the raw packet.
	Data []byte
}

// FlowModCommand is the command of a [FlowMod].
type FlowModCommand uint8

const (
	// FlowModAdd adds a flow or replaces a flow with an identical match.
	FlowModAdd = FlowModCommand(iota)

	// FlowModDelete deletes all the flows covered by the match.
	FlowModDelete
)

// FlowMod modifies the flow table of a switch.
type FlowMod struct {
	// Command is the command to execute.
	Command FlowModCommand

	// Match is the flow match.
	Match Match

	// Priority is the flow priority. Higher priorities match first.
	Priority uint16

	// IdleTimeout is the OPTIONAL idle timeout. Zero means permanent.
	IdleTimeout time.Duration

	// HardTimeout is the OPTIONAL hard timeout. Zero means permanent.
	HardTimeout time.Duration

	// Actions contains the actions. An empty list means drop.
	Actions []ActionOutput
}

// PacketOut tells a switch to emit a packet.
type PacketOut struct {
	// InPort is the port where the packet was received.
	InPort PortNumber

	// Actions contains the actions to apply.
	Actions []ActionOutput

	// Data contains the raw packet.
	Data []byte
}

// FlowStats contains the statistics of a flow.
type FlowStats struct {
	// Match is the flow match.
	Match Match

	// Priority is the flow priority.
	Priority uint16

	// IdleTimeout is the flow idle timeout.
	IdleTimeout time.Duration

	// HardTimeout is the flow hard timeout.
	HardTimeout time.Duration

	// Actions contains the flow actions.
	Actions []ActionOutput

	// Duration is the time since the flow was installed.
	Duration time.Duration

	// PacketCount is the number of packets that matched.
	PacketCount uint64

	// ByteCount is the number of bytes that matched.
	ByteCount uint64
}

// String returns the ovs-ofctl dump-flows representation of the flow.
func (fs *FlowStats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "duration=%.3fs, n_packets=%d, n_bytes=%d, ",
		fs.Duration.Seconds(), fs.PacketCount, fs.ByteCount)
	if fs.IdleTimeout > 0 {
		fmt.Fprintf(&b, "idle_timeout=%d, ", int64(fs.IdleTimeout.Seconds()))
	}
	if fs.HardTimeout > 0 {
		fmt.Fprintf(&b, "hard_timeout=%d, ", int64(fs.HardTimeout.Seconds()))
	}
	fmt.Fprintf(&b, "priority=%d", fs.Priority)
	if m := fs.Match.String(); m != "" {
		fmt.Fprintf(&b, ",%s", m)
	}
	fmt.Fprintf(&b, " actions=%s", actionsString(fs.Actions))
	return b.String()
}

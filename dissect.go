package mininetem

//
// Protocol dissector
//

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DissectedPacket is a dissected IP packet. The zero-value is invalid; you
// MUST use the [DissectPacket] factory to create a new instance.
type DissectedPacket struct {
	// Packet is the underlying packet.
	Packet gopacket.Packet

	// IP is the network layer (either IPv4 or IPv6).
	IP gopacket.NetworkLayer

	// TCP is the POSSIBLY NIL tcp layer.
	TCP *layers.TCP

	// UDP is the POSSIBLY NIL UDP layer.
	UDP *layers.UDP

	// ICMPv4 is the POSSIBLY NIL ICMPv4 layer.
	ICMPv4 *layers.ICMPv4
}

// ErrDissectShortPacket indicates the packet is too short.
var ErrDissectShortPacket = errors.New("mininetem: dissect: packet too short")

// ErrDissectNetwork indicates that we do not support the packet's network protocol.
var ErrDissectNetwork = errors.New("mininetem: dissect: unsupported network protocol")

// ErrDissectTransport indicates that we do not support the packet's transport protocol.
var ErrDissectTransport = errors.New("mininetem: dissect: unsupported transport protocol")

const (
	dissectMinIPv4HeaderLen = 20
	dissectIPv6HeaderLen    = 40
)

// DissectPacket parses a packet TCP/IP layers. We support TCP, UDP,
// and ICMPv4 as transport protocols.
func DissectPacket(rawPacket []byte) (*DissectedPacket, error) {
	dp := &DissectedPacket{}

	// [UNetStack] and [Host] emit raw IPv4 or IPv6 packets and we need to
	// sniff the actual version from the first octet
	if len(rawPacket) < 1 {
		return nil, ErrDissectShortPacket
	}
	version := uint8(rawPacket[0]) >> 4

	// parse the IP layer
	switch {
	case version == 4:
		if len(rawPacket) < dissectMinIPv4HeaderLen {
			return nil, ErrDissectNetwork
		}
		dp.Packet = gopacket.NewPacket(rawPacket, layers.LayerTypeIPv4, gopacket.Lazy)
		ipLayer := dp.Packet.Layer(layers.LayerTypeIPv4)
		if ipLayer == nil {
			return nil, ErrDissectNetwork
		}
		dp.IP = ipLayer.(*layers.IPv4)

	case version == 6:
		if len(rawPacket) < dissectIPv6HeaderLen {
			return nil, ErrDissectNetwork
		}
		dp.Packet = gopacket.NewPacket(rawPacket, layers.LayerTypeIPv6, gopacket.Lazy)
		ipLayer := dp.Packet.Layer(layers.LayerTypeIPv6)
		if ipLayer == nil {
			return nil, ErrDissectNetwork
		}
		dp.IP = ipLayer.(*layers.IPv6)

	default:
		return nil, ErrDissectNetwork
	}

	// parse the transport layer
	switch dp.TransportProtocol() {
	case layers.IPProtocolTCP:
		tcpLayer, good := dp.Packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !good {
			return nil, ErrDissectShortPacket
		}
		dp.TCP = tcpLayer

	case layers.IPProtocolUDP:
		udpLayer, good := dp.Packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !good {
			return nil, ErrDissectShortPacket
		}
		dp.UDP = udpLayer

	case layers.IPProtocolICMPv4:
		icmpLayer, good := dp.Packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !good {
			return nil, ErrDissectShortPacket
		}
		dp.ICMPv4 = icmpLayer

	default:
		return nil, ErrDissectTransport
	}

	return dp, nil
}

// DestinationIPAddress returns the packet's destination IP address.
func (dp *DissectedPacket) DestinationIPAddress() string {
	switch v := dp.IP.(type) {
	case *layers.IPv4:
		return v.DstIP.String()
	case *layers.IPv6:
		return v.DstIP.String()
	default:
		panic(ErrDissectNetwork)
	}
}

// SourceIPAddress returns the packet's source IP address.
func (dp *DissectedPacket) SourceIPAddress() string {
	switch v := dp.IP.(type) {
	case *layers.IPv4:
		return v.SrcIP.String()
	case *layers.IPv6:
		return v.SrcIP.String()
	default:
		panic(ErrDissectNetwork)
	}
}

// TransportProtocol returns the packet's transport protocol.
func (dp *DissectedPacket) TransportProtocol() layers.IPProtocol {
	switch v := dp.IP.(type) {
	case *layers.IPv4:
		return v.Protocol
	case *layers.IPv6:
		return v.NextHeader
	default:
		panic(ErrDissectNetwork)
	}
}

// Serialize serializes a previously dissected and modified packet.
func (dp *DissectedPacket) Serialize() ([]byte, error) {
	switch {
	case dp.TCP != nil:
		dp.TCP.SetNetworkLayerForChecksum(dp.IP)
	case dp.UDP != nil:
		dp.UDP.SetNetworkLayerForChecksum(dp.IP)
	case dp.ICMPv4 != nil:
		// the ICMPv4 checksum does not cover the IP header
	default:
		return nil, ErrDissectTransport
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializePacket(buf, opts, dp.Packet); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

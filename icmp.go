package mininetem

//
// ICMPv4 echo
//

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// icmpDefaultTTL is the TTL of the ICMP packets we generate.
const icmpDefaultTTL = 64

// ErrNotEchoRequest indicates that a packet is not an ICMPv4 echo request.
var ErrNotEchoRequest = errors.New("mininetem: not an ICMPv4 echo request")

// newICMPEchoRequest serializes an ICMPv4 echo request from src to dst.
func newICMPEchoRequest(src, dst netip.Addr, id, seq uint16, payload []byte) ([]byte, error) {
	ipv4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      icmpDefaultTTL,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ipv4, icmp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isICMPEchoRequest returns whether the packet is an ICMPv4 echo request.
func (dp *DissectedPacket) isICMPEchoRequest() bool {
	return dp.ICMPv4 != nil && dp.ICMPv4.TypeCode.Type() == layers.ICMPv4TypeEchoRequest
}

// isICMPEchoReply returns whether the packet is an ICMPv4 echo reply.
func (dp *DissectedPacket) isICMPEchoReply() bool {
	return dp.ICMPv4 != nil && dp.ICMPv4.TypeCode.Type() == layers.ICMPv4TypeEchoReply
}

// icmpEchoReply transforms a dissected echo request into the
// corresponding echo reply and serializes it. This function
// modifies the dissected packet in place.
func (dp *DissectedPacket) icmpEchoReply() ([]byte, error) {
	if !dp.isICMPEchoRequest() {
		return nil, ErrNotEchoRequest
	}
	ipv4, good := dp.IP.(*layers.IPv4)
	if !good {
		return nil, ErrDissectNetwork
	}
	ipv4.SrcIP, ipv4.DstIP = ipv4.DstIP, ipv4.SrcIP
	ipv4.TTL = icmpDefaultTTL
	dp.ICMPv4.TypeCode = layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0)
	return dp.Serialize()
}

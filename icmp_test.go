package mininetem

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
)

func TestICMPEcho(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	payload := []byte("0123456789")

	request, err := newICMPEchoRequest(src, dst, 0x1234, 7, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !hostIsICMPv4(request) {
		t.Fatal("expected an ICMPv4 packet")
	}

	packet, err := DissectPacket(request)
	if err != nil {
		t.Fatal(err)
	}
	if !packet.isICMPEchoRequest() || packet.isICMPEchoReply() {
		t.Fatal("expected an echo request")
	}
	if packet.TransportProtocol() != layers.IPProtocolICMPv4 {
		t.Fatal("unexpected transport protocol", packet.TransportProtocol())
	}
	if packet.SourceIPAddress() != "10.0.0.1" || packet.DestinationIPAddress() != "10.0.0.2" {
		t.Fatal("unexpected addresses", packet.SourceIPAddress(), packet.DestinationIPAddress())
	}

	rawReply, err := packet.icmpEchoReply()
	if err != nil {
		t.Fatal(err)
	}
	reply, err := DissectPacket(rawReply)
	if err != nil {
		t.Fatal(err)
	}
	if !reply.isICMPEchoReply() {
		t.Fatal("expected an echo reply")
	}
	if reply.SourceIPAddress() != "10.0.0.2" || reply.DestinationIPAddress() != "10.0.0.1" {
		t.Fatal("unexpected addresses", reply.SourceIPAddress(), reply.DestinationIPAddress())
	}
	if reply.ICMPv4.Id != 0x1234 || reply.ICMPv4.Seq != 7 {
		t.Fatal("unexpected id or seq", reply.ICMPv4.Id, reply.ICMPv4.Seq)
	}
	if diff := cmp.Diff(payload, reply.ICMPv4.Payload); diff != "" {
		t.Fatal(diff)
	}

	t.Run("we cannot reply to a reply", func(t *testing.T) {
		if _, err := reply.icmpEchoReply(); !errors.Is(err, ErrNotEchoRequest) {
			t.Fatal("not the error we expected", err)
		}
	})
}

func TestDissectPacket(t *testing.T) {
	type testcase struct {
		name   string
		packet []byte
		expect error
	}

	var testcases = []testcase{{
		name:   "empty packet",
		packet: []byte{},
		expect: ErrDissectShortPacket,
	}, {
		name:   "unknown IP version",
		packet: []byte{0x50, 0x00},
		expect: ErrDissectNetwork,
	}, {
		name:   "truncated IPv4 header",
		packet: []byte{0x45, 0x00, 0x00},
		expect: ErrDissectNetwork,
	}, {
		name:   "IPv4 header one byte shorter than the minimum",
		packet: make19ByteIPv4Header(),
		expect: ErrDissectNetwork,
	}, {
		name:   "truncated IPv6 header",
		packet: append([]byte{0x60}, make([]byte, 38)...),
		expect: ErrDissectNetwork,
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DissectPacket(tc.packet)
			if !errors.Is(err, tc.expect) {
				t.Fatal("expected", tc.expect, "got", err)
			}
		})
	}
}

// make19ByteIPv4Header returns an IPv4 header lacking its last byte.
func make19ByteIPv4Header() []byte {
	header := make([]byte, 19)
	header[0] = 0x45
	return header
}

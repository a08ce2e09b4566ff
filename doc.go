// Package mininetem emulates OpenFlow networks in userspace so that
// you can write integration tests checking reachability and throughput
// without root privileges, virtual ethernet pairs, or Open vSwitch.
//
// Each emulated [Host] owns a Gvisor-based TCP/IP stack in userspace
// (see [UNetStack]). Because a [Host] implements [UnderlyingNetwork],
// your code can dial and listen using the host's stack as opposed to
// the Go standard library. A [Host] also answers ICMP echo requests
// and can [Host.Ping] other hosts.
//
// A [Link] connects two [NIC]s and forwards [Frame]s between them,
// optionally emulating delay and packet loss as configured using
// [LinkConfig]. A [Link] can also capture packets using [PCAPDumper].
//
// An [OFSwitch] forwards IP packets between its ports according to
// its [FlowTable]. When a packet does not match any flow, the switch
// sends a [PacketIn] to its [Controller], which reacts by modifying
// the flow table using a [FlowMod] and by telling the switch how to
// forward the packet using a [PacketOut]. The [LearningController]
// turns switches into learning switches, like ovs-controller does.
//
// Because building networks manually is error prone, the [Network]
// type allows you to add controllers, switches, hosts, and links by
// name. Once you have started the [Network], you can use
// [Network.PingAll] to check reachability between all hosts and
// [Network.Iperf] to measure the throughput between two hosts. The
// [TwoSwitchTopology] returns the records describing a network with
// two switches, each with the given number of hosts.
//
// You can configure a [Network] using an ini-style file; see [Config].
package mininetem

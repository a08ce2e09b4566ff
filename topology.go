package mininetem

//
// Network topologies
//

import "fmt"

// HostSpec describes a host of a [Topology].
type HostSpec struct {
	// Name is the host name (e.g., h1).
	Name string

	// Address is the host IPv4 address (e.g., 10.0.0.1).
	Address string
}

// LinkSpec describes a link of a [Topology].
type LinkSpec struct {
	// Left is the name of the left node.
	Left string

	// Right is the name of the right node.
	Right string
}

// Topology is the explicit list of nodes and links of a network.
type Topology struct {
	// Controllers contains the controller names.
	Controllers []string

	// Switches contains the switch names.
	Switches []string

	// Hosts contains the hosts.
	Hosts []HostSpec

	// Links contains the links.
	Links []LinkSpec

	// HostsPerSwitch is the OPTIONAL number of hosts attached to
	// each switch, which we only use for logging.
	HostsPerSwitch int
}

// TopologyBuilder adds the nodes and links of a [Topology].
type TopologyBuilder interface {
	// AddController adds a controller.
	AddController(name string) error

	// AddSwitch adds a switch.
	AddSwitch(name string) error

	// AddHost adds a host with the given IPv4 address.
	AddHost(name, address string) error

	// AddLink links two nodes.
	AddLink(left, right string) error
}

// NewHostSpec returns the [HostSpec] of the host number n, which
// is named hN and has the 10.0.0.N IPv4 address.
func NewHostSpec(n int) HostSpec {
	return HostSpec{
		Name:    fmt.Sprintf("h%d", n),
		Address: fmt.Sprintf("10.0.0.%d", n),
	}
}

// TwoSwitchTopology returns a topology with the c1 controller and the
// s1 and s2 switches connected by a link. Hosts 1..hostsPerSwitch are
// attached to s1 and the following hostsPerSwitch hosts to s2.
func TwoSwitchTopology(hostsPerSwitch int) *Topology {
	t := &Topology{
		Controllers:    []string{"c1"},
		Switches:       []string{"s1", "s2"},
		Hosts:          []HostSpec{},
		Links:          []LinkSpec{},
		HostsPerSwitch: hostsPerSwitch,
	}
	for n := 1; n <= 2*hostsPerSwitch; n++ {
		t.Hosts = append(t.Hosts, NewHostSpec(n))
	}
	for idx, host := range t.Hosts {
		sw := "s1"
		if idx >= hostsPerSwitch {
			sw = "s2"
		}
		t.Links = append(t.Links, LinkSpec{Left: host.Name, Right: sw})
	}
	t.Links = append(t.Links, LinkSpec{Left: "s1", Right: "s2"})
	return t
}

// Build adds the topology nodes and links to an empty [Network]. On
// failure, the caller is still responsible for calling [Network.Stop].
func (t *Topology) Build(logger Logger, nw *Network) error {
	return t.BuildWith(logger, &networkTopologyBuilder{nw})
}

// BuildWith is like [Topology.Build] but uses the given [TopologyBuilder]
// and stops at the first error.
func (t *Topology) BuildWith(logger Logger, builder TopologyBuilder) error {
	logger.Info("Creating controllers")
	for _, name := range t.Controllers {
		if err := builder.AddController(name); err != nil {
			return err
		}
	}
	logger.Info("Creating switches")
	for _, name := range t.Switches {
		if err := builder.AddSwitch(name); err != nil {
			return err
		}
	}
	if t.HostsPerSwitch > 0 {
		logger.Infof("Creating hosts (%d on each switch)", t.HostsPerSwitch)
	} else {
		logger.Infof("Creating hosts (%d)", len(t.Hosts))
	}
	for _, host := range t.Hosts {
		logger.Debugf("Creating host %s with address %s", host.Name, host.Address)
		if err := builder.AddHost(host.Name, host.Address); err != nil {
			return err
		}
	}
	logger.Info("Creating links")
	for _, link := range t.Links {
		if err := builder.AddLink(link.Left, link.Right); err != nil {
			return err
		}
	}
	return nil
}

// networkTopologyBuilder adapts a [Network] to [TopologyBuilder].
type networkTopologyBuilder struct {
	nw *Network
}

var _ TopologyBuilder = &networkTopologyBuilder{}

func (b *networkTopologyBuilder) AddController(name string) error {
	_, err := b.nw.AddController(name)
	return err
}

func (b *networkTopologyBuilder) AddSwitch(name string) error {
	_, err := b.nw.AddSwitch(name)
	return err
}

func (b *networkTopologyBuilder) AddHost(name, address string) error {
	_, err := b.nw.AddHost(name, address)
	return err
}

func (b *networkTopologyBuilder) AddLink(left, right string) error {
	_, err := b.nw.AddLink(left, right)
	return err
}

package mininetem

//
// Emulated network
//

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NetworkConfig contains config for creating a [Network]. Make sure
// you initialize all the fields marked as MANDATORY.
type NetworkConfig struct {
	// Controller is the MANDATORY factory used by AddController.
	Controller ControllerFactory

	// Link contains the OPTIONAL characteristics of every link. The
	// NIC wrappers inside this structure are ignored; use PCAPDir
	// to capture packets.
	Link *LinkConfig

	// MTU is the MANDATORY MTU of the hosts.
	MTU uint32

	// PCAPDir is the OPTIONAL directory where to write a PCAP
	// file for each NIC attached to a link.
	PCAPDir string

	// PingTimeout is the MANDATORY timeout of each ping.
	PingTimeout time.Duration

	// Registerer is the OPTIONAL prometheus registerer for the
	// switch metrics. When nil, we use a private registry.
	Registerer prometheus.Registerer

	// Switch is the MANDATORY factory used by AddSwitch.
	Switch SwitchFactory
}

// DefaultMTU is the default MTU of hosts.
const DefaultMTU = 1500

// DefaultPingTimeout is the default timeout of each ping.
const DefaultPingTimeout = time.Second

// NewDefaultNetworkConfig returns a [NetworkConfig] using
// [OFSwitchFactory] and the [LearningController] with its
// default configuration.
func NewDefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		Controller:  NewLearningControllerFactory(nil),
		Link:        &LinkConfig{},
		MTU:         DefaultMTU,
		PCAPDir:     "",
		PingTimeout: DefaultPingTimeout,
		Registerer:  nil,
		Switch:      OFSwitchFactory,
	}
}

var (
	// ErrDuplicateName indicates that a node name is already in use.
	ErrDuplicateName = errors.New("mininetem: duplicate node name")

	// ErrDuplicateAddr indicates that an address has already been added to a network.
	ErrDuplicateAddr = errors.New("mininetem: address has already been added")

	// ErrNoSuchNode indicates that a node does not exist.
	ErrNoSuchNode = errors.New("mininetem: no such node")

	// ErrInvalidLink indicates that we cannot create a link between two nodes.
	ErrInvalidLink = errors.New("mininetem: invalid link")

	// ErrNetworkStarted indicates that the network has already been started.
	ErrNetworkStarted = errors.New("mininetem: network already started")

	// ErrNetworkNotStarted indicates that the network has not been started yet.
	ErrNetworkNotStarted = errors.New("mininetem: network not started")

	// ErrNetworkStopped indicates that the network has been stopped.
	ErrNetworkStopped = errors.New("mininetem: network stopped")
)

// Network is an emulated network consisting of controllers, switches,
// hosts, and the links between them. The zero value is invalid; please,
// use [NewNetwork] to construct.
//
// You build the network using AddController, AddSwitch, AddHost, and
// AddLink, then you call Start. You MUST call Stop when done, which
// releases all the resources, even when the network was not started.
type Network struct {
	// addresses contains the host addresses in use.
	addresses map[netip.Addr]string

	// config is the network config.
	config NetworkConfig

	// controllers contains the controllers in creation order.
	controllers []Controller

	// hosts contains the hosts in creation order.
	hosts []*Host

	// linked tracks the hosts attached to a link.
	linked map[string]bool

	// links contains all the links.
	links []*Link

	// logger is the logger to use.
	logger Logger

	// metrics contains the switch metrics.
	metrics *Metrics

	// mu provides mutual exclusion.
	mu sync.Mutex

	// names contains the node names in use.
	names map[string]any

	// started indicates we called Start.
	started bool

	// stopped indicates we called Stop.
	stopped bool

	// switches contains the switches in creation order.
	switches []Switch
}

// NewNetwork creates a new empty [Network].
func NewNetwork(logger Logger, config *NetworkConfig) (*Network, error) {
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	linkConfig := config.Link
	if linkConfig == nil {
		linkConfig = &LinkConfig{}
	}
	nw := &Network{
		addresses:   map[netip.Addr]string{},
		config:      *config,
		controllers: []Controller{},
		hosts:       []*Host{},
		linked:      map[string]bool{},
		links:       []*Link{},
		logger:      logger,
		metrics:     metrics,
		mu:          sync.Mutex{},
		names:       map[string]any{},
		started:     false,
		stopped:     false,
		switches:    []Switch{},
	}
	nw.config.Link = linkConfig
	return nw, nil
}

// checkName ensures that we can add a node. The caller MUST hold the mutex.
func (n *Network) checkName(name string) error {
	if n.stopped {
		return ErrNetworkStopped
	}
	if n.started {
		return ErrNetworkStarted
	}
	if _, found := n.names[name]; found {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	return nil
}

// AddController creates and adds a new controller.
func (n *Network) AddController(name string) (Controller, error) {
	defer n.mu.Unlock()
	n.mu.Lock()
	if err := n.checkName(name); err != nil {
		return nil, err
	}
	ctrl, err := n.config.Controller(n.logger, name)
	if err != nil {
		return nil, err
	}
	n.controllers = append(n.controllers, ctrl)
	n.names[name] = ctrl
	return ctrl, nil
}

// AddSwitch creates and adds a new switch. The datapath ID derives
// from the switch name (e.g., s1 => 1) or, if the name does not contain
// any number, from the number of switches already added.
func (n *Network) AddSwitch(name string) (Switch, error) {
	defer n.mu.Unlock()
	n.mu.Lock()
	if err := n.checkName(name); err != nil {
		return nil, err
	}
	config := &SwitchConfig{
		DatapathID: DatapathIDFromName(name, uint64(len(n.switches)+1)),
		Logger:     n.logger,
		Metrics:    n.metrics,
		Name:       name,
	}
	sw, err := n.config.Switch(config)
	if err != nil {
		return nil, err
	}
	n.switches = append(n.switches, sw)
	n.names[name] = sw
	return sw, nil
}

// AddHost creates and adds a new host with the given IPv4 address.
func (n *Network) AddHost(name string, address string) (*Host, error) {
	defer n.mu.Unlock()
	n.mu.Lock()
	if err := n.checkName(name); err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotIPAddress, address)
	}
	if other, found := n.addresses[addr.Unmap()]; found {
		return nil, fmt.Errorf("%w: %s (used by %s)", ErrDuplicateAddr, address, other)
	}
	host, err := NewHost(n.logger, name, address, n.config.MTU)
	if err != nil {
		return nil, err
	}
	n.hosts = append(n.hosts, host)
	n.names[name] = host
	n.addresses[addr.Unmap()] = name
	return host, nil
}

// AddLink creates a link between two nodes. You can link a host
// to a switch or two switches. Each host has a single NIC and
// hence can only be attached to a single link.
func (n *Network) AddLink(left, right string) (*Link, error) {
	defer n.mu.Unlock()
	n.mu.Lock()
	if n.stopped {
		return nil, ErrNetworkStopped
	}
	if n.started {
		return nil, ErrNetworkStarted
	}
	if left == right {
		return nil, fmt.Errorf("%w: %s-%s", ErrInvalidLink, left, right)
	}
	leftNode, found := n.names[left]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, left)
	}
	rightNode, found := n.names[right]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, right)
	}
	_, leftIsHost := leftNode.(*Host)
	_, rightIsHost := rightNode.(*Host)
	if leftIsHost && rightIsHost {
		return nil, fmt.Errorf("%w: %s-%s: cannot link two hosts", ErrInvalidLink, left, right)
	}
	leftNIC, err := n.attach(leftNode, left, right)
	if err != nil {
		return nil, err
	}
	rightNIC, err := n.attach(rightNode, right, left)
	if err != nil {
		n.detach(leftNode, left, leftNIC)
		return nil, err
	}

	// prepare the link config
	config := *n.config.Link
	config.LeftNICWrapper = nil
	config.RightNICWrapper = nil
	if n.config.PCAPDir != "" {
		config.LeftNICWrapper = n.newPCAPWrapper(left, leftNIC)
		config.RightNICWrapper = n.newPCAPWrapper(right, rightNIC)
	}

	n.logger.Debugf("mininetem: link %s(%s) <-> %s(%s)",
		left, leftNIC.InterfaceName(), right, rightNIC.InterfaceName())
	link := NewLink(n.logger, leftNIC, rightNIC, &config) // TAKES OWNERSHIP of the NICs
	n.links = append(n.links, link)
	return link, nil
}

// attach returns the NIC of a node to attach to a link towards peer.
// The caller MUST hold the mutex.
func (n *Network) attach(node any, name, peer string) (NIC, error) {
	switch v := node.(type) {
	case *Host:
		if n.linked[name] {
			return nil, fmt.Errorf("%w: %s-%s: %s is already linked", ErrInvalidLink, name, peer, name)
		}
		n.linked[name] = true
		return v, nil
	case Switch:
		return v.AddPort()
	default:
		return nil, fmt.Errorf("%w: %s-%s: %s is not a host or a switch", ErrInvalidLink, name, peer, name)
	}
}

// detach undoes attach. The caller MUST hold the mutex. A dangling
// switch port is harmless because it is closed with the switch.
func (n *Network) detach(node any, name string, nic NIC) {
	if _, isHost := node.(*Host); isHost {
		delete(n.linked, name)
		return
	}
	nic.Close()
}

// newPCAPWrapper returns the wrapper capturing the packets of a NIC.
func (n *Network) newPCAPWrapper(name string, nic NIC) LinkNICWrapper {
	filename := fmt.Sprintf("%s-%s.pcap", name, nic.InterfaceName())
	return &PCAPDumperWrapper{
		Filename: filepath.Join(n.config.PCAPDir, filename),
		Logger:   n.logger,
	}
}

// Start starts the controllers and connects each switch to the first
// controller. A network without controllers is allowed but its switches
// drop all the packets not matching any flow.
func (n *Network) Start() error {
	defer n.mu.Unlock()
	n.mu.Lock()
	if n.stopped {
		return ErrNetworkStopped
	}
	if n.started {
		return ErrNetworkStarted
	}
	n.started = true
	n.logger.Infof("mininetem: starting %d controllers", len(n.controllers))
	for _, ctrl := range n.controllers {
		if err := ctrl.Start(); err != nil {
			return err
		}
	}
	n.logger.Infof("mininetem: starting %d switches", len(n.switches))
	if len(n.controllers) <= 0 {
		n.logger.Warn("mininetem: no controller: switches will drop unmatched packets")
		return nil
	}
	for _, sw := range n.switches {
		if err := sw.Connect(n.controllers[0]); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops the network and releases all its resources. This method
// is idempotent and is safe to call at any point after [NewNetwork].
func (n *Network) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	links, hosts := n.links, n.hosts
	switches, controllers := n.switches, n.controllers
	n.mu.Unlock()

	n.logger.Infof("mininetem: stopping %d links", len(links))
	for _, link := range links {
		// note: closing a [Link] also closes the two NICs using the [Link]
		link.Close()
	}
	n.logger.Infof("mininetem: stopping %d hosts", len(hosts))
	for _, host := range hosts {
		host.Close()
	}
	n.logger.Infof("mininetem: stopping %d switches", len(switches))
	for _, sw := range switches {
		sw.Close()
	}
	n.logger.Infof("mininetem: stopping %d controllers", len(controllers))
	for _, ctrl := range controllers {
		ctrl.Close()
	}
	return nil
}

// checkRunning ensures that the network is running.
func (n *Network) checkRunning() error {
	defer n.mu.Unlock()
	n.mu.Lock()
	if n.stopped {
		return ErrNetworkStopped
	}
	if !n.started {
		return ErrNetworkNotStarted
	}
	return nil
}

// Hosts returns the hosts in creation order.
func (n *Network) Hosts() []*Host {
	defer n.mu.Unlock()
	n.mu.Lock()
	return append([]*Host{}, n.hosts...)
}

// Switches returns the switches in creation order.
func (n *Network) Switches() []Switch {
	defer n.mu.Unlock()
	n.mu.Lock()
	return append([]Switch{}, n.switches...)
}

// Controllers returns the controllers in creation order.
func (n *Network) Controllers() []Controller {
	defer n.mu.Unlock()
	n.mu.Lock()
	return append([]Controller{}, n.controllers...)
}

// Host returns the host with the given name.
func (n *Network) Host(name string) (*Host, error) {
	defer n.mu.Unlock()
	n.mu.Lock()
	host, good := n.names[name].(*Host)
	if !good {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, name)
	}
	return host, nil
}

// Switch returns the switch with the given name.
func (n *Network) Switch(name string) (Switch, error) {
	defer n.mu.Unlock()
	n.mu.Lock()
	sw, good := n.names[name].(Switch)
	if !good {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, name)
	}
	return sw, nil
}

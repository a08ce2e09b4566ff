// Package harness runs the basic OpenFlow checks against an emulated
// network: build a two-switch topology, ping between all the hosts,
// and measure TCP and UDP throughput.
//
// The harness contains no emulation logic. It drives an [Emulator],
// which is usually a [NetworkEmulator], and each check gets a fresh
// emulated network that the harness tears down when done.
package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/bassosimone/mininetem"
)

// HostsPerSwitch is the number of hosts attached to each switch.
const HostsPerSwitch = 7

// Emulator is the network emulation library as seen by the [Harness].
type Emulator interface {
	mininetem.TopologyBuilder

	// Start starts the network.
	Start() error

	// Stop stops the network and releases its resources.
	Stop() error

	// PingAll pings between all the hosts and returns the packet loss percentage.
	PingAll(ctx context.Context) (float64, error)

	// Iperf measures the throughput between two hosts.
	Iperf(ctx context.Context, l4Type mininetem.IperfL4Type) (*mininetem.IperfResult, error)
}

// EmulatorFactory creates a new [Emulator].
type EmulatorFactory func() (Emulator, error)

// State is the state of a [Harness].
type State int

const (
	// StateUninitialized means we did not call SetUp yet.
	StateUninitialized = State(iota)

	// StateSetup means we called SetUp.
	StateSetup

	// StateRunning means a check is running or has run.
	StateRunning

	// StateTornDown means we called TearDown.
	StateTornDown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateSetup:
		return "SETUP"
	case StateRunning:
		return "RUNNING"
	case StateTornDown:
		return "TORN_DOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrInvalidState indicates that an operation is not valid in the current state.
	ErrInvalidState = errors.New("harness: invalid state")

	// ErrPacketLoss indicates that the ping test observed packet loss.
	ErrPacketLoss = errors.New("harness: ping test failed")
)

// Harness runs a single check against a fresh emulated network. The
// zero value is invalid; please, use [New] to construct.
//
// A harness goes through UNINITIALIZED, SETUP, RUNNING, and TORN_DOWN
// and cannot be reused: create a new one for each check.
type Harness struct {
	emulator Emulator
	factory  EmulatorFactory
	logger   mininetem.Logger
	state    State
	topology *mininetem.Topology
}

// New creates a new [Harness] using the given factory to create the network.
func New(logger mininetem.Logger, factory EmulatorFactory) *Harness {
	return &Harness{
		emulator: nil,
		factory:  factory,
		logger:   logger,
		state:    StateUninitialized,
		topology: mininetem.TwoSwitchTopology(HostsPerSwitch),
	}
}

// State returns the current state.
func (h *Harness) State() State {
	return h.state
}

// Topology returns the topology we build on SetUp.
func (h *Harness) Topology() *mininetem.Topology {
	return h.topology
}

// SetUp creates the network, adds controllers, switches, hosts, and
// links, and starts the network. We check the context between each
// step. On failure, you still need to call [Harness.TearDown], which
// releases whatever SetUp managed to create.
func (h *Harness) SetUp(ctx context.Context) error {
	if h.state != StateUninitialized {
		return fmt.Errorf("%w: SetUp in %s", ErrInvalidState, h.state)
	}
	h.state = StateSetup
	emulator, err := h.factory()
	if err != nil {
		return err
	}
	h.emulator = emulator

	if err := h.topology.BuildWith(h.logger, &contextBuilder{ctx: ctx, emulator: emulator}); err != nil {
		return err
	}

	h.logger.Info("Starting network")
	return h.step(ctx, emulator.Start)
}

// step runs a setup step unless the context is done.
func (h *Harness) step(ctx context.Context, fx func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fx()
}

// contextBuilder adds nodes and links to an [Emulator] unless the
// context is done.
type contextBuilder struct {
	ctx      context.Context
	emulator Emulator
}

var _ mininetem.TopologyBuilder = &contextBuilder{}

func (cb *contextBuilder) AddController(name string) error {
	if err := cb.ctx.Err(); err != nil {
		return err
	}
	return cb.emulator.AddController(name)
}

func (cb *contextBuilder) AddSwitch(name string) error {
	if err := cb.ctx.Err(); err != nil {
		return err
	}
	return cb.emulator.AddSwitch(name)
}

func (cb *contextBuilder) AddHost(name, address string) error {
	if err := cb.ctx.Err(); err != nil {
		return err
	}
	return cb.emulator.AddHost(name, address)
}

func (cb *contextBuilder) AddLink(left, right string) error {
	if err := cb.ctx.Err(); err != nil {
		return err
	}
	return cb.emulator.AddLink(left, right)
}

// begin transitions to the running state.
func (h *Harness) begin(check string) error {
	if h.state != StateSetup || h.emulator == nil {
		return fmt.Errorf("%w: %s in %s", ErrInvalidState, check, h.state)
	}
	h.state = StateRunning
	return nil
}

// PingAll pings between all the hosts and fails unless the packet loss is zero.
func (h *Harness) PingAll(ctx context.Context) error {
	if err := h.begin("PingAll"); err != nil {
		return err
	}
	loss, err := h.emulator.PingAll(ctx)
	if err != nil {
		return err
	}
	if loss != 0 {
		return fmt.Errorf("%w: Packet loss during ping test %v", ErrPacketLoss, loss)
	}
	return nil
}

// IPerfTCP measures the TCP throughput. We only fail if we cannot run
// the measurement and we do not make any assumption on the result.
func (h *Harness) IPerfTCP(ctx context.Context) (*mininetem.IperfResult, error) {
	return h.iperf(ctx, "IPerfTCP", mininetem.IperfTCP)
}

// IPerfUDP is like [Harness.IPerfTCP] but measures the UDP throughput.
func (h *Harness) IPerfUDP(ctx context.Context) (*mininetem.IperfResult, error) {
	return h.iperf(ctx, "IPerfUDP", mininetem.IperfUDP)
}

func (h *Harness) iperf(ctx context.Context, check string, l4Type mininetem.IperfL4Type) (*mininetem.IperfResult, error) {
	if err := h.begin(check); err != nil {
		return nil, err
	}
	result, err := h.emulator.Iperf(ctx, l4Type)
	if err != nil {
		return nil, err
	}
	h.logger.Infof("%s: %s", check, result.String())
	return result, nil
}

// TearDown stops the network. This method is idempotent and is safe
// to call in any state, including after a failed SetUp.
func (h *Harness) TearDown() error {
	if h.state == StateTornDown {
		return nil
	}
	h.state = StateTornDown
	if h.emulator == nil {
		return nil
	}
	h.logger.Info("Stopping network")
	return h.emulator.Stop()
}

// Check is a check to run against a set up [Harness].
type Check struct {
	// Name is the check name.
	Name string

	// Func is the function implementing the check.
	Func func(ctx context.Context, h *Harness) error
}

// Checks contains the basic OpenFlow checks.
var Checks = []Check{{
	Name: "testPingAll",
	Func: func(ctx context.Context, h *Harness) error {
		return h.PingAll(ctx)
	},
}, {
	Name: "testIPerfTCP",
	Func: func(ctx context.Context, h *Harness) error {
		_, err := h.IPerfTCP(ctx)
		return err
	},
}, {
	Name: "testIPerfUDP",
	Func: func(ctx context.Context, h *Harness) error {
		_, err := h.IPerfUDP(ctx)
		return err
	},
}}

// Run creates a [Harness], sets it up, runs the check, and tears it down.
// We always tear down, even when SetUp or the check fail or panic.
func Run(ctx context.Context, logger mininetem.Logger, factory EmulatorFactory, check Check) (err error) {
	h := New(logger, factory)
	defer func() {
		if teardownErr := h.TearDown(); teardownErr != nil && err == nil {
			err = teardownErr
		}
	}()
	if err := h.SetUp(ctx); err != nil {
		return err
	}
	return check.Func(ctx, h)
}

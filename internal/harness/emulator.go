package harness

//
// Emulator backed by mininetem
//

import (
	"context"

	"github.com/bassosimone/mininetem"
	"github.com/prometheus/client_golang/prometheus"
)

// NetworkEmulator is the [Emulator] backed by a [mininetem.Network]. The
// zero value is invalid; please, use [NewNetworkEmulator] to construct.
type NetworkEmulator struct {
	config *mininetem.Config
	nw     *mininetem.Network
}

var _ Emulator = &NetworkEmulator{}

// NewNetworkEmulator creates a [NetworkEmulator] using the given config
// and registering the switch metrics with reg, which may be nil.
func NewNetworkEmulator(logger mininetem.Logger, config *mininetem.Config, reg prometheus.Registerer) (*NetworkEmulator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ncfg := config.NetworkConfig()
	ncfg.Registerer = reg
	nw, err := mininetem.NewNetwork(logger, ncfg)
	if err != nil {
		return nil, err
	}
	return &NetworkEmulator{config: config, nw: nw}, nil
}

// NewNetworkEmulatorFactory returns an [EmulatorFactory] creating a
// [NetworkEmulator] with the given config and a private metrics registry.
func NewNetworkEmulatorFactory(logger mininetem.Logger, config *mininetem.Config) EmulatorFactory {
	return func() (Emulator, error) {
		return NewNetworkEmulator(logger, config, nil)
	}
}

// Network returns the underlying [mininetem.Network].
func (e *NetworkEmulator) Network() *mininetem.Network {
	return e.nw
}

// AddController implements Emulator
func (e *NetworkEmulator) AddController(name string) error {
	_, err := e.nw.AddController(name)
	return err
}

// AddSwitch implements Emulator
func (e *NetworkEmulator) AddSwitch(name string) error {
	_, err := e.nw.AddSwitch(name)
	return err
}

// AddHost implements Emulator
func (e *NetworkEmulator) AddHost(name, address string) error {
	_, err := e.nw.AddHost(name, address)
	return err
}

// AddLink implements Emulator
func (e *NetworkEmulator) AddLink(left, right string) error {
	_, err := e.nw.AddLink(left, right)
	return err
}

// Start implements Emulator
func (e *NetworkEmulator) Start() error {
	return e.nw.Start()
}

// Stop implements Emulator
func (e *NetworkEmulator) Stop() error {
	return e.nw.Stop()
}

// PingAll implements Emulator
func (e *NetworkEmulator) PingAll(ctx context.Context) (float64, error) {
	return e.nw.PingAll(ctx)
}

// Iperf implements Emulator
func (e *NetworkEmulator) Iperf(ctx context.Context, l4Type mininetem.IperfL4Type) (*mininetem.IperfResult, error) {
	return e.nw.Iperf(ctx, e.config.IperfConfig(l4Type))
}

// Package topology contains helper code to create networks in commands.
package topology

import (
	"os"
	"path/filepath"

	"github.com/bassosimone/mininetem"
	"github.com/bassosimone/mininetem/cmd/internal/optional"
	"github.com/bassosimone/mininetem/internal/harness"
	"github.com/prometheus/client_golang/prometheus"
)

// Network is a network created by a [Factory] for a check.
type Network struct {
	// Check is the name of the check using the network.
	Check string

	// Emulator is the emulator wrapping the network.
	Emulator *harness.NetworkEmulator
}

// Factory creates the networks used by the checks and remembers
// them, so that the command can inspect them after each check. The
// zero value is invalid; please, use [NewFactory] to construct.
type Factory struct {
	config   *mininetem.Config
	logger   mininetem.Logger
	networks []*Network
	reg      prometheus.Registerer
}

// NewFactory creates a new [Factory].
//
// Arguments:
//
// - logger is the logger to use;
//
// - config is the emulation config;
//
// - pcapDir is the OPTIONAL directory where to save captures, which
// overrides the directory in the config;
//
// - reg is the registerer for the switch metrics.
func NewFactory(
	logger mininetem.Logger,
	config *mininetem.Config,
	pcapDir optional.Value[string],
	reg prometheus.Registerer,
) *Factory {
	cfg := *config
	cfg.Network.PCAPDir = pcapDir.UnwrapOr(cfg.Network.PCAPDir)
	return &Factory{
		config:   &cfg,
		logger:   logger,
		networks: []*Network{},
		reg:      reg,
	}
}

// ForCheck returns the [harness.EmulatorFactory] for the given check. The
// metrics of the network carry a check label and its captures, if any,
// go into a subdirectory named after the check.
func (f *Factory) ForCheck(check string) harness.EmulatorFactory {
	return func() (harness.Emulator, error) {
		cfg := *f.config
		if cfg.Network.PCAPDir != "" {
			cfg.Network.PCAPDir = filepath.Join(cfg.Network.PCAPDir, check)
			if err := os.MkdirAll(cfg.Network.PCAPDir, 0755); err != nil {
				return nil, err
			}
		}
		reg := prometheus.WrapRegistererWith(prometheus.Labels{"check": check}, f.reg)
		emulator, err := harness.NewNetworkEmulator(f.logger, &cfg, reg)
		if err != nil {
			return nil, err
		}
		f.networks = append(f.networks, &Network{Check: check, Emulator: emulator})
		return emulator, nil
	}
}

// Last returns the last network we created, if any.
func (f *Factory) Last() optional.Value[*Network] {
	if len(f.networks) <= 0 {
		return optional.None[*Network]()
	}
	return optional.Some(f.networks[len(f.networks)-1])
}

// PCAPDir returns the directory where we save captures for the given
// check or an empty value if we're not capturing.
func (f *Factory) PCAPDir(check string) optional.Value[string] {
	if f.config.Network.PCAPDir == "" {
		return optional.None[string]()
	}
	return optional.Some(filepath.Join(f.config.Network.PCAPDir, check))
}

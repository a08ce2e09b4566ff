package mininetem

//
// Configuration file
//

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	gcfg "gopkg.in/gcfg.v1"
)

// Config is the content of an ini-style configuration file such as:
//
//	[network]
//	mtu = 1500
//	ping-timeout = 1s
//
//	[controller]
//	hub = false
//	max-idle = 60s
//
//	[link]
//	delay = 1ms
//	plr = 0
//
//	[iperf]
//	duration = 5s
//	udp-bandwidth = 10M
//
// Variables missing from the file keep the value they had before
// reading, so you should read into a [DefaultConfig].
type Config struct {
	Network struct {
		// MTU is the MTU of the hosts.
		MTU int `gcfg:"mtu"`

		// PingTimeout is the timeout of each ping (e.g., 1s).
		PingTimeout string `gcfg:"ping-timeout"`

		// PCAPDir is the directory where to write PCAP files.
		PCAPDir string `gcfg:"pcap-dir"`
	}

	Controller struct {
		Hub      bool `gcfg:"hub"`
		NoFlow   bool `gcfg:"noflow"`
		Wildcard bool `gcfg:"wildcard"`

		// MaxIdle is the flows idle timeout (e.g., 60s) or "permanent".
		MaxIdle string `gcfg:"max-idle"`
	}

	Link struct {
		// Delay is the one-way delay of each link (e.g., 1ms).
		Delay string `gcfg:"delay"`

		// PLR is the packet loss rate of each link.
		PLR float64 `gcfg:"plr"`
	}

	Iperf struct {
		Duration     string `gcfg:"duration"`
		Port         int    `gcfg:"port"`
		UDPBandwidth string `gcfg:"udp-bandwidth"`
	}
}

// ErrConfig indicates that the configuration is invalid.
var ErrConfig = errors.New("mininetem: invalid config")

// configPermanent is the max-idle value disabling flows expiration.
const configPermanent = "permanent"

// DefaultConfig returns the default [Config].
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Network.MTU = DefaultMTU
	cfg.Network.PingTimeout = DefaultPingTimeout.String()
	cfg.Controller.MaxIdle = DefaultControllerMaxIdle.String()
	cfg.Link.Delay = "0s"
	cfg.Iperf.Duration = DefaultIperfDuration.String()
	cfg.Iperf.Port = DefaultIperfPort
	cfg.Iperf.UDPBandwidth = DefaultIperfUDPBandwidth
	return cfg
}

// ReadConfig parses the configuration from the given reader on top
// of the [DefaultConfig] and validates the result.
func ReadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := gcfg.ReadInto(cfg, r); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfig, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig is like [ReadConfig] but reads the given file.
func LoadConfig(filename string) (*Config, error) {
	filep, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	return ReadConfig(filep)
}

// Validate ensures that the config is valid.
func (c *Config) Validate() error {
	if c.Network.MTU < 576 || c.Network.MTU > 65535 {
		return fmt.Errorf("%w: network.mtu: %d", ErrConfig, c.Network.MTU)
	}
	if _, err := configParsePositiveDuration("network.ping-timeout", c.Network.PingTimeout); err != nil {
		return err
	}
	if _, err := c.maxIdle(); err != nil {
		return err
	}
	if _, err := c.linkDelay(); err != nil {
		return err
	}
	if c.Link.PLR < 0 || c.Link.PLR > 1 {
		return fmt.Errorf("%w: link.plr: %f", ErrConfig, c.Link.PLR)
	}
	if _, err := configParsePositiveDuration("iperf.duration", c.Iperf.Duration); err != nil {
		return err
	}
	if c.Iperf.Port <= 0 || c.Iperf.Port > 65535 {
		return fmt.Errorf("%w: iperf.port: %d", ErrConfig, c.Iperf.Port)
	}
	if _, err := ParseBandwidth(c.Iperf.UDPBandwidth); err != nil {
		return fmt.Errorf("%w: iperf.udp-bandwidth: %s", ErrConfig, err.Error())
	}
	return nil
}

// configParsePositiveDuration parses a strictly positive duration.
func configParsePositiveDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s: %q", ErrConfig, name, value)
	}
	return d, nil
}

// maxIdle returns the flows idle timeout.
func (c *Config) maxIdle() (time.Duration, error) {
	if c.Controller.MaxIdle == configPermanent {
		return 0, nil
	}
	return configParsePositiveDuration("controller.max-idle", c.Controller.MaxIdle)
}

// linkDelay returns the links one-way delay.
func (c *Config) linkDelay() (time.Duration, error) {
	d, err := time.ParseDuration(c.Link.Delay)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: link.delay: %q", ErrConfig, c.Link.Delay)
	}
	return d, nil
}

// ControllerConfig returns the corresponding [ControllerConfig]. This
// method assumes that the config has been validated.
func (c *Config) ControllerConfig() *ControllerConfig {
	maxIdle, _ := c.maxIdle()
	return &ControllerConfig{
		Hub:      c.Controller.Hub,
		NoFlow:   c.Controller.NoFlow,
		Wildcard: c.Controller.Wildcard,
		MaxIdle:  maxIdle,
	}
}

// NetworkConfig returns the corresponding [NetworkConfig] using
// [OFSwitchFactory] and the [LearningController]. This method
// assumes that the config has been validated.
func (c *Config) NetworkConfig() *NetworkConfig {
	pingTimeout, _ := time.ParseDuration(c.Network.PingTimeout)
	delay, _ := c.linkDelay()
	return &NetworkConfig{
		Controller: NewLearningControllerFactory(c.ControllerConfig()),
		Link: &LinkConfig{
			LeftToRightDelay: delay,
			LeftToRightPLR:   c.Link.PLR,
			RightToLeftDelay: delay,
			RightToLeftPLR:   c.Link.PLR,
		},
		MTU:         uint32(c.Network.MTU),
		PCAPDir:     c.Network.PCAPDir,
		PingTimeout: pingTimeout,
		Registerer:  nil,
		Switch:      OFSwitchFactory,
	}
}

// IperfConfig returns the [IperfConfig] for the given protocol using
// the default client and server. This method assumes that the config
// has been validated.
func (c *Config) IperfConfig(l4Type IperfL4Type) *IperfConfig {
	duration, _ := time.ParseDuration(c.Iperf.Duration)
	return &IperfConfig{
		Client:       nil,
		Server:       nil,
		L4Type:       l4Type,
		Duration:     duration,
		Port:         c.Iperf.Port,
		UDPBandwidth: c.Iperf.UDPBandwidth,
	}
}

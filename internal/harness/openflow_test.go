package harness

import (
	"context"
	"testing"
	"time"

	"github.com/bassosimone/mininetem"
	"github.com/stretchr/testify/suite"
)

// OpenflowTestSuite runs the basic OpenFlow checks against a fresh
// two-switch network for each test method.
type OpenflowTestSuite struct {
	suite.Suite
	ctx     context.Context
	cancel  context.CancelFunc
	harness *Harness
}

func (s *OpenflowTestSuite) SetupTest() {
	config := mininetem.DefaultConfig()
	config.Iperf.Duration = "2s"
	s.ctx, s.cancel = context.WithTimeout(context.Background(), time.Minute)
	s.harness = New(&mininetem.NullLogger{}, NewNetworkEmulatorFactory(&mininetem.NullLogger{}, config))
	s.Require().NoError(s.harness.SetUp(s.ctx))
	s.Require().Equal(StateSetup, s.harness.State())
}

func (s *OpenflowTestSuite) TearDownTest() {
	defer s.cancel()
	s.Require().NoError(s.harness.TearDown())
	s.Require().Equal(StateTornDown, s.harness.State())
}

func (s *OpenflowTestSuite) TestPingAll() {
	s.Require().NoError(s.harness.PingAll(s.ctx))
}

func (s *OpenflowTestSuite) TestIPerfTCP() {
	result, err := s.harness.IPerfTCP(s.ctx)
	s.Require().NoError(err)
	s.Equal(mininetem.IperfTCP, result.L4Type)
	s.Equal("h1", result.Client)
	s.Equal("h14", result.Server)
}

func (s *OpenflowTestSuite) TestIPerfUDP() {
	result, err := s.harness.IPerfUDP(s.ctx)
	s.Require().NoError(err)
	s.Equal(mininetem.IperfUDP, result.L4Type)
	s.Equal(mininetem.DefaultIperfUDPBandwidth, result.UDPBandwidth)
}

func TestOpenflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	suite.Run(t, new(OpenflowTestSuite))
}

func TestNetworkEmulator(t *testing.T) {
	t.Run("we reject invalid configs", func(t *testing.T) {
		config := mininetem.DefaultConfig()
		config.Link.PLR = 2
		if _, err := NewNetworkEmulator(&mininetem.NullLogger{}, config, nil); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("the network is reachable", func(t *testing.T) {
		emulator, err := NewNetworkEmulator(&mininetem.NullLogger{}, mininetem.DefaultConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer emulator.Stop()
		if err := emulator.AddSwitch("s1"); err != nil {
			t.Fatal(err)
		}
		if _, err := emulator.Network().Switch("s1"); err != nil {
			t.Fatal(err)
		}
	})
}

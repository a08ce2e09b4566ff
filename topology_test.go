package mininetem

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTwoSwitchTopology(t *testing.T) {
	t.Run("with seven hosts per switch", func(t *testing.T) {
		topology := TwoSwitchTopology(7)
		if diff := cmp.Diff([]string{"c1"}, topology.Controllers); diff != "" {
			t.Fatal(diff)
		}
		if diff := cmp.Diff([]string{"s1", "s2"}, topology.Switches); diff != "" {
			t.Fatal(diff)
		}
		if len(topology.Hosts) != 14 {
			t.Fatal("expected 14 hosts, got", len(topology.Hosts))
		}
		if diff := cmp.Diff(HostSpec{Name: "h14", Address: "10.0.0.14"}, topology.Hosts[13]); diff != "" {
			t.Fatal(diff)
		}
		if len(topology.Links) != 15 {
			t.Fatal("expected 15 links, got", len(topology.Links))
		}
		expectLinks := []LinkSpec{
			{Left: "h7", Right: "s1"},
			{Left: "h8", Right: "s2"},
		}
		if diff := cmp.Diff(expectLinks, topology.Links[6:8]); diff != "" {
			t.Fatal(diff)
		}
		if diff := cmp.Diff(LinkSpec{Left: "s1", Right: "s2"}, topology.Links[14]); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("with a single host per switch", func(t *testing.T) {
		expect := &Topology{
			Controllers: []string{"c1"},
			Switches:    []string{"s1", "s2"},
			Hosts: []HostSpec{
				{Name: "h1", Address: "10.0.0.1"},
				{Name: "h2", Address: "10.0.0.2"},
			},
			Links: []LinkSpec{
				{Left: "h1", Right: "s1"},
				{Left: "h2", Right: "s2"},
				{Left: "s1", Right: "s2"},
			},
			HostsPerSwitch: 1,
		}
		if diff := cmp.Diff(expect, TwoSwitchTopology(1)); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestTopologyBuild(t *testing.T) {
	t.Run("we can build the topology", func(t *testing.T) {
		nw := newNetworkForTesting(t, nil)
		defer nw.Stop()
		if err := TwoSwitchTopology(7).Build(&NullLogger{}, nw); err != nil {
			t.Fatal(err)
		}
		if len(nw.Hosts()) != 14 {
			t.Fatal("unexpected number of hosts", len(nw.Hosts()))
		}
		s1 := Must1(nw.Switch("s1"))
		if ports := s1.(*OFSwitch).Features().Ports; len(ports) != 8 {
			t.Fatal("expected eight ports on s1, got", len(ports))
		}
	})

	t.Run("we propagate errors", func(t *testing.T) {
		nw := newNetworkForTesting(t, nil)
		defer nw.Stop()
		topology := TwoSwitchTopology(1)
		topology.Hosts = append(topology.Hosts, HostSpec{Name: "h3", Address: "10.0.0.1"})
		if err := topology.Build(&NullLogger{}, nw); !errors.Is(err, ErrDuplicateAddr) {
			t.Fatal("not the error we expected", err)
		}
	})
}

// recordingBuilder is a [TopologyBuilder] recording the calls.
type recordingBuilder struct {
	calls  []string
	failOn string
}

var _ TopologyBuilder = &recordingBuilder{}

func (rb *recordingBuilder) record(call string) error {
	rb.calls = append(rb.calls, call)
	if call == rb.failOn {
		return errors.New("mocked error")
	}
	return nil
}

func (rb *recordingBuilder) AddController(name string) error {
	return rb.record("controller " + name)
}

func (rb *recordingBuilder) AddSwitch(name string) error {
	return rb.record("switch " + name)
}

func (rb *recordingBuilder) AddHost(name, address string) error {
	return rb.record("host " + name + " " + address)
}

func (rb *recordingBuilder) AddLink(left, right string) error {
	return rb.record("link " + left + " " + right)
}

func TestTopologyBuildWith(t *testing.T) {
	t.Run("we add the nodes before the links", func(t *testing.T) {
		rb := &recordingBuilder{}
		if err := TwoSwitchTopology(1).BuildWith(&NullLogger{}, rb); err != nil {
			t.Fatal(err)
		}
		expect := []string{
			"controller c1",
			"switch s1",
			"switch s2",
			"host h1 10.0.0.1",
			"host h2 10.0.0.2",
			"link h1 s1",
			"link h2 s2",
			"link s1 s2",
		}
		if diff := cmp.Diff(expect, rb.calls); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("we stop at the first error", func(t *testing.T) {
		rb := &recordingBuilder{failOn: "switch s2"}
		if err := TwoSwitchTopology(1).BuildWith(&NullLogger{}, rb); err == nil {
			t.Fatal("expected an error")
		}
		if diff := cmp.Diff([]string{"controller c1", "switch s1", "switch s2"}, rb.calls); diff != "" {
			t.Fatal(diff)
		}
	})
}

package mininetem

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMatch(t *testing.T) {
	h1 := netip.MustParseAddr("10.0.0.1")
	h2 := netip.MustParseAddr("10.0.0.2")
	h3 := netip.MustParseAddr("10.0.0.3")

	type testcase struct {
		name   string
		match  Match
		inPort PortNumber
		src    netip.Addr
		dst    netip.Addr
		expect bool
	}

	var testcases = []testcase{{
		name:   "exact match with the same fields",
		match:  NewExactMatch(1, h1, h2),
		inPort: 1,
		src:    h1,
		dst:    h2,
		expect: true,
	}, {
		name:   "exact match with a different input port",
		match:  NewExactMatch(1, h1, h2),
		inPort: 2,
		src:    h1,
		dst:    h2,
		expect: false,
	}, {
		name:   "exact match with a different destination",
		match:  NewExactMatch(1, h1, h2),
		inPort: 1,
		src:    h1,
		dst:    h3,
		expect: false,
	}, {
		name:   "wildcard source",
		match:  Match{Wildcards: WildcardNwSrc, InPort: 1, NwDst: h2},
		inPort: 1,
		src:    h3,
		dst:    h2,
		expect: true,
	}, {
		name:   "wildcard all",
		match:  Match{Wildcards: WildcardAll},
		inPort: 7,
		src:    h3,
		dst:    h1,
		expect: true,
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.match.Matches(tc.inPort, tc.src, tc.dst); got != tc.expect {
				t.Fatal("expected", tc.expect, "got", got)
			}
		})
	}
}

func TestFlowStatsString(t *testing.T) {
	fs := &FlowStats{
		Match:       NewExactMatch(1, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")),
		Priority:    controllerFlowPriority,
		IdleTimeout: 60 * time.Second,
		Actions:     []ActionOutput{{Port: 2}},
		Duration:    1500 * time.Millisecond,
		PacketCount: 3,
		ByteCount:   252,
	}
	expect := "duration=1.500s, n_packets=3, n_bytes=252, idle_timeout=60, priority=32768," +
		"in_port=1,nw_src=10.0.0.1,nw_dst=10.0.0.2 actions=output:2"
	if diff := cmp.Diff(expect, fs.String()); diff != "" {
		t.Fatal(diff)
	}

	t.Run("with a drop flow", func(t *testing.T) {
		fs := &FlowStats{Match: Match{Wildcards: WildcardAll}}
		expect := "duration=0.000s, n_packets=0, n_bytes=0, priority=0 actions=drop"
		if diff := cmp.Diff(expect, fs.String()); diff != "" {
			t.Fatal(diff)
		}
	})
}

// newFlowTableForTesting returns a [FlowTable] with a controllable clock.
func newFlowTableForTesting() (*FlowTable, *time.Time) {
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	ft := NewFlowTable()
	ft.timeNow = func() time.Time {
		return now
	}
	return ft, &now
}

func TestFlowTable(t *testing.T) {
	h1 := netip.MustParseAddr("10.0.0.1")
	h2 := netip.MustParseAddr("10.0.0.2")

	t.Run("Lookup on an empty table is a miss", func(t *testing.T) {
		ft := NewFlowTable()
		if _, found := ft.Lookup(1, h1, h2, 84); found {
			t.Fatal("expected a miss")
		}
	})

	t.Run("Lookup returns the highest priority flow and updates counters", func(t *testing.T) {
		ft, _ := newFlowTableForTesting()
		ft.Apply(&FlowMod{
			Command:  FlowModAdd,
			Match:    Match{Wildcards: WildcardAll},
			Priority: 1,
			Actions:  []ActionOutput{{Port: PortFlood}},
		})
		ft.Apply(&FlowMod{
			Command:  FlowModAdd,
			Match:    NewExactMatch(1, h1, h2),
			Priority: 100,
			Actions:  []ActionOutput{{Port: 2}},
		})
		actions, found := ft.Lookup(1, h1, h2, 84)
		if !found {
			t.Fatal("expected a hit")
		}
		if diff := cmp.Diff([]ActionOutput{{Port: 2}}, actions); diff != "" {
			t.Fatal(diff)
		}
		actions, found = ft.Lookup(3, h2, h1, 100)
		if !found {
			t.Fatal("expected a hit")
		}
		if diff := cmp.Diff([]ActionOutput{{Port: PortFlood}}, actions); diff != "" {
			t.Fatal(diff)
		}
		flows := ft.Dump()
		if len(flows) != 2 {
			t.Fatal("expected two flows, got", len(flows))
		}
		if flows[0].Priority != 100 || flows[0].PacketCount != 1 || flows[0].ByteCount != 84 {
			t.Fatal("unexpected first flow", flows[0].String())
		}
		if flows[1].Priority != 1 || flows[1].PacketCount != 1 || flows[1].ByteCount != 100 {
			t.Fatal("unexpected second flow", flows[1].String())
		}
	})

	t.Run("adding an identical match replaces the flow", func(t *testing.T) {
		ft, _ := newFlowTableForTesting()
		fm := &FlowMod{
			Command:  FlowModAdd,
			Match:    NewExactMatch(1, h1, h2),
			Priority: 10,
			Actions:  []ActionOutput{{Port: 2}},
		}
		ft.Apply(fm)
		ft.Lookup(1, h1, h2, 84)
		fm.Actions = []ActionOutput{{Port: 3}}
		ft.Apply(fm)
		flows := ft.Dump()
		if len(flows) != 1 {
			t.Fatal("expected one flow, got", len(flows))
		}
		if diff := cmp.Diff([]ActionOutput{{Port: 3}}, flows[0].Actions); diff != "" {
			t.Fatal(diff)
		}
		if flows[0].PacketCount != 0 {
			t.Fatal("expected counters to be reset")
		}
	})

	t.Run("delete removes the flows covered by the match", func(t *testing.T) {
		ft, _ := newFlowTableForTesting()
		ft.Apply(&FlowMod{Command: FlowModAdd, Match: NewExactMatch(1, h1, h2), Priority: 10})
		ft.Apply(&FlowMod{Command: FlowModAdd, Match: NewExactMatch(2, h2, h1), Priority: 10})
		ft.Apply(&FlowMod{Command: FlowModAdd, Match: Match{Wildcards: WildcardNwSrc, InPort: 1, NwDst: h2}, Priority: 10})
		count := ft.Apply(&FlowMod{Command: FlowModDelete, Match: Match{
			Wildcards: WildcardInPort | WildcardNwSrc,
			NwDst:     h2,
		}})
		if count != 2 {
			t.Fatal("expected to delete two flows, got", count)
		}
		flows := ft.Dump()
		if len(flows) != 1 || flows[0].Match.InPort != 2 {
			t.Fatal("unexpected flows", flows)
		}
		if count := ft.Apply(&FlowMod{Command: FlowModDelete, Match: Match{Wildcards: WildcardAll}}); count != 1 {
			t.Fatal("expected to delete one flow, got", count)
		}
		if ft.Len() != 0 {
			t.Fatal("expected an empty table")
		}
	})

	t.Run("flows expire after the idle timeout", func(t *testing.T) {
		ft, now := newFlowTableForTesting()
		ft.Apply(&FlowMod{
			Command:     FlowModAdd,
			Match:       NewExactMatch(1, h1, h2),
			Priority:    10,
			IdleTimeout: 10 * time.Second,
			Actions:     []ActionOutput{{Port: 2}},
		})
		*now = now.Add(9 * time.Second)
		if _, found := ft.Lookup(1, h1, h2, 84); !found {
			t.Fatal("expected a hit")
		}
		*now = now.Add(9 * time.Second)
		if _, found := ft.Lookup(1, h1, h2, 84); !found {
			t.Fatal("expected a hit because the lookup refreshed the flow")
		}
		*now = now.Add(10 * time.Second)
		if _, found := ft.Lookup(1, h1, h2, 84); found {
			t.Fatal("expected a miss")
		}
		if ft.Len() != 0 {
			t.Fatal("expected the flow to be removed")
		}
	})

	t.Run("flows expire after the hard timeout", func(t *testing.T) {
		ft, now := newFlowTableForTesting()
		ft.Apply(&FlowMod{
			Command:     FlowModAdd,
			Match:       NewExactMatch(1, h1, h2),
			Priority:    10,
			HardTimeout: 10 * time.Second,
		})
		*now = now.Add(5 * time.Second)
		ft.Lookup(1, h1, h2, 84)
		*now = now.Add(5 * time.Second)
		if flows := ft.Dump(); len(flows) != 0 {
			t.Fatal("expected no flows, got", len(flows))
		}
	})

	t.Run("flows without timeouts are permanent", func(t *testing.T) {
		ft, now := newFlowTableForTesting()
		ft.Apply(&FlowMod{Command: FlowModAdd, Match: NewExactMatch(1, h1, h2)})
		*now = now.Add(24 * time.Hour)
		if _, found := ft.Lookup(1, h1, h2, 84); !found {
			t.Fatal("expected a hit")
		}
	})
}

package mininetem

//
// Switch flow table
//

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// flowEntry is an entry in the [FlowTable].
type flowEntry struct {
	actions     []ActionOutput
	byteCount   uint64
	created     time.Time
	hardTimeout time.Duration
	idleTimeout time.Duration
	lastUsed    time.Time
	match       Match
	packetCount uint64
	priority    uint16
}

// expired returns whether the entry expired at the given time.
func (fe *flowEntry) expired(now time.Time) bool {
	if fe.idleTimeout > 0 && now.Sub(fe.lastUsed) >= fe.idleTimeout {
		return true
	}
	if fe.hardTimeout > 0 && now.Sub(fe.created) >= fe.hardTimeout {
		return true
	}
	return false
}

// FlowTable is the flow table of a switch. The zero value is
// invalid; please, use [NewFlowTable] to construct.
//
// Entries are kept sorted by decreasing priority. Expired entries
// are removed lazily when we perform a lookup or a dump.
type FlowTable struct {
	entries []*flowEntry
	mu      sync.Mutex
	timeNow func() time.Time
}

// NewFlowTable creates a new empty [FlowTable].
func NewFlowTable() *FlowTable {
	return &FlowTable{
		entries: []*flowEntry{},
		mu:      sync.Mutex{},
		timeNow: time.Now,
	}
}

// Apply applies a [FlowMod] to the table and returns the number of
// entries that were added, replaced, or deleted.
func (ft *FlowTable) Apply(fm *FlowMod) int {
	defer ft.mu.Unlock()
	ft.mu.Lock()
	switch fm.Command {
	case FlowModAdd:
		ft.add(fm)
		return 1
	case FlowModDelete:
		return ft.delete(&fm.Match)
	default:
		return 0
	}
}

// add adds or replaces an entry. The caller MUST hold the mutex.
func (ft *FlowTable) add(fm *FlowMod) {
	now := ft.timeNow()
	entry := &flowEntry{
		actions:     append([]ActionOutput{}, fm.Actions...),
		byteCount:   0,
		created:     now,
		hardTimeout: fm.HardTimeout,
		idleTimeout: fm.IdleTimeout,
		lastUsed:    now,
		match:       fm.Match,
		packetCount: 0,
		priority:    fm.Priority,
	}
	for idx, cur := range ft.entries {
		if cur.match == fm.Match && cur.priority == fm.Priority {
			ft.entries[idx] = entry
			return
		}
	}
	ft.entries = append(ft.entries, entry)
	sort.SliceStable(ft.entries, func(i, j int) bool {
		return ft.entries[i].priority > ft.entries[j].priority
	})
}

// delete removes all the entries covered by the given match, i.e.,
// entries at least as specific as match. The caller MUST hold the mutex.
func (ft *FlowTable) delete(match *Match) int {
	var (
		count int
		kept  []*flowEntry
	)
	for _, cur := range ft.entries {
		if flowMatchCovers(match, &cur.match) {
			count++
			continue
		}
		kept = append(kept, cur)
	}
	ft.entries = kept
	return count
}

// flowMatchCovers returns whether outer covers inner.
func flowMatchCovers(outer, inner *Match) bool {
	if outer.Wildcards&WildcardInPort == 0 &&
		(inner.Wildcards&WildcardInPort != 0 || inner.InPort != outer.InPort) {
		return false
	}
	if outer.Wildcards&WildcardNwSrc == 0 &&
		(inner.Wildcards&WildcardNwSrc != 0 || inner.NwSrc != outer.NwSrc) {
		return false
	}
	if outer.Wildcards&WildcardNwDst == 0 &&
		(inner.Wildcards&WildcardNwDst != 0 || inner.NwDst != outer.NwDst) {
		return false
	}
	return true
}

// expire removes expired entries. The caller MUST hold the mutex.
func (ft *FlowTable) expire(now time.Time) {
	var kept []*flowEntry
	for _, cur := range ft.entries {
		if !cur.expired(now) {
			kept = append(kept, cur)
		}
	}
	ft.entries = kept
}

// Lookup finds the highest priority flow matching the given packet
// fields, updates its counters, and returns a copy of its actions. The
// boolean return value is false on a table miss.
func (ft *FlowTable) Lookup(inPort PortNumber, nwSrc, nwDst netip.Addr, size int) ([]ActionOutput, bool) {
	defer ft.mu.Unlock()
	ft.mu.Lock()
	now := ft.timeNow()
	ft.expire(now)
	for _, cur := range ft.entries {
		if cur.match.Matches(inPort, nwSrc, nwDst) {
			cur.packetCount++
			cur.byteCount += uint64(size)
			cur.lastUsed = now
			return append([]ActionOutput{}, cur.actions...), true
		}
	}
	return nil, false
}

// Len returns the number of entries in the table, including
// entries that have expired but have not been removed yet.
func (ft *FlowTable) Len() int {
	defer ft.mu.Unlock()
	ft.mu.Lock()
	return len(ft.entries)
}

// Dump returns the statistics of all the active flows sorted by
// decreasing priority and then by match.
func (ft *FlowTable) Dump() []*FlowStats {
	defer ft.mu.Unlock()
	ft.mu.Lock()
	now := ft.timeNow()
	ft.expire(now)
	out := []*FlowStats{}
	for _, cur := range ft.entries {
		out = append(out, &FlowStats{
			Match:       cur.match,
			Priority:    cur.priority,
			IdleTimeout: cur.idleTimeout,
			HardTimeout: cur.hardTimeout,
			Actions:     append([]ActionOutput{}, cur.actions...),
			Duration:    now.Sub(cur.created),
			PacketCount: cur.packetCount,
			ByteCount:   cur.byteCount,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Match.String() < out[j].Match.String()
	})
	return out
}

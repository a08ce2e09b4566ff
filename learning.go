package mininetem

//
// Address learning table
//

import (
	"net/netip"
	"sync"
	"time"
)

// learningIdleTime is the time after which we forget a learned address.
const learningIdleTime = 60 * time.Second

// learningEntry is an entry of the [learningTable].
type learningEntry struct {
	port     PortNumber
	lastSeen time.Time
}

// learningTable maps source addresses to the port where we saw
// them. The zero value is invalid; use [newLearningTable].
type learningTable struct {
	entries  map[netip.Addr]*learningEntry
	idleTime time.Duration
	mu       sync.Mutex
	timeNow  func() time.Time
}

// newLearningTable creates a new [learningTable].
func newLearningTable() *learningTable {
	return &learningTable{
		entries:  map[netip.Addr]*learningEntry{},
		idleTime: learningIdleTime,
		mu:       sync.Mutex{},
		timeNow:  time.Now,
	}
}

// learn records that addr lives behind port and returns whether
// this is new information, i.e., addr was unknown or has moved.
func (lt *learningTable) learn(addr netip.Addr, port PortNumber) bool {
	defer lt.mu.Unlock()
	lt.mu.Lock()
	now := lt.timeNow()
	entry := lt.entries[addr]
	if entry == nil || now.Sub(entry.lastSeen) >= lt.idleTime {
		lt.entries[addr] = &learningEntry{port: port, lastSeen: now}
		return true
	}
	changed := entry.port != port
	entry.port = port
	entry.lastSeen = now
	return changed
}

// lookup returns the port where addr lives, if known.
func (lt *learningTable) lookup(addr netip.Addr) (PortNumber, bool) {
	defer lt.mu.Unlock()
	lt.mu.Lock()
	entry := lt.entries[addr]
	if entry == nil {
		return PortNone, false
	}
	if lt.timeNow().Sub(entry.lastSeen) >= lt.idleTime {
		delete(lt.entries, addr)
		return PortNone, false
	}
	return entry.port, true
}

package mininetem

//
// Link frame forwarding: core implementation
//

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// LinkFwdConfig contains config for frame forwarding algorithms. Make sure
// you initialize all the fields marked as MANDATORY.
type LinkFwdConfig struct {
	// Logger is the MANDATORY logger.
	Logger Logger

	// OneWayDelay is the OPTIONAL link one-way delay.
	OneWayDelay time.Duration

	// PLR is the OPTIONAL link packet-loss rate.
	PLR float64

	// Reader is the MANDATORY [NIC] from which to read frames.
	Reader ReadableNIC

	// Writer is the MANDATORY [NIC] where to write frames.
	Writer WriteableNIC

	// Wg is MANDATORY the wait group that the frame forwarding goroutine
	// will notify when it is shutting down.
	Wg *sync.WaitGroup
}

// LinkFwdFunc is type type of a link forwarding function.
type LinkFwdFunc func(cfg *LinkFwdConfig)

// LinkFwdRNG is a [LinkFwdFunc] view of a [rand.Rand] abstracted for testing.
type LinkFwdRNG interface {
	// Float64 is like [rand.Rand.Float64].
	Float64() float64

	// Int63n is like [rand.Rand.Int63n].
	Int63n(n int64) int64
}

var _ LinkFwdRNG = &rand.Rand{}

// newLinkgFwdRNG creates a new [LinkFwdRNG].
func (cfg *LinkFwdConfig) newLinkgFwdRNG() LinkFwdRNG {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// linkFwdSortFrameSliceInPlace is a helper function that sorts
// in place a slice of frames by their deadline.
func linkFwdSortFrameSliceInPlace(frames []*Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].Deadline.Before(frames[j].Deadline)
	})
}

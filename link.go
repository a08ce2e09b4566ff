package mininetem

//
// Network link modeling
//

import (
	"sync"
	"time"
)

// LinkNICWrapper allows wrapping [NIC]s used by a [Link] to
// log packets, perform packet capturing, etc.
type LinkNICWrapper interface {
	WrapNIC(NIC) NIC
}

// LinkConfig contains config for creating a [Link].
type LinkConfig struct {
	// LeftNICWrapper is the OPTIONAL [LinkNICWrapper] for the left NIC.
	LeftNICWrapper LinkNICWrapper

	// LeftToRightDelay is the OPTIONAL delay in the left->right direction.
	LeftToRightDelay time.Duration

	// LeftToRightPLR is the OPTIONAL packet-loss rate in the left->right direction.
	LeftToRightPLR float64

	// RightNICWrapper is the OPTIONAL [LinkNICWrapper] for the right NIC.
	RightNICWrapper LinkNICWrapper

	// RightToLeftDelay is the OPTIONAL delay in the right->left direction.
	RightToLeftDelay time.Duration

	// RightToLeftPLR is the OPTIONAL packet-loss rate in the right->left direction.
	RightToLeftPLR float64
}

// Link models a link between a "left" and a "right" NIC. The zero value
// is invalid; please, use a constructor to create a new instance.
//
// A link is characterized by left-to-right and right-to-left delays, which
// are configured by the [Link] constructors. A link is also characterized
// by a left-to-right and right-to-left packet loss rate (PLR).
//
// Once you created a link, it will immediately start to forward traffic
// until you call [Link.Close] to shut it down.
type Link struct {
	// closeOnce allows Close to have a "once" semantics.
	closeOnce sync.Once

	// left is the left network stack.
	left NIC

	// right is the right network stack.
	right NIC

	// wg allows us to wait for the background goroutines
	wg *sync.WaitGroup
}

// NewLink creates a new [Link] instance and spawns goroutines for forwarding
// traffic between the left and the right [NIC]. You MUST call [Link.Close] to
// stop these goroutines when you are done with the [Link].
//
// [NewLink] selects the fastest link forwarding algorithm that is
// compatible with the link characteristics in [LinkConfig].
//
// The returned [Link] TAKES OWNERSHIP of the left and right network stacks and
// ensures that their [Close] method is called when you call [Link.Close].
func NewLink(logger Logger, left, right NIC, config *LinkConfig) *Link {
	// create wait group to synchronize with [Link.Close]
	wg := &sync.WaitGroup{}

	// possibly wrap the NICs
	if config.LeftNICWrapper != nil {
		left = config.LeftNICWrapper.WrapNIC(left)
	}
	if config.RightNICWrapper != nil {
		right = config.RightNICWrapper.WrapNIC(right)
	}

	// forward traffic from left to right
	wg.Add(1)
	leftToRight := &LinkFwdConfig{
		Logger:      logger,
		OneWayDelay: config.LeftToRightDelay,
		PLR:         config.LeftToRightPLR,
		Reader:      left,
		Writer:      right,
		Wg:          wg,
	}
	go linkFwdChooseAlgorithm(leftToRight)(leftToRight)

	// forward traffic from right to left
	wg.Add(1)
	rightToLeft := &LinkFwdConfig{
		Logger:      logger,
		OneWayDelay: config.RightToLeftDelay,
		PLR:         config.RightToLeftPLR,
		Reader:      right,
		Writer:      left,
		Wg:          wg,
	}
	go linkFwdChooseAlgorithm(rightToLeft)(rightToLeft)

	link := &Link{
		closeOnce: sync.Once{},
		left:      left,
		right:     right,
		wg:        wg,
	}
	return link
}

// linkFwdChooseAlgorithm chooses the right algorithm for the link.
func linkFwdChooseAlgorithm(cfg *LinkFwdConfig) LinkFwdFunc {
	switch {
	case cfg.PLR > 0:
		return LinkFwdFull
	case cfg.OneWayDelay > 0:
		return LinkFwdWithDelay
	default:
		return LinkFwdFast
	}
}

// Close closes the [Link].
func (lnk *Link) Close() error {
	lnk.closeOnce.Do(func() {
		lnk.left.Close()
		lnk.right.Close()
		lnk.wg.Wait()
	})
	return nil
}

package mininetem

//
// Reachability tests
//

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

// PingAll pings between every ordered pair of distinct hosts and
// returns the packet loss percentage. See [Network.Ping].
func (n *Network) PingAll(ctx context.Context) (float64, error) {
	return n.Ping(ctx, n.Hosts())
}

// Ping sends one ICMP echo request from each host to every other host
// in the given list, sequentially, and returns the packet loss percentage
// computed as 100*(sent-received)/sent. The percentage is zero when there
// are less than two hosts. This function only fails when the network is
// not running or the context is done.
func (n *Network) Ping(ctx context.Context, hosts []*Host) (float64, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	n.logger.Info("mininetem: ping: testing ping reachability")
	var sent, received int
	for _, src := range hosts {
		var line []string
		for _, dst := range hosts {
			if src == dst {
				continue
			}
			sent++
			_, err := src.Ping(ctx, dst.IPAddress(), n.config.PingTimeout)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			if err != nil {
				if !errors.Is(err, ErrPingTimeout) {
					n.logger.Warnf("mininetem: ping %s -> %s: %s", src.Name(), dst.Name(), err.Error())
				}
				line = append(line, "X")
				continue
			}
			received++
			line = append(line, dst.Name())
		}
		n.logger.Infof("mininetem: %s -> %s", src.Name(), strings.Join(line, " "))
	}
	var loss float64
	if sent > 0 {
		loss = 100 * float64(sent-received) / float64(sent)
	}
	n.logger.Infof("mininetem: results: %.0f%% dropped (%d/%d received)", loss, received, sent)
	return loss, nil
}

// PingResult contains the results of pinging between two hosts.
type PingResult struct {
	// Source is the source host name.
	Source string

	// Destination is the destination host name.
	Destination string

	// Sent is the number of echo requests we sent.
	Sent int

	// Received is the number of echo replies we received.
	Received int

	// Min is the minimum RTT.
	Min time.Duration

	// Avg is the average RTT.
	Avg time.Duration

	// Max is the maximum RTT.
	Max time.Duration

	// Mdev is the RTT standard deviation.
	Mdev time.Duration
}

// String returns a ping(8)-like summary of the result.
func (pr *PingResult) String() string {
	return fmt.Sprintf("%s -> %s: %d/%d, rtt min/avg/max/mdev %.3f/%.3f/%.3f/%.3f ms",
		pr.Source, pr.Destination, pr.Received, pr.Sent,
		pingMillis(pr.Min), pingMillis(pr.Avg), pingMillis(pr.Max), pingMillis(pr.Mdev))
}

// pingMillis converts a duration to floating point milliseconds.
func pingMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// PingFull is like [Network.Ping] but sends count echo requests for each
// pair of hosts and returns the per-pair RTT statistics.
func (n *Network) PingFull(ctx context.Context, hosts []*Host, count int) ([]*PingResult, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	n.logger.Info("mininetem: ping: testing ping reachability")
	results := []*PingResult{}
	for _, src := range hosts {
		for _, dst := range hosts {
			if src == dst {
				continue
			}
			var rtts []float64
			for idx := 0; idx < count; idx++ {
				rtt, err := src.Ping(ctx, dst.IPAddress(), n.config.PingTimeout)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				if err != nil {
					continue
				}
				rtts = append(rtts, float64(rtt))
			}
			result := newPingResult(src.Name(), dst.Name(), count, rtts)
			n.logger.Infof("mininetem: %s", result.String())
			results = append(results, result)
		}
	}
	return results, nil
}

// newPingResult computes a [PingResult] from the RTT samples.
func newPingResult(src, dst string, sent int, rtts []float64) *PingResult {
	pr := &PingResult{
		Source:      src,
		Destination: dst,
		Sent:        sent,
		Received:    len(rtts),
	}
	if len(rtts) <= 0 {
		return pr
	}
	data := stats.Float64Data(rtts)
	minRTT, _ := data.Min()
	avgRTT, _ := data.Mean()
	maxRTT, _ := data.Max()
	mdev, _ := data.StandardDeviationPopulation()
	pr.Min = time.Duration(minRTT)
	pr.Avg = time.Duration(avgRTT)
	pr.Max = time.Duration(maxRTT)
	pr.Mdev = time.Duration(mdev)
	return pr
}

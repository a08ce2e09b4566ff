package mininetem

//
// Throughput measurement between two hosts
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"
)

// IperfL4Type is the transport protocol used by [Network.Iperf].
type IperfL4Type string

const (
	// IperfTCP measures TCP throughput.
	IperfTCP = IperfL4Type("TCP")

	// IperfUDP measures UDP throughput.
	IperfUDP = IperfL4Type("UDP")
)

// IperfConfig contains config for [Network.Iperf]. All the fields
// are OPTIONAL and the zero value uses the defaults.
type IperfConfig struct {
	// Client is the client host. The default is the first host.
	Client *Host

	// Server is the server host. The default is the last host.
	Server *Host

	// L4Type is the transport protocol. The default is [IperfTCP].
	L4Type IperfL4Type

	// Duration is the measurement duration. The default is five seconds.
	Duration time.Duration

	// Port is the server port. The default is 5001.
	Port int

	// UDPBandwidth is the sending rate using UDP (e.g., 10M, 512K). The
	// default is 10M (i.e., 10 Mbit/s). We ignore this field using TCP.
	UDPBandwidth string
}

const (
	// DefaultIperfDuration is the default measurement duration.
	DefaultIperfDuration = 5 * time.Second

	// DefaultIperfPort is the default server port.
	DefaultIperfPort = 5001

	// DefaultIperfUDPBandwidth is the default UDP sending rate.
	DefaultIperfUDPBandwidth = "10M"
)

// iperfUDPDatagramSize is the size of each UDP datagram.
const iperfUDPDatagramSize = 1470

// iperfGracePeriod is how much the server waits after the expected
// end of the measurement before giving up.
const iperfGracePeriod = 2 * time.Second

// iperfUDPIdleTimeout is how long the UDP server waits for
// the next datagram before considering the measurement over.
const iperfUDPIdleTimeout = time.Second

// IperfResult contains the results of [Network.Iperf].
type IperfResult struct {
	// L4Type is the transport protocol we used.
	L4Type IperfL4Type

	// Client is the client host name.
	Client string

	// Server is the server host name.
	Server string

	// UDPBandwidth is the requested UDP rate (empty using TCP).
	UDPBandwidth string

	// ClientBitrate is the speed measured by the client (e.g., "9.98 Mbits/sec").
	ClientBitrate string

	// ServerBitrate is the speed measured by the server.
	ServerBitrate string

	// Samples contains the speed samples in Mbit/s measured by the
	// server every second.
	Samples []float64
}

// String returns the result in the format used by iperf(1).
func (ir *IperfResult) String() string {
	if ir.L4Type == IperfUDP {
		return fmt.Sprintf("%s %s -> %s: ['%s', '%s', '%s']", ir.L4Type, ir.Client,
			ir.Server, ir.UDPBandwidth, ir.ServerBitrate, ir.ClientBitrate)
	}
	return fmt.Sprintf("%s %s -> %s: ['%s', '%s']", ir.L4Type, ir.Client,
		ir.Server, ir.ServerBitrate, ir.ClientBitrate)
}

// ErrIperf indicates that we cannot run an iperf measurement.
var ErrIperf = errors.New("mininetem: iperf")

// Iperf measures the throughput between two hosts. By default, we
// measure TCP throughput from the first host to the last host. The
// client sends data for the configured duration and the server
// counts the bytes it receives.
func (n *Network) Iperf(ctx context.Context, config *IperfConfig) (*IperfResult, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	cfg, err := n.newIperfConfig(config)
	if err != nil {
		return nil, err
	}
	n.logger.Infof("mininetem: iperf: testing %s bandwidth between %s and %s",
		cfg.L4Type, cfg.Client.Name(), cfg.Server.Name())

	var client, server *iperfMeasurement
	switch cfg.L4Type {
	case IperfTCP:
		client, server, err = iperfRunTCP(ctx, n.logger, cfg)
	case IperfUDP:
		client, server, err = iperfRunUDP(ctx, n.logger, cfg)
	}
	if err != nil {
		return nil, err
	}

	result := &IperfResult{
		L4Type:        cfg.L4Type,
		Client:        cfg.Client.Name(),
		Server:        cfg.Server.Name(),
		UDPBandwidth:  "",
		ClientBitrate: client.bitrate(),
		ServerBitrate: server.bitrate(),
		Samples:       server.samples,
	}
	if cfg.L4Type == IperfUDP {
		result.UDPBandwidth = cfg.UDPBandwidth
	}
	if median, err := stats.Median(server.samples); err == nil {
		n.logger.Infof("mininetem: iperf: median speed: %.2f Mbit/s", median)
	}
	n.logger.Infof("mininetem: iperf: results: %s", result.String())
	return result, nil
}

// newIperfConfig fills the defaults of the [IperfConfig].
func (n *Network) newIperfConfig(config *IperfConfig) (*IperfConfig, error) {
	cfg := &IperfConfig{}
	if config != nil {
		*cfg = *config
	}
	hosts := n.Hosts()
	if cfg.Client == nil || cfg.Server == nil {
		if len(hosts) < 2 {
			return nil, fmt.Errorf("%w: need at least two hosts", ErrIperf)
		}
	}
	if cfg.Client == nil {
		cfg.Client = hosts[0]
	}
	if cfg.Server == nil {
		cfg.Server = hosts[len(hosts)-1]
	}
	if cfg.Client == cfg.Server {
		return nil, fmt.Errorf("%w: client and server must be distinct", ErrIperf)
	}
	if cfg.L4Type == "" {
		cfg.L4Type = IperfTCP
	}
	if cfg.L4Type != IperfTCP && cfg.L4Type != IperfUDP {
		return nil, fmt.Errorf("%w: unsupported protocol: %s", ErrIperf, cfg.L4Type)
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultIperfDuration
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultIperfPort
	}
	if cfg.UDPBandwidth == "" {
		cfg.UDPBandwidth = DefaultIperfUDPBandwidth
	}
	if _, err := ParseBandwidth(cfg.UDPBandwidth); err != nil {
		return nil, err
	}
	return cfg, nil
}

// iperfMeasurement is what each side of the measurement observed.
type iperfMeasurement struct {
	bytes   int64
	elapsed time.Duration
	samples []float64
}

// bitrate formats the measured speed.
func (m *iperfMeasurement) bitrate() string {
	if m.elapsed <= 0 {
		return FormatBitrate(0)
	}
	return FormatBitrate(float64(m.bytes*8) / m.elapsed.Seconds())
}

// iperfSampler collects per-second speed samples.
type iperfSampler struct {
	current int64
	lastT   time.Time
	samples []float64
}

// newIperfSampler creates a new [iperfSampler].
func newIperfSampler() *iperfSampler {
	return &iperfSampler{
		current: 0,
		lastT:   time.Now(),
		samples: []float64{},
	}
}

// add accounts for count bytes and possibly takes a sample.
func (s *iperfSampler) add(count int) {
	s.current += int64(count)
	if elapsed := time.Since(s.lastT); elapsed >= time.Second {
		s.samples = append(s.samples, (float64(s.current*8)/elapsed.Seconds())/(1000*1000))
		s.current = 0
		s.lastT = time.Now()
	}
}

// iperfServerAddr returns the server endpoint address.
func iperfServerAddr(cfg *IperfConfig) string {
	return net.JoinHostPort(cfg.Server.IPAddress(), strconv.Itoa(cfg.Port))
}

// iperfIsTimeout returns whether an error is an I/O timeout.
func iperfIsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// iperfRunTCP runs the TCP client and server.
func iperfRunTCP(ctx context.Context, logger Logger, cfg *IperfConfig) (*iperfMeasurement, *iperfMeasurement, error) {
	addr := &net.TCPAddr{
		IP:   net.ParseIP(cfg.Server.IPAddress()),
		Port: cfg.Port,
	}
	listener, err := cfg.Server.ListenTCP("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	closeOnce := &sync.Once{}
	closeListener := func() {
		closeOnce.Do(func() {
			listener.Close()
		})
	}
	defer closeListener()

	var client, server *iperfMeasurement
	group, gctx := errgroup.WithContext(ctx)

	// make sure we do not block in Accept when the client fails
	go func() {
		<-gctx.Done()
		closeListener()
	}()

	group.Go(func() error {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		closeListener()
		server, err = iperfTCPServer(gctx, conn, cfg.Duration)
		return err
	})

	group.Go(func() error {
		conn, err := cfg.Client.DialContext(gctx, "tcp", iperfServerAddr(cfg))
		if err != nil {
			return err
		}
		defer conn.Close()
		client, err = iperfTCPClient(gctx, conn, cfg.Duration)
		if err != nil {
			logger.Warnf("mininetem: iperf: client: %s", err.Error())
		}
		return err
	})

	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return client, server, nil
}

// iperfTCPClient sends random data for the given duration.
func iperfTCPClient(ctx context.Context, conn net.Conn, duration time.Duration) (*iperfMeasurement, error) {
	buffer := make([]byte, 65535)
	if _, err := rand.Read(buffer); err != nil {
		return nil, err
	}
	t0 := time.Now()
	deadline := t0.Add(duration)
	_ = conn.SetWriteDeadline(deadline)
	m := &iperfMeasurement{}
	for time.Now().Before(deadline) && ctx.Err() == nil {
		count, err := conn.Write(buffer)
		m.bytes += int64(count)
		if err != nil {
			if iperfIsTimeout(err) {
				break
			}
			return nil, err
		}
	}
	m.elapsed = time.Since(t0)
	return m, ctx.Err()
}

// iperfTCPServer counts the bytes sent by the client until the client
// closes the connection. The server gives up a grace period after the
// expected end of the measurement.
func iperfTCPServer(ctx context.Context, conn net.Conn, duration time.Duration) (*iperfMeasurement, error) {
	buffer := make([]byte, 65535)
	t0 := time.Now()
	_ = conn.SetReadDeadline(t0.Add(duration + iperfGracePeriod))
	sampler := newIperfSampler()
	m := &iperfMeasurement{}
	for ctx.Err() == nil {
		count, err := conn.Read(buffer)
		m.bytes += int64(count)
		sampler.add(count)
		if err != nil {
			if m.bytes <= 0 && !errors.Is(err, io.EOF) {
				return nil, err
			}
			break
		}
	}
	m.elapsed = time.Since(t0)
	m.samples = sampler.samples
	return m, ctx.Err()
}

// iperfRunUDP runs the UDP client and server.
func iperfRunUDP(ctx context.Context, logger Logger, cfg *IperfConfig) (*iperfMeasurement, *iperfMeasurement, error) {
	bandwidth, err := ParseBandwidth(cfg.UDPBandwidth)
	if err != nil {
		return nil, nil, err
	}
	addr := &net.UDPAddr{
		IP:   net.ParseIP(cfg.Server.IPAddress()),
		Port: cfg.Port,
	}
	pconn, err := cfg.Server.ListenUDP("udp", addr)
	if err != nil {
		return nil, nil, err
	}
	closeOnce := &sync.Once{}
	closeConn := func() {
		closeOnce.Do(func() {
			pconn.Close()
		})
	}
	defer closeConn()

	var client, server *iperfMeasurement
	group, gctx := errgroup.WithContext(ctx)

	// make sure we do not block in ReadFrom when the client fails
	go func() {
		<-gctx.Done()
		closeConn()
	}()

	group.Go(func() error {
		m, err := iperfUDPServer(gctx, pconn, cfg.Duration)
		server = m
		return err
	})

	group.Go(func() error {
		conn, err := cfg.Client.DialContext(gctx, "udp", iperfServerAddr(cfg))
		if err != nil {
			return err
		}
		defer conn.Close()
		client, err = iperfUDPClient(gctx, conn, cfg.Duration, bandwidth)
		if err != nil {
			logger.Warnf("mininetem: iperf: client: %s", err.Error())
		}
		return err
	})

	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return client, server, nil
}

// iperfUDPClient sends datagrams paced at the given bandwidth in bit/s.
func iperfUDPClient(ctx context.Context, conn net.Conn, duration time.Duration, bandwidth float64) (*iperfMeasurement, error) {
	datagram := make([]byte, iperfUDPDatagramSize)
	if _, err := rand.Read(datagram); err != nil {
		return nil, err
	}
	interval := iperfUDPInterval(len(datagram), bandwidth)
	t0 := time.Now()
	deadline := t0.Add(duration)
	next := t0
	m := &iperfMeasurement{}
	for now := time.Now(); now.Before(deadline); now = time.Now() {
		if wait := next.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		count, err := conn.Write(datagram)
		if err != nil {
			return nil, err
		}
		m.bytes += int64(count)
		next = next.Add(interval)
	}
	m.elapsed = time.Since(t0)
	return m, nil
}

// iperfUDPInterval returns the time between two datagrams of the
// given size sent at the given bandwidth in bit/s.
func iperfUDPInterval(size int, bandwidth float64) time.Duration {
	return time.Duration(float64(size*8) / bandwidth * float64(time.Second))
}

// iperfUDPServer counts the bytes it receives until there are no
// more datagrams for [iperfUDPIdleTimeout].
func iperfUDPServer(ctx context.Context, pconn UDPLikeConn, duration time.Duration) (*iperfMeasurement, error) {
	buffer := make([]byte, 65535)
	sampler := newIperfSampler()
	m := &iperfMeasurement{}
	var t0, lastT time.Time
	_ = pconn.SetReadDeadline(time.Now().Add(duration + iperfGracePeriod))
	for {
		count, _, err := pconn.ReadFrom(buffer)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !iperfIsTimeout(err) {
				return nil, err
			}
			break
		}
		if t0.IsZero() {
			t0 = time.Now()
			sampler = newIperfSampler()
		}
		lastT = time.Now()
		m.bytes += int64(count)
		sampler.add(count)
		_ = pconn.SetReadDeadline(lastT.Add(iperfUDPIdleTimeout))
	}
	m.elapsed = lastT.Sub(t0)
	m.samples = sampler.samples
	return m, nil
}

// iperfMinBandwidth is the smallest UDP bandwidth in bit/s. It keeps
// the interval between two datagrams within a [time.Duration].
const iperfMinBandwidth = 1

// ParseBandwidth parses a bandwidth such as 10M, 512K, 1G, or 1000
// and returns the corresponding number of bits per second.
func ParseBandwidth(value string) (float64, error) {
	multiplier := 1.0
	number := strings.TrimSpace(value)
	if number == "" {
		return 0, fmt.Errorf("%w: empty bandwidth", ErrIperf)
	}
	switch number[len(number)-1] {
	case 'k', 'K':
		multiplier = 1000
	case 'm', 'M':
		multiplier = 1000 * 1000
	case 'g', 'G':
		multiplier = 1000 * 1000 * 1000
	}
	if multiplier > 1 {
		number = number[:len(number)-1]
	}
	bw, err := strconv.ParseFloat(number, 64)
	if err != nil || math.IsNaN(bw) {
		return 0, fmt.Errorf("%w: invalid bandwidth: %s", ErrIperf, value)
	}
	bw *= multiplier
	if math.IsInf(bw, 0) || bw < iperfMinBandwidth {
		return 0, fmt.Errorf("%w: bandwidth out of range: %s", ErrIperf, value)
	}
	return bw, nil
}

// FormatBitrate formats a speed in bit/s the way iperf(1) does.
func FormatBitrate(bps float64) string {
	switch {
	case bps >= 1000*1000*1000:
		return fmt.Sprintf("%.2f Gbits/sec", bps/(1000*1000*1000))
	case bps >= 1000*1000:
		return fmt.Sprintf("%.2f Mbits/sec", bps/(1000*1000))
	case bps >= 1000:
		return fmt.Sprintf("%.2f Kbits/sec", bps/1000)
	default:
		return fmt.Sprintf("%.2f bits/sec", bps)
	}
}

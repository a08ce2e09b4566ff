// Command openflowtest builds a network with two OpenFlow switches and
// fourteen hosts, checks that all the hosts can ping each other, and
// measures the TCP and UDP throughput.
//
// The command exits with a nonzero exit code if any check fails.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/mininetem"
	"github.com/bassosimone/mininetem/cmd/internal/optional"
	"github.com/bassosimone/mininetem/cmd/internal/topology"
	"github.com/bassosimone/mininetem/internal/harness"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli/v2"
)

// errChecksFailed indicates that some checks failed.
var errChecksFailed = errors.New("openflowtest: some checks failed")

func main() {
	c := cli.NewApp()
	c.Name = "openflowtest"
	c.Usage = "Basic OpenFlow connectivity and throughput checks"
	c.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "OPTIONAL ini file overriding the default emulation config",
		},
		&cli.StringFlag{
			Name:  "pcap-dir",
			Usage: "OPTIONAL directory where to save a PCAP file for each NIC",
		},
		&cli.StringSliceFlag{
			Name:  "check",
			Usage: "OPTIONAL check to run (testPingAll, testIPerfTCP, testIPerfUDP); default: all",
		},
		&cli.BoolFlag{
			Name:  "dump-flows",
			Usage: "print the flows of each switch after each check",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "print the switch metrics when done",
		},
		&cli.StringFlag{
			Name:  "metrics-bind-address",
			Usage: "OPTIONAL address where to serve the switch metrics while running (e.g., 127.0.0.1:9310)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "maximum duration of each check",
			Value: 2 * time.Minute,
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "emit debug messages",
		},
	}
	c.Action = run

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := c.RunContext(ctx, os.Args); err != nil {
		log.WithError(err).Fatal("openflowtest")
	}
}

// run is the main function of the command.
func run(cliCtx *cli.Context) error {
	if cliCtx.Bool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	// load the configuration
	config := mininetem.DefaultConfig()
	if filename := cliCtx.String("config"); filename != "" {
		var err error
		config, err = mininetem.LoadConfig(filename)
		if err != nil {
			return err
		}
	}
	pcapDir := optional.None[string]()
	if dir := cliCtx.String("pcap-dir"); dir != "" {
		pcapDir = optional.Some(dir)
	}

	// maybe serve the metrics while running
	reg := prometheus.NewRegistry()
	if addr := cliCtx.String("metrics-bind-address"); addr != "" {
		go serveMetrics(addr, reg)
	}

	checks, err := selectChecks(cliCtx.StringSlice("check"))
	if err != nil {
		return err
	}

	// run each check with a fresh network
	factory := topology.NewFactory(log.Log, config, pcapDir, reg)
	var failed int
	for _, check := range checks {
		log.Infof("*** %s", check.Name)
		ctx, cancel := context.WithTimeout(cliCtx.Context, cliCtx.Duration("timeout"))
		err := harness.Run(ctx, log.Log, factory.ForCheck(check.Name), check)
		cancel()
		if err != nil {
			log.WithError(err).Errorf("FAIL: %s", check.Name)
			failed++
		} else {
			log.Infof("PASS: %s", check.Name)
		}
		if dir := factory.PCAPDir(check.Name); !dir.Empty() {
			log.Infof("captures saved in %s", dir.Unwrap())
		}
		if cliCtx.Bool("dump-flows") {
			if last := factory.Last(); !last.Empty() {
				dumpFlows(os.Stdout, last.Unwrap())
			}
		}
	}

	if cliCtx.Bool("metrics") {
		if err := dumpMetrics(os.Stdout, reg); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d/%d", errChecksFailed, failed, len(checks))
	}
	return nil
}

// selectChecks returns the checks with the given names or all the
// checks when names is empty.
func selectChecks(names []string) ([]harness.Check, error) {
	if len(names) <= 0 {
		return harness.Checks, nil
	}
	var checks []harness.Check
	for _, name := range names {
		var found bool
		for _, check := range harness.Checks {
			if check.Name == name {
				checks = append(checks, check)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("openflowtest: no such check: %s", name)
		}
	}
	return checks, nil
}

// dumpFlows prints the flows like ovs-ofctl dump-flows does.
func dumpFlows(w io.Writer, network *topology.Network) {
	for _, sw := range network.Emulator.Network().Switches() {
		fmt.Fprintf(w, "%s: %s: NXST_FLOW reply (dpid=%016x):\n", network.Check, sw.Name(), sw.DatapathID())
		for _, flow := range sw.DumpFlows() {
			fmt.Fprintf(w, " %s\n", flow.String())
		}
	}
}

// dumpMetrics prints the metrics using the text exposition format.
func dumpMetrics(w io.Writer, reg prometheus.Gatherer) error {
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics serves the metrics at /metrics.
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("serving metrics at http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("http.ListenAndServe")
	}
}

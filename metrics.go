package mininetem

//
// Switch metrics
//

import "github.com/prometheus/client_golang/prometheus"

// metricsNamespace is the namespace of all our metrics.
const metricsNamespace = "mininetem"

// metricsSwitchSubsystem is the subsystem of the switch metrics.
const metricsSwitchSubsystem = "switch"

// Metrics contains the datapath metrics of the switches of a network.
// Each metric is labelled by the switch datapath ID.
type Metrics struct {
	// LookupHit counts the packets matching a flow.
	LookupHit *prometheus.CounterVec

	// LookupMissed counts the packets not matching any flow.
	LookupMissed *prometheus.CounterVec

	// PacketIn counts the packets sent to the controller.
	PacketIn *prometheus.CounterVec

	// FlowMod counts the flow table modifications.
	FlowMod *prometheus.CounterVec

	// Dropped counts the packets dropped by the datapath.
	Dropped *prometheus.CounterVec

	// Flows is the number of flows in the flow table.
	Flows *prometheus.GaugeVec
}

// NewMetrics creates the [Metrics] and registers them with the given
// registerer. Each [Network] uses its own registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		LookupHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSwitchSubsystem,
			Name:      "dp_flows_lookup_hit_total",
			Help:      "number of packets matching an existing flow",
		}, []string{"datapath"}),
		LookupMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSwitchSubsystem,
			Name:      "dp_flows_lookup_missed_total",
			Help:      "number of packets not matching any flow",
		}, []string{"datapath"}),
		PacketIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSwitchSubsystem,
			Name:      "packet_in_total",
			Help:      "number of packets sent to the controller",
		}, []string{"datapath"}),
		FlowMod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSwitchSubsystem,
			Name:      "flow_mod_total",
			Help:      "number of flow table modifications",
		}, []string{"datapath"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSwitchSubsystem,
			Name:      "dp_packets_dropped_total",
			Help:      "number of packets dropped by the datapath",
		}, []string{"datapath"}),
		Flows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSwitchSubsystem,
			Name:      "dp_flows",
			Help:      "number of flows in the flow table",
		}, []string{"datapath"}),
	}
	collectors := []prometheus.Collector{
		m.LookupHit,
		m.LookupMissed,
		m.PacketIn,
		m.FlowMod,
		m.Dropped,
		m.Flows,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

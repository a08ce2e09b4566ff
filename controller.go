package mininetem

//
// OpenFlow-style controller
//

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

// Controller controls one or more [Switch]es.
type Controller interface {
	// Name returns the controller name (e.g., c1).
	Name() string

	// Start starts the controller. You MUST start a controller
	// before connecting switches to it.
	Start() error

	// Connect attaches a switch to the controller.
	Connect(conn SwitchConn) error

	// Close stops the controller.
	Close() error
}

// ControllerFactory creates a named [Controller].
type ControllerFactory func(logger Logger, name string) (Controller, error)

// ErrControllerNotStarted indicates that a controller has not been started.
var ErrControllerNotStarted = errors.New("mininetem: controller not started")

// ControllerConfig contains config for the [LearningController].
type ControllerConfig struct {
	// Hub makes the controller act as a hub that floods all packets.
	Hub bool

	// NoFlow prevents the controller from installing flows, so that
	// every packet goes through the controller.
	NoFlow bool

	// Wildcard makes installed flows match only the input port
	// and the destination address.
	Wildcard bool

	// MaxIdle is the idle timeout of installed flows. Zero
	// means that flows never expire.
	MaxIdle time.Duration
}

// DefaultControllerMaxIdle is the default idle timeout of installed flows.
const DefaultControllerMaxIdle = 60 * time.Second

// controllerFlowPriority is the priority of the flows we install.
const controllerFlowPriority = 0x8000

// NewDefaultControllerConfig returns the default [ControllerConfig].
func NewDefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		Hub:      false,
		NoFlow:   false,
		Wildcard: false,
		MaxIdle:  DefaultControllerMaxIdle,
	}
}

// NewLearningControllerFactory returns a [ControllerFactory] creating
// [LearningController]s using the given config. A nil config means
// using [NewDefaultControllerConfig].
func NewLearningControllerFactory(config *ControllerConfig) ControllerFactory {
	if config == nil {
		config = NewDefaultControllerConfig()
	}
	return func(logger Logger, name string) (Controller, error) {
		return NewLearningController(logger, name, config), nil
	}
}

// LearningController is a [Controller] turning switches into learning
// switches. The zero value is invalid; use [NewLearningController].
//
// For each switch, the controller learns on which port each source
// address lives, floods packets for unknown destinations, drops packets
// whose destination lives behind the input port, and otherwise installs
// a flow forwarding the packet to the learned port.
type LearningController struct {
	closeOnce sync.Once
	closed    chan any
	config    ControllerConfig
	logger    Logger
	mu        sync.Mutex
	name      string
	started   bool
	wg        *sync.WaitGroup
}

var _ Controller = &LearningController{}

// NewLearningController creates a new [LearningController].
func NewLearningController(logger Logger, name string, config *ControllerConfig) *LearningController {
	return &LearningController{
		closeOnce: sync.Once{},
		closed:    make(chan any),
		config:    *config,
		logger:    logger,
		mu:        sync.Mutex{},
		name:      name,
		started:   false,
		wg:        &sync.WaitGroup{},
	}
}

// Name implements Controller
func (c *LearningController) Name() string {
	return c.name
}

// Start implements Controller
func (c *LearningController) Start() error {
	select {
	case <-c.closed:
		return ErrStackClosed
	default:
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.logger.Infof("mininetem: %s: started (hub=%v noflow=%v wildcard=%v max-idle=%s)",
		c.name, c.config.Hub, c.config.NoFlow, c.config.Wildcard, c.config.MaxIdle)
	return nil
}

// Connect implements Controller
func (c *LearningController) Connect(conn SwitchConn) error {
	defer c.mu.Unlock()
	c.mu.Lock()
	if !c.started {
		return ErrControllerNotStarted
	}
	select {
	case <-c.closed:
		return ErrStackClosed
	default:
	}
	features := conn.Features()
	c.logger.Infof("mininetem: %s: connected to dpid=%016x with %d ports",
		c.name, features.DatapathID, len(features.Ports))
	c.wg.Add(1)
	go c.serve(conn, newLearningTable())
	return nil
}

// serve processes the messages of a connected switch.
func (c *LearningController) serve(conn SwitchConn, table *learningTable) {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case <-conn.Done():
			return
		case pi := <-conn.PacketIns():
			c.processPacketIn(conn, table, pi)
		}
	}
}

// processPacketIn implements the learning switch logic.
func (c *LearningController) processPacketIn(conn SwitchConn, table *learningTable, pi *PacketIn) {
	// we never use the output to controller action, so these packets
	// probably originated from a different controller
	if pi.Reason != PacketInReasonNoMatch {
		return
	}

	packet, err := DissectPacket(pi.Data)
	if err != nil {
		c.logger.Debugf("mininetem: %s: cannot dissect packet: %s", c.name, err.Error())
		return
	}
	nwSrc, nwDst := switchNetworkAddrs(packet)

	// learn the source address and figure out the output port
	outPort := PortFlood
	if !c.config.Hub {
		if table.learn(nwSrc, pi.InPort) {
			c.logger.Debugf("mininetem: %s: %016x: learned that %s is on port %s",
				c.name, conn.DatapathID(), nwSrc, pi.InPort)
		}
		if port, found := table.lookup(nwDst); found {
			outPort = port
			if port == pi.InPort {
				outPort = PortNone
			}
		}
	}

	var actions []ActionOutput
	if outPort != PortNone {
		actions = append(actions, ActionOutput{Port: outPort})
	}

	// install a flow unless we're flooding because we don't know the destination
	if !c.config.NoFlow && (outPort != PortFlood || c.config.Hub) {
		match := NewExactMatch(pi.InPort, nwSrc, nwDst)
		if c.config.Wildcard {
			match.Wildcards = WildcardNwSrc
			match.NwSrc = netip.Addr{}
		}
		fm := &FlowMod{
			Command:     FlowModAdd,
			Match:       match,
			Priority:    controllerFlowPriority,
			IdleTimeout: c.config.MaxIdle,
			HardTimeout: 0,
			Actions:     actions,
		}
		if err := conn.SendFlowMod(fm); err != nil {
			c.logger.Debugf("mininetem: %s: SendFlowMod: %s", c.name, err.Error())
			return
		}
	}

	if len(actions) <= 0 {
		return
	}
	po := &PacketOut{
		InPort:  pi.InPort,
		Actions: actions,
		Data:    pi.Data,
	}
	if err := conn.SendPacketOut(po); err != nil {
		c.logger.Debugf("mininetem: %s: SendPacketOut: %s", c.name, err.Error())
	}
}

// Close implements Controller
func (c *LearningController) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Infof("mininetem: %s: stopped", c.name)
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
		c.wg.Wait()
	})
	return nil
}

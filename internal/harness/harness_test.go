package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bassosimone/mininetem"
	"github.com/google/go-cmp/cmp"
)

// fakeEmulator is an [Emulator] recording the calls it receives.
type fakeEmulator struct {
	// calls contains the calls in order.
	calls []string

	// failOn is the OPTIONAL call that should fail.
	failOn string

	// loss is the packet loss returned by PingAll.
	loss float64

	// panicOnPing makes PingAll panic.
	panicOnPing bool
}

var _ Emulator = &fakeEmulator{}

// errMocked is the error returned by a failing fakeEmulator call.
var errMocked = errors.New("mocked error")

func (fe *fakeEmulator) record(call string) error {
	fe.calls = append(fe.calls, call)
	if fe.failOn == call {
		return errMocked
	}
	return nil
}

func (fe *fakeEmulator) AddController(name string) error {
	return fe.record("AddController " + name)
}

func (fe *fakeEmulator) AddSwitch(name string) error {
	return fe.record("AddSwitch " + name)
}

func (fe *fakeEmulator) AddHost(name, address string) error {
	return fe.record("AddHost " + name + " " + address)
}

func (fe *fakeEmulator) AddLink(left, right string) error {
	return fe.record("AddLink " + left + " " + right)
}

func (fe *fakeEmulator) Start() error {
	return fe.record("Start")
}

func (fe *fakeEmulator) Stop() error {
	return fe.record("Stop")
}

func (fe *fakeEmulator) PingAll(ctx context.Context) (float64, error) {
	if fe.panicOnPing {
		panic("mocked panic")
	}
	return fe.loss, fe.record("PingAll")
}

func (fe *fakeEmulator) Iperf(ctx context.Context, l4Type mininetem.IperfL4Type) (*mininetem.IperfResult, error) {
	if err := fe.record("Iperf " + string(l4Type)); err != nil {
		return nil, err
	}
	result := &mininetem.IperfResult{
		L4Type:        l4Type,
		Client:        "h1",
		Server:        "h14",
		ClientBitrate: "10.00 Mbits/sec",
		ServerBitrate: "9.99 Mbits/sec",
	}
	return result, nil
}

// countCalls returns the number of calls starting with prefix.
func (fe *fakeEmulator) countCalls(prefix string) int {
	var count int
	for _, call := range fe.calls {
		if strings.HasPrefix(call, prefix) {
			count++
		}
	}
	return count
}

// recordingLogger is a [mininetem.Logger] recording messages.
type recordingLogger struct {
	debugs []string
	infos  []string
}

func (rl *recordingLogger) Debug(message string) {
	rl.debugs = append(rl.debugs, message)
}

func (rl *recordingLogger) Debugf(format string, v ...any) {
	rl.Debug(fmt.Sprintf(format, v...))
}

func (rl *recordingLogger) Info(message string) {
	rl.infos = append(rl.infos, message)
}

func (rl *recordingLogger) Infof(format string, v ...any) {
	rl.Info(fmt.Sprintf(format, v...))
}

func (rl *recordingLogger) Warn(message string) {}

func (rl *recordingLogger) Warnf(format string, v ...any) {}

// newFakeFactory returns a factory always returning the given emulator.
func newFakeFactory(fe *fakeEmulator) EmulatorFactory {
	return func() (Emulator, error) {
		return fe, nil
	}
}

func TestSetUp(t *testing.T) {
	t.Run("we build the expected topology", func(t *testing.T) {
		fe := &fakeEmulator{}
		h := New(&mininetem.NullLogger{}, newFakeFactory(fe))
		if err := h.SetUp(context.Background()); err != nil {
			t.Fatal(err)
		}
		if h.State() != StateSetup {
			t.Fatal("unexpected state", h.State())
		}
		if fe.countCalls("AddController") != 1 || fe.countCalls("AddSwitch") != 2 {
			t.Fatal("unexpected calls", fe.calls)
		}
		if fe.countCalls("AddHost") != 14 || fe.countCalls("AddLink") != 15 {
			t.Fatal("unexpected calls", fe.calls)
		}
		for n := 1; n <= 14; n++ {
			sw := "s1"
			if n > 7 {
				sw = "s2"
			}
			host := fmt.Sprintf("AddHost h%d 10.0.0.%d", n, n)
			link := fmt.Sprintf("AddLink h%d %s", n, sw)
			if fe.countCalls(host) != 1 || fe.countCalls(link) != 1 {
				t.Fatal("missing", host, "or", link)
			}
		}
		if fe.countCalls("AddLink s1 s2") != 1 {
			t.Fatal("missing link between the switches")
		}
		expectTail := []string{"AddLink s1 s2", "Start"}
		if diff := cmp.Diff(expectTail, fe.calls[len(fe.calls)-2:]); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("we log the setup progress", func(t *testing.T) {
		logger := &recordingLogger{}
		h := New(logger, newFakeFactory(&fakeEmulator{}))
		if err := h.SetUp(context.Background()); err != nil {
			t.Fatal(err)
		}
		expect := []string{
			"Creating controllers",
			"Creating switches",
			"Creating hosts (7 on each switch)",
			"Creating links",
			"Starting network",
		}
		if diff := cmp.Diff(expect, logger.infos); diff != "" {
			t.Fatal(diff)
		}
		if len(logger.debugs) != 14 || logger.debugs[0] != "Creating host h1 with address 10.0.0.1" {
			t.Fatal("unexpected debug messages", logger.debugs)
		}
	})

	t.Run("SetUp cannot be called twice", func(t *testing.T) {
		h := New(&mininetem.NullLogger{}, newFakeFactory(&fakeEmulator{}))
		if err := h.SetUp(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := h.SetUp(context.Background()); !errors.Is(err, ErrInvalidState) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("SetUp stops when the context is done", func(t *testing.T) {
		fe := &fakeEmulator{}
		h := New(&mininetem.NullLogger{}, newFakeFactory(fe))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := h.SetUp(ctx); !errors.Is(err, context.Canceled) {
			t.Fatal("not the error we expected", err)
		}
		if len(fe.calls) != 0 {
			t.Fatal("unexpected calls", fe.calls)
		}
		if err := h.TearDown(); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"Stop"}, fe.calls); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("TearDown works after a failed factory", func(t *testing.T) {
		h := New(&mininetem.NullLogger{}, func() (Emulator, error) {
			return nil, errMocked
		})
		if err := h.SetUp(context.Background()); !errors.Is(err, errMocked) {
			t.Fatal("not the error we expected", err)
		}
		if err := h.TearDown(); err != nil {
			t.Fatal(err)
		}
		if h.State() != StateTornDown {
			t.Fatal("unexpected state", h.State())
		}
	})
}

func TestPingAll(t *testing.T) {
	t.Run("zero packet loss passes", func(t *testing.T) {
		fe := &fakeEmulator{loss: 0}
		err := Run(context.Background(), &mininetem.NullLogger{}, newFakeFactory(fe), Checks[0])
		if err != nil {
			t.Fatal(err)
		}
		if fe.countCalls("PingAll") != 1 || fe.countCalls("Stop") != 1 {
			t.Fatal("unexpected calls", fe.calls)
		}
	})

	t.Run("nonzero packet loss fails with the measured loss", func(t *testing.T) {
		fe := &fakeEmulator{loss: 5}
		err := Run(context.Background(), &mininetem.NullLogger{}, newFakeFactory(fe), Checks[0])
		if !errors.Is(err, ErrPacketLoss) {
			t.Fatal("not the error we expected", err)
		}
		if !strings.Contains(err.Error(), "Packet loss during ping test 5") {
			t.Fatal("unexpected error message", err.Error())
		}
		if fe.countCalls("Stop") != 1 {
			t.Fatal("expected the network to be stopped", fe.calls)
		}
	})

	t.Run("PingAll requires SetUp", func(t *testing.T) {
		h := New(&mininetem.NullLogger{}, newFakeFactory(&fakeEmulator{}))
		if err := h.PingAll(context.Background()); !errors.Is(err, ErrInvalidState) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("we cannot run two checks on the same network", func(t *testing.T) {
		h := New(&mininetem.NullLogger{}, newFakeFactory(&fakeEmulator{}))
		defer h.TearDown()
		if err := h.SetUp(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := h.PingAll(context.Background()); err != nil {
			t.Fatal(err)
		}
		if h.State() != StateRunning {
			t.Fatal("unexpected state", h.State())
		}
		if _, err := h.IPerfTCP(context.Background()); !errors.Is(err, ErrInvalidState) {
			t.Fatal("not the error we expected", err)
		}
	})
}

func TestIPerf(t *testing.T) {
	t.Run("TCP", func(t *testing.T) {
		fe := &fakeEmulator{}
		h := New(&mininetem.NullLogger{}, newFakeFactory(fe))
		defer h.TearDown()
		if err := h.SetUp(context.Background()); err != nil {
			t.Fatal(err)
		}
		result, err := h.IPerfTCP(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if result.L4Type != mininetem.IperfTCP || fe.countCalls("Iperf TCP") != 1 {
			t.Fatal("unexpected result", result, fe.calls)
		}
	})

	t.Run("UDP", func(t *testing.T) {
		fe := &fakeEmulator{}
		err := Run(context.Background(), &mininetem.NullLogger{}, newFakeFactory(fe), Checks[2])
		if err != nil {
			t.Fatal(err)
		}
		if fe.countCalls("Iperf UDP") != 1 {
			t.Fatal("unexpected calls", fe.calls)
		}
	})

	t.Run("a failed measurement fails the check", func(t *testing.T) {
		fe := &fakeEmulator{failOn: "Iperf TCP"}
		err := Run(context.Background(), &mininetem.NullLogger{}, newFakeFactory(fe), Checks[1])
		if !errors.Is(err, errMocked) {
			t.Fatal("not the error we expected", err)
		}
		if fe.countCalls("Stop") != 1 {
			t.Fatal("expected the network to be stopped", fe.calls)
		}
	})
}

func TestRun(t *testing.T) {
	t.Run("we tear down after a failed SetUp", func(t *testing.T) {
		fe := &fakeEmulator{failOn: "AddLink h3 s1"}
		err := Run(context.Background(), &mininetem.NullLogger{}, newFakeFactory(fe), Checks[0])
		if !errors.Is(err, errMocked) {
			t.Fatal("not the error we expected", err)
		}
		if fe.countCalls("Start") != 0 || fe.countCalls("PingAll") != 0 {
			t.Fatal("unexpected calls", fe.calls)
		}
		if fe.countCalls("Stop") != 1 {
			t.Fatal("expected the network to be stopped", fe.calls)
		}
	})

	t.Run("we tear down after a panic", func(t *testing.T) {
		fe := &fakeEmulator{panicOnPing: true}
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected a panic")
				}
			}()
			Run(context.Background(), &mininetem.NullLogger{}, newFakeFactory(fe), Checks[0])
		}()
		if fe.countCalls("Stop") != 1 {
			t.Fatal("expected the network to be stopped", fe.calls)
		}
	})

	t.Run("we report teardown errors", func(t *testing.T) {
		fe := &fakeEmulator{failOn: "Stop"}
		err := Run(context.Background(), &mininetem.NullLogger{}, newFakeFactory(fe), Checks[0])
		if !errors.Is(err, errMocked) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("each run uses a fresh network", func(t *testing.T) {
		var created int
		factory := func() (Emulator, error) {
			created++
			return &fakeEmulator{}, nil
		}
		for _, check := range Checks {
			if err := Run(context.Background(), &mininetem.NullLogger{}, factory, check); err != nil {
				t.Fatal(check.Name, err)
			}
		}
		if created != len(Checks) {
			t.Fatal("expected", len(Checks), "networks, got", created)
		}
	})
}

func TestTearDown(t *testing.T) {
	fe := &fakeEmulator{}
	h := New(&mininetem.NullLogger{}, newFakeFactory(fe))
	if err := h.TearDown(); err != nil {
		t.Fatal(err)
	}
	if err := h.TearDown(); err != nil {
		t.Fatal(err)
	}
	if len(fe.calls) != 0 {
		t.Fatal("unexpected calls", fe.calls)
	}
	if err := h.SetUp(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatal("not the error we expected", err)
	}
}

func TestStateString(t *testing.T) {
	states := []State{StateUninitialized, StateSetup, StateRunning, StateTornDown, State(7)}
	var got []string
	for _, state := range states {
		got = append(got, state.String())
	}
	expect := []string{"UNINITIALIZED", "SETUP", "RUNNING", "TORN_DOWN", "State(7)"}
	if diff := cmp.Diff(expect, got); diff != "" {
		t.Fatal(diff)
	}
}

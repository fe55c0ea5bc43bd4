package run

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tvaclab/peltcycle/pkg/config"
	"github.com/tvaclab/peltcycle/pkg/cycle"
	"github.com/tvaclab/peltcycle/pkg/events"
	"github.com/tvaclab/peltcycle/pkg/supply"
	"github.com/tvaclab/peltcycle/pkg/utils/ptr"
)

// trackingChamber follows every set-point immediately, so wait loops pass on
// their first poll. It records all commanded targets in order.
type trackingChamber struct {
	mu      sync.Mutex
	current float64
	sets    []float64
}

func (c *trackingChamber) SetTemperature(target float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, target)
	c.current = target
	return nil
}

func (c *trackingChamber) Temperature() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, nil
}

func (c *trackingChamber) snapshot() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.sets))
	copy(out, c.sets)
	return out
}

// fastConfig is the stock recipe with all waits shrunk to milliseconds, so a
// full simulated run finishes in well under a second.
func fastConfig() *config.File {
	return config.NewFileFromRaw(&config.Raw{
		PollInterval:  ptr.To(config.Duration(time.Millisecond)),
		ColdRamp:      ptr.To(config.Duration(time.Millisecond)),
		HotRamp:       ptr.To(config.Duration(time.Millisecond)),
		Dwell:         ptr.To(config.Duration(time.Millisecond)),
		SettleDelay:   ptr.To(config.Duration(time.Millisecond)),
		FlashDuration: ptr.To(config.Duration(time.Millisecond)),
	}, "")
}

func TestFullRunSimulated(t *testing.T) {
	conf := fastConfig()
	cham := &trackingChamber{current: 23}
	sup, transport := supply.NewMock("Keithley Instruments, 2230G-30-1, 9032591, 1.16")
	hub := events.NewEventHub()
	gate := cycle.NewGate()

	r := New(cham, sup, gate, nil, conf, hub)

	if err := r.Preflight(context.Background()); err != nil {
		t.Fatalf("preflight failed: %v", err)
	}

	// Keep the checkpoint gate fed: acknowledge whenever it goes pending.
	stopAck := make(chan struct{})
	var acks int
	var ackMu sync.Mutex
	go func() {
		for {
			select {
			case <-stopAck:
				return
			default:
			}
			if pending, _ := gate.Pending(); pending {
				if err := gate.Ack(); err == nil {
					ackMu.Lock()
					acks++
					ackMu.Unlock()
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stopAck)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st := r.Status()
	if !st.Finished {
		t.Fatalf("run not marked finished: %+v", st)
	}
	if st.Completed != conf.Cycles() {
		t.Fatalf("completed %d cycles, want %d", st.Completed, conf.Cycles())
	}
	if st.Phase != cycle.PhaseDone {
		t.Fatalf("final phase %q, want %q", st.Phase, cycle.PhaseDone)
	}

	ackMu.Lock()
	gotAcks := acks
	ackMu.Unlock()
	if gotAcks != 2 {
		t.Fatalf("expected 2 checkpoint acknowledgments (cold + hot hold), got %d", gotAcks)
	}

	// 8 cycles * 2 enables, plus 2 self-test flashes.
	if n := transport.CountCommands("source:outp on"); n != 18 {
		t.Fatalf("expected 18 output enables, got %d", n)
	}
	// Matching disables, plus the 2 unconditional teardown disables.
	if n := transport.CountCommands(":outp off"); n != 20 {
		t.Fatalf("expected 20 output disables, got %d", n)
	}

	// 8 cycles * 2 set-points, plus the teardown return to ambient.
	sets := cham.snapshot()
	if len(sets) != 17 {
		t.Fatalf("expected 17 chamber set-points, got %d: %v", len(sets), sets)
	}
	for i := 0; i < 16; i += 2 {
		if sets[i] != conf.ColdTarget() || sets[i+1] != conf.HotTarget() {
			t.Fatalf("cycle %d set-points = %v, %v; want %v, %v",
				i/2, sets[i], sets[i+1], conf.ColdTarget(), conf.HotTarget())
		}
	}
	if sets[16] != conf.AmbientTarget() {
		t.Fatalf("final set-point %v, want ambient %v", sets[16], conf.AmbientTarget())
	}
}

func TestPreflightRejectsWrongInstrument(t *testing.T) {
	conf := fastConfig()
	cham := &trackingChamber{current: 23}
	sup, _ := supply.NewMock("Rigol Technologies, DP832, DP8A000001, 00.01.16")
	hub := events.NewEventHub()

	r := New(cham, sup, nil, nil, conf, hub)

	if err := r.Preflight(context.Background()); err == nil {
		t.Fatalf("expected identity check to fail for a non-Keithley instrument")
	}
}

func TestPreflightProgramsBothChannels(t *testing.T) {
	raw := &config.Raw{
		SelfTest:      ptr.To(false),
		FlashDuration: ptr.To(config.Duration(time.Millisecond)),
		SettleDelay:   ptr.To(config.Duration(time.Millisecond)),
	}
	conf := config.NewFileFromRaw(raw, "")
	cham := &trackingChamber{current: 23}
	sup, transport := supply.NewMock("Keithley Instruments, 2230G-30-1, 9032591, 1.16")
	hub := events.NewEventHub()

	r := New(cham, sup, nil, nil, conf, hub)
	if err := r.Preflight(context.Background()); err != nil {
		t.Fatalf("preflight failed: %v", err)
	}

	cmds := transport.Commands()
	joined := strings.Join(cmds, "\n")
	for _, want := range []string{"inst:sel ch1", "source:volt 5V", "inst:sel ch2", "source:volt 10.25V"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("preflight did not send %q; commands:\n%s", want, joined)
		}
	}
	// Self-test disabled: nothing may have been switched on.
	if n := transport.CountCommands("source:outp on"); n != 0 {
		t.Fatalf("self-test disabled but outputs were enabled %d times", n)
	}
}

func TestSelfTestAbortLeavesOutputsOff(t *testing.T) {
	raw := &config.Raw{
		FlashDuration: ptr.To(config.Duration(10 * time.Second)), // long enough to cancel into
		SettleDelay:   ptr.To(config.Duration(time.Millisecond)),
	}
	conf := config.NewFileFromRaw(raw, "")
	cham := &trackingChamber{current: 23}
	sup, transport := supply.NewMock("Keithley Instruments, 2230G-30-1, 9032591, 1.16")
	hub := events.NewEventHub()

	r := New(cham, sup, nil, nil, conf, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Preflight(ctx) }()

	// Wait for the first flash to power ch1, then abort while it holds.
	deadline := time.After(5 * time.Second)
	for transport.CountCommands("source:outp on") == 0 {
		select {
		case <-deadline:
			t.Fatalf("self-test never enabled an output")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("aborted preflight did not return")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}

	// The powered channel must have been switched off on the way out.
	cmds := transport.Commands()
	lastOn, lastOff := -1, -1
	for i, c := range cmds {
		switch c {
		case "source:outp on":
			lastOn = i
		case ":outp off":
			lastOff = i
		}
	}
	if lastOff < lastOn {
		t.Fatalf("output left enabled after aborted self-test; commands: %v", cmds)
	}
}

func TestRunTimestampsUseInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))

	conf := fastConfig()
	cham := &failingChamber{}
	sup, _ := supply.NewMock("Keithley Instruments, 2230G-30-1, 9032591, 1.16")
	hub := events.NewEventHub()

	r := New(cham, sup, nil, mock, conf, hub)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	// The chamber fails on the first set-point, so the run errors out
	// before ever sleeping on the mock clock.
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected run to fail on the broken chamber")
	}

	if got := r.Status().StartedAt; !got.Equal(mock.Now()) {
		t.Fatalf("StartedAt %v, want mock clock time %v", got, mock.Now())
	}

	select {
	case ev := <-sub:
		pe, err := events.DecodeAs[events.PhaseEvent](ev)
		if err != nil {
			t.Fatalf("bad phase event: %v", err)
		}
		if pe.Ts != mock.Now().Unix() {
			t.Fatalf("event timestamp %d, want mock clock %d", pe.Ts, mock.Now().Unix())
		}
	case <-time.After(time.Second):
		t.Fatalf("no phase event published")
	}
}

type failingChamber struct{}

func (failingChamber) SetTemperature(float64) error { return errors.New("chamber offline") }
func (failingChamber) Temperature() (float64, error) {
	return 0, errors.New("chamber offline")
}

func TestRunCancelledStillTearsDown(t *testing.T) {
	raw := &config.Raw{
		PollInterval: ptr.To(config.Duration(time.Millisecond)),
		ColdRamp:     ptr.To(config.Duration(10 * time.Second)), // long enough to cancel into
		HotRamp:      ptr.To(config.Duration(time.Millisecond)),
		Dwell:        ptr.To(config.Duration(time.Millisecond)),
		SettleDelay:  ptr.To(config.Duration(time.Millisecond)),
	}
	conf := config.NewFileFromRaw(raw, "")
	cham := &trackingChamber{current: 23}
	sup, transport := supply.NewMock("Keithley Instruments, 2230G-30-1, 9032591, 1.16")
	hub := events.NewEventHub()

	r := New(cham, sup, nil, nil, conf, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Let it get into the first cold ramp, then abort.
	deadline := time.After(5 * time.Second)
	for transport.CountCommands("source:outp on") == 0 {
		select {
		case <-deadline:
			t.Fatalf("run never enabled an output")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancelled run to return an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled run did not return")
	}

	// Teardown must have disabled both channels and commanded ambient.
	if n := transport.CountCommands(":outp off"); n < 2 {
		t.Fatalf("expected at least 2 teardown disables, got %d", n)
	}
	sets := cham.snapshot()
	if len(sets) == 0 || sets[len(sets)-1] != conf.AmbientTarget() {
		t.Fatalf("last chamber set-point %v, want ambient %v", sets, conf.AmbientTarget())
	}
	st := r.Status()
	if st.Finished {
		t.Fatalf("cancelled run must not be marked finished")
	}
	if st.LastError == "" {
		t.Fatalf("cancelled run should record its error")
	}
}

func TestCompletedCounterMonotonic(t *testing.T) {
	conf := config.NewFileFromRaw(&config.Raw{
		PollInterval:    ptr.To(config.Duration(time.Millisecond)),
		ColdRamp:        ptr.To(config.Duration(time.Millisecond)),
		HotRamp:         ptr.To(config.Duration(time.Millisecond)),
		Dwell:           ptr.To(config.Duration(time.Millisecond)),
		SettleDelay:     ptr.To(config.Duration(time.Millisecond)),
		Cycles:          ptr.To(3),
		CheckpointCycle: ptr.To(-1), // no gate
	}, "")
	cham := &trackingChamber{current: 23}
	sup, _ := supply.NewMock("Keithley Instruments, 2230G-30-1, 9032591, 1.16")
	hub := events.NewEventHub()

	r := New(cham, sup, nil, nil, conf, hub)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	// The hub drops events for slow subscribers, so only assert that the
	// counter never goes backwards across whatever we do observe.
	last := 0
	timeout := time.After(10 * time.Second)
loop:
	for {
		select {
		case ev := <-sub:
			if ev.Name != events.RunCycle {
				continue
			}
			ce, err := events.DecodeAs[events.CycleEvent](ev)
			if err != nil {
				t.Fatalf("bad cycle event: %v", err)
			}
			if ce.Completed <= last {
				t.Fatalf("completed went from %d to %d", last, ce.Completed)
			}
			last = ce.Completed
			if ce.Completed == ce.Target {
				break loop
			}
		case err := <-done:
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			break loop
		case <-timeout:
			t.Fatalf("run did not finish, last observed completed=%d", last)
		}
	}

	if got := r.Status().Completed; got != 3 {
		t.Fatalf("final completed %d, want 3", got)
	}
}

// Package run orchestrates a full conditioning run: preflight validation of
// both instruments, the N-cycle loop, and teardown that leaves the hardware
// in a safe state.
package run

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tvaclab/peltcycle/pkg/config"
	"github.com/tvaclab/peltcycle/pkg/cycle"
	"github.com/tvaclab/peltcycle/pkg/events"
	"github.com/tvaclab/peltcycle/pkg/supply"
)

// Supply is the full supply surface the runner needs. *supply.Client
// satisfies it; tests substitute mocks.
type Supply interface {
	cycle.Supply
	Identify(expect string) (string, error)
	ConfigureChannel(ch supply.Channel) (volts, amps string, err error)
}

// State is a snapshot of run progress, served over the status API.
type State struct {
	Completed    int         `json:"completed"`
	Target       int         `json:"target"`
	CurrentCycle int         `json:"currentCycle"`
	Phase        cycle.Phase `json:"phase"`
	StartedAt    time.Time   `json:"startedAt"`
	Finished     bool        `json:"finished"`
	LastError    string      `json:"lastError,omitempty"`
}

// StatusResponse is the full status served over the daemon API: run
// progress plus the checkpoint gate state. Shared with pkg/client so the
// JSON contract has one definition.
type StatusResponse struct {
	State
	CheckpointPending bool   `json:"checkpointPending"`
	CheckpointMessage string `json:"checkpointMessage,omitempty"`
}

// Runner owns both instrument clients for the lifetime of a run and drives
// the cycle controller sequentially. Cycles never overlap; the thermal
// process is physically serial.
type Runner struct {
	chamber    cycle.Chamber
	supply     Supply
	checkpoint cycle.Checkpoint
	clk        clock.Clock
	conf       config.Config
	hub        *events.EventHub

	mu    sync.Mutex
	state State
}

func New(ch cycle.Chamber, sp Supply, cp cycle.Checkpoint, clk clock.Clock, conf config.Config, hub *events.EventHub) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		chamber:    ch,
		supply:     sp,
		checkpoint: cp,
		clk:        clk,
		conf:       conf,
		hub:        hub,
		state: State{
			Target: conf.Cycles(),
			Phase:  cycle.PhaseIdle,
		},
	}
}

// Status returns a copy of the current run state.
func (r *Runner) Status() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Preflight validates the supply identity and programs both Peltier
// channels, then optionally flashes each output briefly to confirm wiring
// before hours of cycling begin. Any failure here is terminal; nothing has
// been heated or cooled yet.
func (r *Runner) Preflight(ctx context.Context) error {
	id, err := r.supply.Identify(r.conf.SupplyIdentity())
	if err != nil {
		return pkgerrors.Wrap(err, "supply identity check failed")
	}
	logrus.WithField("identity", id).Info("power supply accepted")

	channels := []supply.Channel{
		{ID: r.conf.ColdChannelID(), Voltage: r.conf.ColdVoltage(), CurrentLimit: r.conf.CurrentLimit()},
		{ID: r.conf.HotChannelID(), Voltage: r.conf.HotVoltage(), CurrentLimit: r.conf.CurrentLimit()},
	}
	for _, ch := range channels {
		volts, amps, err := r.supply.ConfigureChannel(ch)
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to configure ch%d", ch.ID)
		}
		logrus.WithFields(logrus.Fields{
			"channel": ch.ID,
			"volts":   volts,
			"amps":    amps,
		}).Info("channel read-back")
	}

	if r.conf.SelfTest() {
		logrus.Info("self-test: flashing both channels")
		for _, ch := range channels {
			if err := r.flash(ctx, ch.ID); err != nil {
				return pkgerrors.Wrapf(err, "self-test failed on ch%d", ch.ID)
			}
		}
	}

	return nil
}

// flash briefly enables an output and disables it again, with the settle
// delay after disable. Once the output is live the disable always runs, so
// an abort mid-flash cannot leave the channel powered.
func (r *Runner) flash(ctx context.Context, id int) error {
	if err := r.supply.EnableOutput(id); err != nil {
		return err
	}
	sleepErr := r.sleep(ctx, r.conf.FlashDuration())
	if err := r.supply.DisableOutput(id); err != nil {
		if sleepErr != nil {
			return sleepErr
		}
		return err
	}
	if sleepErr != nil {
		return sleepErr
	}
	return r.sleep(ctx, r.conf.SettleDelay())
}

// Run executes all cycles sequentially. The completed counter only ever
// increments, and the loop ends exactly when it reaches the configured cycle
// count. Teardown always runs, whether the run completed, failed, or was
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ctl := cycle.New(r.chamber, r.supply, r.checkpoint, r.clk, cycle.Params{
		ColdTarget:      r.conf.ColdTarget(),
		HotTarget:       r.conf.HotTarget(),
		Tolerance:       r.conf.Tolerance(),
		ColdChannel:     r.conf.ColdChannelID(),
		HotChannel:      r.conf.HotChannelID(),
		PollInterval:    r.conf.PollInterval(),
		ColdRamp:        r.conf.ColdRamp(),
		HotRamp:         r.conf.HotRamp(),
		Dwell:           r.conf.Dwell(),
		SettleDelay:     r.conf.SettleDelay(),
		CheckpointCycle: r.conf.CheckpointCycle(),
	})
	ctl.OnPhase(func(index int, from, to cycle.Phase) {
		r.mu.Lock()
		r.state.Phase = to
		r.mu.Unlock()
		r.hub.Publish(events.RunPhase, events.PhaseEvent{
			Cycle: index,
			From:  string(from),
			To:    string(to),
			Ts:    r.clk.Now().Unix(),
		})
	})

	r.mu.Lock()
	r.state.StartedAt = r.clk.Now()
	r.mu.Unlock()

	defer r.teardown()

	total := r.conf.Cycles()
	for i := 0; i < total; i++ {
		logrus.WithFields(logrus.Fields{
			"cycle":     i,
			"completed": r.Status().Completed,
			"target":    total,
		}).Info("starting thermal cycle")

		r.mu.Lock()
		r.state.CurrentCycle = i
		r.mu.Unlock()

		if err := ctl.Run(ctx, i); err != nil {
			r.mu.Lock()
			r.state.LastError = err.Error()
			r.mu.Unlock()
			return pkgerrors.Wrapf(err, "conditioning aborted during cycle %d", i)
		}

		r.mu.Lock()
		r.state.Completed++
		completed := r.state.Completed
		r.mu.Unlock()

		r.hub.Publish(events.RunCycle, events.CycleEvent{
			Completed: completed,
			Target:    total,
			Ts:        r.clk.Now().Unix(),
		})
	}

	r.mu.Lock()
	r.state.Finished = true
	r.mu.Unlock()

	logrus.WithField("cycles", total).Info("all cycles completed, conditioning over")
	return nil
}

// teardown leaves the hardware safe: both outputs off and the chamber
// commanded back to ambient. Runs whether the loop completed, failed, or
// was cancelled.
func (r *Runner) teardown() {
	logrus.Info("teardown: disabling outputs and returning chamber to ambient")

	for _, id := range []int{r.conf.ColdChannelID(), r.conf.HotChannelID()} {
		if err := r.supply.DisableOutput(id); err != nil {
			logrus.WithError(err).Errorf("teardown: failed to disable ch%d", id)
		}
	}

	if err := r.chamber.SetTemperature(r.conf.AmbientTarget()); err != nil {
		logrus.WithError(err).Error("teardown: failed to return chamber to ambient")
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := r.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

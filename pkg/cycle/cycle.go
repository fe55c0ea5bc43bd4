// Package cycle implements the state machine for one thermal cycle: bring
// the chamber to the cold target, hold with the cold Peltier channel driven,
// then the same on the hot side. The conditioning run invokes it once per
// cycle index.
package cycle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Phase is the current step of a cycle.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseSettingCold Phase = "SettingCold"
	PhaseWaitingCold Phase = "WaitingCold"
	PhaseHoldingCold Phase = "HoldingCold"
	PhaseSettingHot  Phase = "SettingHot"
	PhaseWaitingHot  Phase = "WaitingHot"
	PhaseHoldingHot  Phase = "HoldingHot"
	PhaseDone        Phase = "Done"
)

// Chamber is the slice of the chamber client a cycle needs.
type Chamber interface {
	Temperature() (float64, error)
	SetTemperature(target float64) error
}

// Supply is the slice of the supply client a cycle needs.
type Supply interface {
	EnableOutput(id int) error
	DisableOutput(id int) error
}

// Params are the per-run constants of the state machine.
type Params struct {
	ColdTarget float64
	HotTarget  float64
	// Tolerance is the acceptance band around a target: a chamber reading
	// within +/- Tolerance counts as reached. The chamber's read-back
	// jitters, so exact equality would stall the wait loops.
	Tolerance float64

	ColdChannel int
	HotChannel  int

	PollInterval time.Duration
	ColdRamp     time.Duration
	HotRamp      time.Duration
	Dwell        time.Duration
	// SettleDelay is the wait after disabling a channel before anything
	// else may enable the other one, letting output voltage decay to zero.
	SettleDelay time.Duration

	// CheckpointCycle is the 0-based cycle index on which both hold phases
	// block for operator acknowledgment before switching off.
	CheckpointCycle int
}

// PhaseFunc is notified on every phase transition.
type PhaseFunc func(cycleIndex int, from, to Phase)

// Controller runs single cycles. Cycles are inherently sequential; the
// controller holds no per-cycle state between Run calls beyond the reported
// phase.
type Controller struct {
	chamber    Chamber
	supply     Supply
	checkpoint Checkpoint
	clk        clock.Clock
	params     Params

	onPhase PhaseFunc

	mu    sync.Mutex
	phase Phase
}

func New(ch Chamber, sp Supply, cp Checkpoint, clk clock.Clock, params Params) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if cp == nil {
		cp = NopCheckpoint{}
	}
	return &Controller{
		chamber:    ch,
		supply:     sp,
		checkpoint: cp,
		clk:        clk,
		params:     params,
		phase:      PhaseIdle,
	}
}

// OnPhase registers a phase-transition callback. Must be called before Run.
func (c *Controller) OnPhase(fn PhaseFunc) {
	c.onPhase = fn
}

// Phase returns the phase the controller most recently entered.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// half describes one polarity of a cycle. The cold and hot sides run the
// same steps with different constants.
type half struct {
	name    string
	target  float64
	channel int
	ramp    time.Duration
	setting Phase
	waiting Phase
	holding Phase
	prompt  string
}

// Run executes cycle index (0-based) from SettingCold through Done. Any
// instrument error is fatal to the cycle and is returned wrapped; the caller
// decides whether the run survives (it does not). Cancelling ctx aborts at
// the next suspension point.
func (c *Controller) Run(ctx context.Context, index int) error {
	halves := []half{
		{
			name:    "cold",
			target:  c.params.ColdTarget,
			channel: c.params.ColdChannel,
			ramp:    c.params.ColdRamp,
			setting: PhaseSettingCold,
			waiting: PhaseWaitingCold,
			holding: PhaseHoldingCold,
			prompt:  "Last cycle, COLD state: take the S-parameter measurements, then acknowledge to continue.",
		},
		{
			name:    "hot",
			target:  c.params.HotTarget,
			channel: c.params.HotChannel,
			ramp:    c.params.HotRamp,
			setting: PhaseSettingHot,
			waiting: PhaseWaitingHot,
			holding: PhaseHoldingHot,
			prompt:  "Last cycle, HOT state: take the S-parameter measurements, then acknowledge to continue.",
		},
	}

	for _, h := range halves {
		if err := c.runHalf(ctx, index, h); err != nil {
			return err
		}
	}

	c.setPhase(index, PhaseDone)
	return nil
}

func (c *Controller) runHalf(ctx context.Context, index int, h half) error {
	log := logrus.WithFields(logrus.Fields{
		"cycle": index,
		"side":  h.name,
	})

	c.setPhase(index, h.setting)
	if err := c.chamber.SetTemperature(h.target); err != nil {
		return pkgerrors.Wrapf(err, "cycle %d: failed to set %s target", index, h.name)
	}

	c.setPhase(index, h.waiting)
	if err := c.waitForTemperature(ctx, log, h.target); err != nil {
		return pkgerrors.Wrapf(err, "cycle %d: failed waiting for %s target", index, h.name)
	}

	c.setPhase(index, h.holding)
	log.Info("chamber at target, engaging peltier channel")
	if err := c.supply.EnableOutput(h.channel); err != nil {
		return pkgerrors.Wrapf(err, "cycle %d: failed to enable ch%d", index, h.channel)
	}

	// Ramp: open-loop wait for the Peltier stack to approach its skin
	// temperature. There is no DUT sensor, so this is time-based.
	log.WithField("ramp", h.ramp.String()).Info("waiting for peltier ramp")
	if err := c.sleep(ctx, h.ramp); err != nil {
		return err
	}

	log.WithField("dwell", c.params.Dwell.String()).Info("holding for dwell time")
	if err := c.sleep(ctx, c.params.Dwell); err != nil {
		return err
	}

	if index == c.params.CheckpointCycle {
		log.Info("checkpoint cycle, waiting for operator acknowledgment")
		if err := c.checkpoint.Wait(ctx, h.prompt); err != nil {
			return pkgerrors.Wrapf(err, "cycle %d: checkpoint interrupted", index)
		}
	}

	if err := c.supply.DisableOutput(h.channel); err != nil {
		return pkgerrors.Wrapf(err, "cycle %d: failed to disable ch%d", index, h.channel)
	}
	// Let the output voltage decay fully before the other channel may be
	// enabled.
	if err := c.sleep(ctx, c.params.SettleDelay); err != nil {
		return err
	}

	return nil
}

// waitForTemperature polls the chamber until it reads within the tolerance
// band of target. There is deliberately no overall timeout: thermal settling
// time is unbounded and externally supervised. The loop checks before it
// sleeps, so a chamber already at target costs no wait.
func (c *Controller) waitForTemperature(ctx context.Context, log *logrus.Entry, target float64) error {
	for {
		reading, err := c.chamber.Temperature()
		if err != nil {
			return err
		}
		if inBand(reading, target, c.params.Tolerance) {
			log.WithFields(logrus.Fields{
				"reading": reading,
				"target":  target,
			}).Info("chamber reached target")
			return nil
		}
		log.WithFields(logrus.Fields{
			"reading": reading,
			"target":  target,
		}).Debug("chamber not at target yet")

		if err := c.sleep(ctx, c.params.PollInterval); err != nil {
			return err
		}
	}
}

func inBand(reading, target, tolerance float64) bool {
	return math.Abs(reading-target) <= tolerance
}

// sleep blocks for d on the controller's clock, or until ctx is cancelled.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Controller) setPhase(index int, to Phase) {
	c.mu.Lock()
	from := c.phase
	c.phase = to
	c.mu.Unlock()

	if c.onPhase != nil {
		c.onPhase(index, from, to)
	}
}

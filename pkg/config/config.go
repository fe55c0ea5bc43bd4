package config

import "time"

// Config exposes every operational parameter of a conditioning run. These
// values were hardcoded in the original lab script; keeping them in a config
// file means a different DUT only needs a different file, not a rebuild.
type Config interface {
	// Chamber.
	ChamberAddress() string
	ChamberTimeout() time.Duration
	QueryMaxRetries() int

	// Supply.
	SupplyResource() string
	SupplyIdentity() string

	// Temperatures, degrees Celsius.
	ColdTarget() float64
	HotTarget() float64
	AmbientTarget() float64
	Tolerance() float64

	// Peltier channels.
	ColdChannelID() int
	HotChannelID() int
	ColdVoltage() float64
	HotVoltage() float64
	CurrentLimit() string

	// Timing.
	PollInterval() time.Duration
	ColdRamp() time.Duration
	HotRamp() time.Duration
	Dwell() time.Duration
	SettleDelay() time.Duration
	FlashDuration() time.Duration

	// Run shape.
	Cycles() int
	CheckpointCycle() int
	SelfTest() bool

	AllowNonRootAccess() bool

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

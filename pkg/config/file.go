package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tvaclab/peltcycle/pkg/utils/ptr"
)

// defaultRaw is the recipe the original conditioning script hardcoded for the
// SXA power splitter: 8 cold/hot cycles between -40 degC and 0 degC ambient,
// 5 V on the cold Peltier channel and 10.25 V on the hot one.
var defaultRaw = &Raw{
	ChamberAddress:  ptr.To("10.10.21.238:2049"),
	ChamberTimeout:  ptr.To(Duration(5 * time.Second)),
	QueryMaxRetries: ptr.To(4),

	SupplyResource: ptr.To("USB0::0x05E6::0x2230::9032591::INSTR"),
	SupplyIdentity: ptr.To("Keithley"),

	ColdTarget:    ptr.To(-40.0),
	HotTarget:     ptr.To(0.0),
	AmbientTarget: ptr.To(20.0),
	Tolerance:     ptr.To(0.5),

	ColdChannelID: ptr.To(1),
	HotChannelID:  ptr.To(2),
	ColdVoltage:   ptr.To(5.0),
	HotVoltage:    ptr.To(10.25),
	CurrentLimit:  ptr.To("MAX"),

	PollInterval:  ptr.To(Duration(30 * time.Second)),
	ColdRamp:      ptr.To(Duration(20 * time.Minute)),
	HotRamp:       ptr.To(Duration(15 * time.Minute)),
	Dwell:         ptr.To(Duration(time.Hour)),
	SettleDelay:   ptr.To(Duration(2 * time.Second)),
	FlashDuration: ptr.To(Duration(time.Second)),

	Cycles:          ptr.To(8),
	CheckpointCycle: ptr.To(7),
	SelfTest:        ptr.To(true),

	AllowNonRootAccess: ptr.To(false),
}

// Raw is the on-disk form of the configuration. All fields are pointers so a
// partial file is valid: unset fields fall back to the defaults above.
type Raw struct {
	ChamberAddress  *string   `json:"chamberAddress,omitempty"`
	ChamberTimeout  *Duration `json:"chamberTimeout,omitempty"`
	QueryMaxRetries *int      `json:"queryMaxRetries,omitempty"`

	SupplyResource *string `json:"supplyResource,omitempty"`
	SupplyIdentity *string `json:"supplyIdentity,omitempty"`

	ColdTarget    *float64 `json:"coldTarget,omitempty"`
	HotTarget     *float64 `json:"hotTarget,omitempty"`
	AmbientTarget *float64 `json:"ambientTarget,omitempty"`
	Tolerance     *float64 `json:"tolerance,omitempty"`

	ColdChannelID *int     `json:"coldChannelId,omitempty"`
	HotChannelID  *int     `json:"hotChannelId,omitempty"`
	ColdVoltage   *float64 `json:"coldVoltage,omitempty"`
	HotVoltage    *float64 `json:"hotVoltage,omitempty"`
	CurrentLimit  *string  `json:"currentLimit,omitempty"`

	PollInterval  *Duration `json:"pollInterval,omitempty"`
	ColdRamp      *Duration `json:"coldRamp,omitempty"`
	HotRamp       *Duration `json:"hotRamp,omitempty"`
	Dwell         *Duration `json:"dwell,omitempty"`
	SettleDelay   *Duration `json:"settleDelay,omitempty"`
	FlashDuration *Duration `json:"flashDuration,omitempty"`

	Cycles          *int  `json:"cycles,omitempty"`
	CheckpointCycle *int  `json:"checkpointCycle,omitempty"`
	SelfTest        *bool `json:"selfTest,omitempty"`

	AllowNonRootAccess *bool `json:"allowNonRootAccess,omitempty"`
}

var _ Config = &File{}

// File is a Config backed by a JSON file.
type File struct {
	c        *Raw
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	if err := f.Load(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFileFromRaw wraps an in-memory Raw, mainly for tests. A nil raw means
// all defaults.
func NewFileFromRaw(c *Raw, configPath string) *File {
	if c == nil {
		c = &Raw{}
	}
	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// value returns *field if set, otherwise the corresponding default.
func value[T any](f *File, field func(*Raw) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if p := field(f.c); p != nil {
		return *p
	}
	return *field(defaultRaw)
}

func (f *File) ChamberAddress() string {
	return value(f, func(r *Raw) *string { return r.ChamberAddress })
}

func (f *File) ChamberTimeout() time.Duration {
	return value(f, func(r *Raw) *Duration { return r.ChamberTimeout }).Duration()
}

func (f *File) QueryMaxRetries() int {
	// A negative value in the file would wrap to a huge retry budget when
	// converted to uint64 downstream; treat it as "no retries".
	n := value(f, func(r *Raw) *int { return r.QueryMaxRetries })
	if n < 0 {
		return 0
	}
	return n
}

func (f *File) SupplyResource() string {
	return value(f, func(r *Raw) *string { return r.SupplyResource })
}

func (f *File) SupplyIdentity() string {
	return value(f, func(r *Raw) *string { return r.SupplyIdentity })
}

func (f *File) ColdTarget() float64 {
	return value(f, func(r *Raw) *float64 { return r.ColdTarget })
}

func (f *File) HotTarget() float64 {
	return value(f, func(r *Raw) *float64 { return r.HotTarget })
}

func (f *File) AmbientTarget() float64 {
	return value(f, func(r *Raw) *float64 { return r.AmbientTarget })
}

func (f *File) Tolerance() float64 {
	return value(f, func(r *Raw) *float64 { return r.Tolerance })
}

func (f *File) ColdChannelID() int {
	return value(f, func(r *Raw) *int { return r.ColdChannelID })
}

func (f *File) HotChannelID() int {
	return value(f, func(r *Raw) *int { return r.HotChannelID })
}

func (f *File) ColdVoltage() float64 {
	return value(f, func(r *Raw) *float64 { return r.ColdVoltage })
}

func (f *File) HotVoltage() float64 {
	return value(f, func(r *Raw) *float64 { return r.HotVoltage })
}

func (f *File) CurrentLimit() string {
	return value(f, func(r *Raw) *string { return r.CurrentLimit })
}

func (f *File) PollInterval() time.Duration {
	return value(f, func(r *Raw) *Duration { return r.PollInterval }).Duration()
}

func (f *File) ColdRamp() time.Duration {
	return value(f, func(r *Raw) *Duration { return r.ColdRamp }).Duration()
}

func (f *File) HotRamp() time.Duration {
	return value(f, func(r *Raw) *Duration { return r.HotRamp }).Duration()
}

func (f *File) Dwell() time.Duration {
	return value(f, func(r *Raw) *Duration { return r.Dwell }).Duration()
}

func (f *File) SettleDelay() time.Duration {
	return value(f, func(r *Raw) *Duration { return r.SettleDelay }).Duration()
}

func (f *File) FlashDuration() time.Duration {
	return value(f, func(r *Raw) *Duration { return r.FlashDuration }).Duration()
}

func (f *File) Cycles() int {
	return value(f, func(r *Raw) *int { return r.Cycles })
}

func (f *File) CheckpointCycle() int {
	return value(f, func(r *Raw) *int { return r.CheckpointCycle })
}

func (f *File) SelfTest() bool {
	return value(f, func(r *Raw) *bool { return r.SelfTest })
}

func (f *File) AllowNonRootAccess() bool {
	return value(f, func(r *Raw) *bool { return r.AllowNonRootAccess })
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, run with defaults.
			// Do not make f.c a nil.
			f.c = &Raw{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		if err := fp.Close(); err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &Raw{}
		return nil
	}

	conf := Raw{}
	if err := json.Unmarshal(b, &conf); err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		if err := fp.Close(); err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f.c); err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

// Snapshot returns the fully-resolved configuration (defaults applied), for
// the HTTP config endpoint.
func (f *File) Snapshot() *Raw {
	return &Raw{
		ChamberAddress:     ptr.To(f.ChamberAddress()),
		ChamberTimeout:     ptr.To(Duration(f.ChamberTimeout())),
		QueryMaxRetries:    ptr.To(f.QueryMaxRetries()),
		SupplyResource:     ptr.To(f.SupplyResource()),
		SupplyIdentity:     ptr.To(f.SupplyIdentity()),
		ColdTarget:         ptr.To(f.ColdTarget()),
		HotTarget:          ptr.To(f.HotTarget()),
		AmbientTarget:      ptr.To(f.AmbientTarget()),
		Tolerance:          ptr.To(f.Tolerance()),
		ColdChannelID:      ptr.To(f.ColdChannelID()),
		HotChannelID:       ptr.To(f.HotChannelID()),
		ColdVoltage:        ptr.To(f.ColdVoltage()),
		HotVoltage:         ptr.To(f.HotVoltage()),
		CurrentLimit:       ptr.To(f.CurrentLimit()),
		PollInterval:       ptr.To(Duration(f.PollInterval())),
		ColdRamp:           ptr.To(Duration(f.ColdRamp())),
		HotRamp:            ptr.To(Duration(f.HotRamp())),
		Dwell:              ptr.To(Duration(f.Dwell())),
		SettleDelay:        ptr.To(Duration(f.SettleDelay())),
		FlashDuration:      ptr.To(Duration(f.FlashDuration())),
		Cycles:             ptr.To(f.Cycles()),
		CheckpointCycle:    ptr.To(f.CheckpointCycle()),
		SelfTest:           ptr.To(f.SelfTest()),
		AllowNonRootAccess: ptr.To(f.AllowNonRootAccess()),
	}
}

func (f *File) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"chamberAddress": f.ChamberAddress(),
		"supplyResource": f.SupplyResource(),
		"coldTarget":     f.ColdTarget(),
		"hotTarget":      f.HotTarget(),
		"coldVoltage":    f.ColdVoltage(),
		"hotVoltage":     f.HotVoltage(),
		"cycles":         f.Cycles(),
		"checkpoint":     f.CheckpointCycle(),
		"pollInterval":   f.PollInterval().String(),
		"dwell":          f.Dwell().String(),
	}
}

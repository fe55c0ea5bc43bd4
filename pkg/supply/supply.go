// Package supply drives the dual-channel power supply that feeds the Peltier
// stacks. It speaks the instrument's SCPI-style text commands through an
// opaque Transport, so the same client works against a VISA layer, a raw
// LXI socket, or the in-package mock.
package supply

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDeviceNotFound is returned when no instrument answers at the
	// requested resource identifier.
	ErrDeviceNotFound = errors.New("power supply not found")

	// ErrUnexpectedDevice is returned when the instrument at the resource
	// identifies as something other than the expected vendor. Guards
	// against wiring the wrong box into the Peltier stack.
	ErrUnexpectedDevice = errors.New("connected instrument is not the expected device")
)

// Transport is the low-level instrument channel. Command encoding and
// framing (USB/VISA, raw TCP) live behind this boundary.
type Transport interface {
	// Write sends a command that produces no response.
	Write(cmd string) error
	// Query sends a command and returns the instrument's response.
	Query(cmd string) (string, error)
	Close() error
}

// Channel is the static configuration of one output channel. The two
// instances map to the two Peltier polarities: cold and hot.
type Channel struct {
	ID           int
	Voltage      float64
	CurrentLimit string // "MAX" or an ampere value like "1.5"
}

// Client wraps a Transport with the operations the conditioning run needs.
// Not safe for concurrent use; the run owns it exclusively.
type Client struct {
	t        Transport
	resource string
}

// Open connects to the instrument at the given resource identifier.
// Network resources ("host:port") are dialed directly; anything else is
// expected to be handled by a VISA-capable Transport via New.
func Open(resource string) (*Client, error) {
	t, err := openTransport(resource)
	if err != nil {
		return nil, pkgerrors.Wrapf(ErrDeviceNotFound, "no instrument at %s: %v", resource, err)
	}
	logrus.WithField("resource", resource).Info("connected to power supply")
	return New(t, resource), nil
}

// New wraps an existing transport.
func New(t Transport, resource string) *Client {
	return &Client{t: t, resource: resource}
}

func (c *Client) Close() error {
	return c.t.Close()
}

// Identify issues *IDN? and checks the response for the expected vendor
// marker (e.g. "Keithley").
func (c *Client) Identify(expect string) (string, error) {
	id, err := c.query("*IDN?")
	if err != nil {
		return "", pkgerrors.Wrap(err, "identity query failed")
	}
	id = strings.TrimSpace(id)

	if !strings.Contains(id, expect) {
		return id, pkgerrors.Wrapf(ErrUnexpectedDevice, "wanted %q in identity, got %q", expect, id)
	}

	logrus.WithField("identity", id).Info("power supply identity verified")
	return id, nil
}

// ConfigureChannel selects the channel, forces its output off, programs
// voltage and current limit, and returns the instrument's own read-back of
// both for confirmation.
func (c *Client) ConfigureChannel(ch Channel) (volts string, amps string, err error) {
	if err := c.selectChannel(ch.ID); err != nil {
		return "", "", err
	}

	// Idempotent safety reset: never program a live output.
	if err := c.write("source:outp:enab off"); err != nil {
		return "", "", pkgerrors.Wrapf(err, "failed to disable ch%d before configuring", ch.ID)
	}
	if err := c.write(fmt.Sprintf("source:volt %gV", ch.Voltage)); err != nil {
		return "", "", pkgerrors.Wrapf(err, "failed to set ch%d voltage", ch.ID)
	}
	limit := ch.CurrentLimit
	if limit == "" {
		limit = "MAX"
	}
	if err := c.write("source:curr " + limit); err != nil {
		return "", "", pkgerrors.Wrapf(err, "failed to set ch%d current limit", ch.ID)
	}

	volts, err = c.query("source:volt?")
	if err != nil {
		return "", "", pkgerrors.Wrapf(err, "failed to read back ch%d voltage", ch.ID)
	}
	amps, err = c.query("source:curr?")
	if err != nil {
		return "", "", pkgerrors.Wrapf(err, "failed to read back ch%d current", ch.ID)
	}

	logrus.WithFields(logrus.Fields{
		"channel": ch.ID,
		"volts":   strings.TrimSpace(volts),
		"amps":    strings.TrimSpace(amps),
	}).Info("channel configured")

	return strings.TrimSpace(volts), strings.TrimSpace(amps), nil
}

// EnableOutput turns the given channel's output stage on.
func (c *Client) EnableOutput(id int) error {
	if err := c.selectChannel(id); err != nil {
		return err
	}
	if err := c.write("source:outp:enab on"); err != nil {
		return pkgerrors.Wrapf(err, "failed to enable ch%d output stage", id)
	}
	if err := c.write("source:outp on"); err != nil {
		return pkgerrors.Wrapf(err, "failed to engage ch%d output", id)
	}
	logrus.WithField("channel", id).Info("output enabled")
	return nil
}

// DisableOutput turns the given channel's output stage off. The caller must
// wait the settle delay before enabling the other channel, so the output
// voltage has decayed to zero; that is a cross-channel invariant the client
// cannot enforce on its own.
func (c *Client) DisableOutput(id int) error {
	if err := c.selectChannel(id); err != nil {
		return err
	}
	if err := c.write("source:outp:enab off"); err != nil {
		return pkgerrors.Wrapf(err, "failed to disable ch%d output stage", id)
	}
	if err := c.write(":outp off"); err != nil {
		return pkgerrors.Wrapf(err, "failed to disengage ch%d output", id)
	}
	logrus.WithField("channel", id).Info("output disabled")
	return nil
}

func (c *Client) selectChannel(id int) error {
	if id != 1 && id != 2 {
		return pkgerrors.Errorf("invalid channel id %d, supply has channels 1 and 2", id)
	}
	if err := c.write(fmt.Sprintf("inst:sel ch%d", id)); err != nil {
		return pkgerrors.Wrapf(err, "failed to select ch%d", id)
	}
	return nil
}

func (c *Client) write(cmd string) error {
	logrus.WithField("cmd", cmd).Trace("supply write")
	return c.t.Write(cmd)
}

func (c *Client) query(cmd string) (string, error) {
	logrus.WithField("cmd", cmd).Trace("supply query")
	resp, err := c.t.Query(cmd)
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"cmd": cmd, "resp": strings.TrimSpace(resp)}).Trace("supply response")
	return resp, nil
}

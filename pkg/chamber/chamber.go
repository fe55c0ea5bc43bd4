// Package chamber speaks the climatic chamber's textual request/response
// protocol over a TCP stream. The chamber answers a status request with a
// space-delimited line whose second token is the current air temperature, and
// accepts a set-point command carrying a fixed ramp/control profile suffix.
package chamber

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrWrongPeer is returned when the established connection does not
	// terminate at the requested address. The chambers share a lab network
	// with other equipment, so this is checked rather than assumed.
	ErrWrongPeer = errors.New("connected peer does not match requested chamber address")

	// ErrProtocol is returned when the chamber's response cannot be parsed.
	ErrProtocol = errors.New("malformed chamber response")
)

const (
	statusRequest = "$01I \r"

	// setCommandSuffix is the ramp/control profile the chamber firmware
	// expects after the target temperature. Its meaning is undocumented;
	// it is preserved byte-for-byte from the known-working recipe.
	setCommandSuffix = " 10 100 1200 010000000000000000000 \r"

	responseBufSize = 4096
)

// Client is a connected chamber control channel. It is not safe for
// concurrent use; the conditioning run owns it exclusively.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	// MaxQueryRetries bounds the retry-with-backoff around temperature
	// queries, so a poll loop survives a transient socket hiccup without
	// stalling forever on a dead link.
	MaxQueryRetries uint64
}

// Dial connects to the chamber at address ("host:port") and verifies the
// peer is actually the requested one.
func Dial(address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to chamber at %s", address)
	}

	want, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		_ = conn.Close()
		return nil, pkgerrors.Wrapf(err, "failed to resolve chamber address %s", address)
	}
	if got := conn.RemoteAddr().String(); got != want.String() {
		_ = conn.Close()
		return nil, pkgerrors.Wrapf(ErrWrongPeer, "wanted %s, got %s", want, got)
	}

	logrus.WithField("address", conn.RemoteAddr().String()).Info("connected to climatic chamber")

	return NewClientWithConn(conn, timeout), nil
}

// NewClientWithConn wraps an existing connection. Used by Dial and by tests
// that substitute an in-memory pipe for a real chamber.
func NewClientWithConn(conn net.Conn, timeout time.Duration) *Client {
	return &Client{
		conn:            conn,
		timeout:         timeout,
		MaxQueryRetries: 4,
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Temperature asks the chamber for its current temperature. Transient I/O
// failures are retried with exponential backoff up to MaxQueryRetries;
// malformed responses are not retried.
func (c *Client) Temperature() (float64, error) {
	var temp float64
	op := func() error {
		t, err := c.queryOnce()
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				return backoff.Permanent(err)
			}
			logrus.WithError(err).Warn("chamber query failed, retrying")
			return err
		}
		temp = t
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxQueryRetries)
	if err := backoff.Retry(op, b); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to query chamber temperature")
	}
	return temp, nil
}

func (c *Client) queryOnce() (float64, error) {
	resp, err := c.roundTrip(statusRequest)
	if err != nil {
		return 0, err
	}

	tokens := strings.Fields(resp)
	if len(tokens) < 2 {
		return 0, pkgerrors.Wrapf(ErrProtocol, "expected at least 2 tokens, got %q", resp)
	}
	temp, err := strconv.ParseFloat(tokens[1], 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(ErrProtocol, "non-numeric temperature field %q", tokens[1])
	}

	logrus.WithField("temperature", temp).Trace("chamber temperature read")
	return temp, nil
}

// SetTemperature commands the chamber to the target temperature in degrees
// Celsius. The chamber acknowledges the command long before it physically
// settles, so the immediate read-back is best-effort verification only: a
// mismatch is logged, never an error.
func (c *Client) SetTemperature(target float64) error {
	logrus.WithField("target", target).Info("setting chamber temperature")

	msg := "$01E " + FormatTemperature(target) + setCommandSuffix
	if err := c.write(msg); err != nil {
		return pkgerrors.Wrapf(err, "failed to send chamber set-point %s", FormatTemperature(target))
	}

	readback, err := c.Temperature()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read back chamber temperature after set")
	}
	if readback == target {
		logrus.WithField("target", target).Info("chamber set-point confirmed")
	} else {
		logrus.WithFields(logrus.Fields{
			"target":   target,
			"readback": readback,
		}).Warn("chamber read-back differs from set-point (not settled yet)")
	}

	return nil
}

func (c *Client) roundTrip(msg string) (string, error) {
	if err := c.write(msg); err != nil {
		return "", err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", pkgerrors.Wrap(err, "failed to set read deadline")
	}
	buf := make([]byte, responseBufSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to read chamber response")
	}
	return string(buf[:n]), nil
}

func (c *Client) write(msg string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return pkgerrors.Wrap(err, "failed to set write deadline")
	}
	if _, err := c.conn.Write([]byte(msg)); err != nil {
		return pkgerrors.Wrap(err, "failed to write to chamber")
	}
	return nil
}

// FormatTemperature renders a target the way the chamber firmware expects:
// integral values without a decimal point (-40, 0), fractional values with
// the shortest exact representation (23.5).
func FormatTemperature(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

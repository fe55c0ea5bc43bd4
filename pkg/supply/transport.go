package supply

import (
	"bufio"
	"net"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

const socketTimeout = 5 * time.Second

// openTransport dials the instrument. Raw-socket SCPI ("host:port") is
// supported natively; VISA resource strings (USB0::...::INSTR) need a
// VISA-backed Transport supplied through New, since VISA bindings are
// platform driver territory, not this package's.
func openTransport(resource string) (Transport, error) {
	if strings.Contains(resource, "::") {
		return nil, pkgerrors.Errorf("VISA resource %q requires an external transport, only host:port socket instruments are dialed directly", resource)
	}

	conn, err := net.DialTimeout("tcp", resource, socketTimeout)
	if err != nil {
		return nil, err
	}
	return &socketTransport{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: socketTimeout,
	}, nil
}

// socketTransport frames SCPI commands over a raw TCP connection with
// newline termination.
type socketTransport struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func (t *socketTransport) Write(cmd string) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return err
	}
	_, err := t.conn.Write([]byte(cmd + "\n"))
	return err
}

func (t *socketTransport) Query(cmd string) (string, error) {
	if err := t.Write(cmd); err != nil {
		return "", err
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return "", err
	}
	line, err := t.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *socketTransport) Close() error {
	return t.conn.Close()
}

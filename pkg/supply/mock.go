package supply

import (
	"fmt"
	"strings"
	"sync"
)

// MockTransport is an in-memory Transport that records every command and
// answers queries from programmed state, emulating the instrument's own
// read-back behavior. Used by tests and the simulated end-to-end run.
type MockTransport struct {
	mu       sync.Mutex
	commands []string

	// Identity is returned for *IDN? queries.
	Identity string

	// per-channel programmed values, keyed by channel id
	selected int
	volts    map[int]string
	curr     map[int]string

	// WriteErr, when set, is returned by every Write.
	WriteErr error
}

// NewMock returns a Client backed by a MockTransport, plus the transport
// itself for inspection.
func NewMock(identity string) (*Client, *MockTransport) {
	t := &MockTransport{
		Identity: identity,
		volts:    make(map[int]string),
		curr:     make(map[int]string),
	}
	return New(t, "mock"), t
}

func (m *MockTransport) Write(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.commands = append(m.commands, cmd)

	switch {
	case strings.HasPrefix(cmd, "inst:sel ch"):
		var ch int
		if _, err := fmt.Sscanf(cmd, "inst:sel ch%d", &ch); err == nil {
			m.selected = ch
		}
	case strings.HasPrefix(cmd, "source:volt "):
		m.volts[m.selected] = strings.TrimPrefix(cmd, "source:volt ")
	case strings.HasPrefix(cmd, "source:curr "):
		m.curr[m.selected] = strings.TrimPrefix(cmd, "source:curr ")
	}
	return nil
}

func (m *MockTransport) Query(cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands = append(m.commands, cmd)
	switch cmd {
	case "*IDN?":
		return m.Identity, nil
	case "source:volt?":
		return strings.TrimSuffix(m.volts[m.selected], "V"), nil
	case "source:curr?":
		return m.curr[m.selected], nil
	}
	return "", fmt.Errorf("mock transport: unexpected query %q", cmd)
}

func (m *MockTransport) Close() error {
	return nil
}

// Commands returns a copy of every command and query sent so far.
func (m *MockTransport) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}

// CountCommands returns how many recorded commands equal cmd.
func (m *MockTransport) CountCommands(cmd string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

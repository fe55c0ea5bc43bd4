package chamber

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// chamberSim acts as the chamber end of a net.Pipe: it answers status
// requests with the last commanded temperature and records every set
// command verbatim.
type chamberSim struct {
	conn net.Conn

	mu          sync.Mutex
	temp        string
	setCommands []string
	// responses, when non-empty, are served for status requests before
	// falling back to the normal reply.
	responses []string
	// dropNext makes the sim swallow the next status request without
	// answering, so the client's read deadline fires.
	dropNext bool
}

func newChamberSim(conn net.Conn, initialTemp string) *chamberSim {
	s := &chamberSim{conn: conn, temp: initialTemp}
	go s.serve()
	return s
}

func (s *chamberSim) serve() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		msg := string(buf[:n])

		s.mu.Lock()
		switch {
		case strings.HasPrefix(msg, "$01I"):
			if s.dropNext {
				s.dropNext = false
				s.mu.Unlock()
				continue
			}
			resp := "$01I " + s.temp + " 45.0 0 0"
			if len(s.responses) > 0 {
				resp = s.responses[0]
				s.responses = s.responses[1:]
			}
			s.mu.Unlock()
			if _, err := s.conn.Write([]byte(resp)); err != nil {
				return
			}
			continue
		case strings.HasPrefix(msg, "$01E"):
			s.setCommands = append(s.setCommands, msg)
			fields := strings.Fields(msg)
			if len(fields) >= 2 {
				s.temp = fields[1]
			}
		}
		s.mu.Unlock()
	}
}

func (s *chamberSim) queueResponse(resp string) {
	s.mu.Lock()
	s.responses = append(s.responses, resp)
	s.mu.Unlock()
}

func (s *chamberSim) sets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.setCommands))
	copy(out, s.setCommands)
	return out
}

func newTestClient(t *testing.T, initialTemp string) (*Client, *chamberSim) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	sim := newChamberSim(serverEnd, initialTemp)
	c := NewClientWithConn(clientEnd, time.Second)
	t.Cleanup(func() {
		_ = clientEnd.Close()
		_ = serverEnd.Close()
	})
	return c, sim
}

func TestTemperature(t *testing.T) {
	c, _ := newTestClient(t, "-39.5")

	got, err := c.Temperature()
	if err != nil {
		t.Fatalf("Temperature returned error: %v", err)
	}
	if got != -39.5 {
		t.Fatalf("expected -39.5, got %v", got)
	}
}

func TestTemperatureMalformed(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"too few tokens", "$01I"},
		{"empty", "   "},
		{"non-numeric", "$01I cold 45.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sim := newTestClient(t, "0")
			sim.queueResponse(tt.resp)

			_, err := c.Temperature()
			if err == nil {
				t.Fatalf("expected protocol error for response %q", tt.resp)
			}
			if !strings.Contains(err.Error(), ErrProtocol.Error()) {
				t.Fatalf("expected ErrProtocol, got: %v", err)
			}
		})
	}
}

func TestTemperatureRetriesTransientFailures(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	sim := newChamberSim(serverEnd, "10")
	t.Cleanup(func() {
		_ = clientEnd.Close()
		_ = serverEnd.Close()
	})

	// Swallow the first request so the client's read deadline fires; the
	// retry should then get an answer.
	sim.mu.Lock()
	sim.dropNext = true
	sim.mu.Unlock()

	c := NewClientWithConn(clientEnd, 200*time.Millisecond)

	got, err := c.Temperature()
	if err != nil {
		t.Fatalf("expected retry to recover from a dropped response, got: %v", err)
	}
	if got != 10 {
		t.Fatalf("expected 10, got %v", got)
	}
}

func TestSetTemperatureCommandBytes(t *testing.T) {
	c, sim := newTestClient(t, "23")

	if err := c.SetTemperature(-40); err != nil {
		t.Fatalf("SetTemperature returned error: %v", err)
	}

	sets := sim.sets()
	if len(sets) != 1 {
		t.Fatalf("expected exactly 1 set command, got %d", len(sets))
	}
	want := "$01E -40 10 100 1200 010000000000000000000 \r"
	if sets[0] != want {
		t.Fatalf("set command mismatch:\nwant %q\ngot  %q", want, sets[0])
	}
}

func TestSetTemperatureReadbackMismatchIsNotFatal(t *testing.T) {
	c, sim := newTestClient(t, "23")
	// The read-back after the set is served from this queued response,
	// which does not match the requested target.
	sim.queueResponse("$01I 22.8 45.0 0 0")

	if err := c.SetTemperature(-40); err != nil {
		t.Fatalf("read-back mismatch must not be an error, got: %v", err)
	}
}

func TestFormatTemperature(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{-40, "-40"},
		{0, "0"},
		{23.5, "23.5"},
		{10.25, "10.25"},
	}
	for _, tt := range tests {
		if got := FormatTemperature(tt.in); got != tt.want {
			t.Fatalf("FormatTemperature(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

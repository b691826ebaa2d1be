package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/udp-relay-service/internal/registry"
)

func newTestConsole(in string) (*Console, *bytes.Buffer) {
	out := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(strings.NewReader(in), out, logger), out
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		expectErr    error
		expectOutput string
	}{
		{name: "quit", line: "/quit", expectErr: ErrQuit},
		{name: "quit with spaces", line: "  /quit  ", expectErr: ErrQuit},
		{name: "blank", line: "   "},
		{name: "unknown", line: "/reboot", expectOutput: "unknown command /reboot"},
		{name: "no prefix", line: "quit", expectOutput: "commands start with /"},
		{name: "help", line: "/help", expectOutput: "/quit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, out := newTestConsole("")

			err := c.Handle(tt.line)
			if !errors.Is(err, tt.expectErr) {
				t.Errorf("Expected error %v, got %v", tt.expectErr, err)
			}
			if !strings.Contains(out.String(), tt.expectOutput) {
				t.Errorf("Expected output containing %q, got %q", tt.expectOutput, out.String())
			}
		})
	}
}

func TestRunStopsOnQuit(t *testing.T) {
	c, out := newTestConsole("/help\n/quit\n/help\n")

	if err := c.Run(context.Background()); !errors.Is(err, ErrQuit) {
		t.Fatalf("Expected ErrQuit, got %v", err)
	}
	if strings.Count(out.String(), "list commands") != 1 {
		t.Errorf("Expected commands after /quit to be ignored, got %q", out.String())
	}
}

func TestRunReturnsNilOnEOF(t *testing.T) {
	c, _ := newTestConsole("/help\n")

	if err := c.Run(context.Background()); err != nil {
		t.Errorf("Expected nil on EOF, got %v", err)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()

	c := New(reader, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil after cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCommandErrorsAreReported(t *testing.T) {
	c, out := newTestConsole("/fail\n")
	c.Register(Command{
		Name: "fail",
		Run: func(io.Writer, []string) error {
			return errors.New("boom")
		},
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Expected nil, got %v", err)
	}
	if !strings.Contains(out.String(), "error: boom") {
		t.Errorf("Expected reported error, got %q", out.String())
	}
}

func TestPeersAndStatsCommands(t *testing.T) {
	peers := registry.New()
	peers.Add(netip.MustParseAddrPort("10.0.0.1:4000"))
	peers.Add(netip.MustParseAddrPort("10.0.0.2:4000"))

	c, out := newTestConsole("")
	c.Register(PeersCommand(peers))
	c.Register(StatsCommand(func() any {
		return map[string]int{"active_peers": peers.Len()}
	}))

	if err := c.Handle("/peers"); err != nil {
		t.Fatalf("/peers failed: %v", err)
	}
	if !strings.Contains(out.String(), "2 peer(s) connected") || !strings.Contains(out.String(), "10.0.0.2:4000") {
		t.Errorf("Unexpected /peers output: %q", out.String())
	}

	out.Reset()
	if err := c.Handle("/stats"); err != nil {
		t.Fatalf("/stats failed: %v", err)
	}
	if !strings.Contains(out.String(), `"active_peers": 2`) {
		t.Errorf("Unexpected /stats output: %q", out.String())
	}
}

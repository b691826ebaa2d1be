package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/udp-relay-service/internal/config"
	"github.com/skypro1111/udp-relay-service/internal/metrics"
	"github.com/skypro1111/udp-relay-service/internal/protocol"
	"github.com/skypro1111/udp-relay-service/internal/registry"
	"github.com/skypro1111/udp-relay-service/internal/relay"
	"github.com/skypro1111/udp-relay-service/internal/server"
	"github.com/skypro1111/udp-relay-service/internal/storage"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testRelay struct {
	address string
	engine  *relay.Engine
	peers   *registry.Registry
	store   *storage.MemoryStore
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()

	cfg := config.Default()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.UDPPort = 0

	m := metrics.NewMetrics(prometheus.NewRegistry())
	peers := registry.New()
	store := storage.NewMemoryStore()

	udp := server.NewUDPServer(&cfg.Server, discardLogger, m)
	engine := relay.NewEngine(relay.Config{SinkTimeout: time.Second}, udp, peers, store, discardLogger, m)
	if err := udp.Start(engine); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	t.Cleanup(func() {
		udp.Stop()
		udp.Close()
		engine.Close()
	})

	return &testRelay{address: udp.LocalAddr().String(), engine: engine, peers: peers, store: store}
}

func dialClient(t *testing.T, address string) *Client {
	t.Helper()

	c, err := Dial(context.Background(), Config{ServerAddress: address, RetryInterval: 50 * time.Millisecond}, discardLogger)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientSession(t *testing.T) {
	r := startRelay(t)

	alice := dialClient(t, r.address)
	bob := dialClient(t, r.address)

	if err := alice.Connect(withTimeout(t)); err != nil {
		t.Fatalf("alice Connect failed: %v", err)
	}
	if err := bob.Connect(withTimeout(t)); err != nil {
		t.Fatalf("bob Connect failed: %v", err)
	}
	if !alice.Connected() || r.peers.Len() != 2 {
		t.Fatalf("Expected both clients registered, got %d", r.peers.Len())
	}

	if err := alice.Send([]byte("position")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case payload := <-bob.Incoming():
		if !bytes.Equal(payload, []byte("position")) {
			t.Errorf("Expected payload %q, got %q", "position", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for relayed data")
	}

	loc := protocol.LocationUpdate{ID: "76561198000000000", X: 10, Y: 20, Z: 30}
	if err := bob.Disconnect(withTimeout(t), loc); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if bob.Connected() {
		t.Error("Expected bob to be disconnected")
	}

	if err := r.engine.Drain(withTimeout(t)); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	got, ok := r.store.Get(loc.ID)
	if !ok || got.X != 10 || got.Y != 20 || got.Z != 30 {
		t.Errorf("Expected stored location %+v, got %+v (found=%v)", loc, got, ok)
	}
	if r.peers.Len() != 1 {
		t.Errorf("Expected 1 registered peer, got %d", r.peers.Len())
	}
}

// lossyRelay acknowledges Connect only after ignoring the first few
func lossyRelay(t *testing.T, ignore int32) (*net.UDPConn, *atomic.Int32) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var seen atomic.Int32
	go func() {
		buf := make([]byte, protocol.MaxDatagramSize)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if kind, _ := protocol.Classify(buf[:n]); kind != protocol.KindConnect {
				continue
			}
			if seen.Add(1) <= ignore {
				continue
			}
			ack, _ := protocol.EncodeAck(protocol.KindConnectAck)
			conn.WriteToUDPAddrPort(ack, from)
		}
	}()

	return conn, &seen
}

func TestConnectRetriesUntilAck(t *testing.T) {
	conn, seen := lossyRelay(t, 2)
	c := dialClient(t, conn.LocalAddr().String())

	if err := c.Connect(withTimeout(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := seen.Load(); got < 3 {
		t.Errorf("Expected at least 3 Connect attempts, got %d", got)
	}
}

func TestConnectHonoursContext(t *testing.T) {
	conn, _ := lossyRelay(t, 1<<30)
	c := dialClient(t, conn.LocalAddr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := c.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if c.Connected() {
		t.Error("Expected client not to be connected")
	}
}

func TestClosedClient(t *testing.T) {
	conn, _ := lossyRelay(t, 0)
	c := dialClient(t, conn.LocalAddr().String())

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}

	if err := c.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Send, got %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Connect, got %v", err)
	}
	if _, ok := <-c.Incoming(); ok {
		t.Error("Expected Incoming to be closed")
	}
}

func TestDisconnectRejectsOversizeRecord(t *testing.T) {
	conn, _ := lossyRelay(t, 0)
	c := dialClient(t, conn.LocalAddr().String())

	loc := protocol.LocationUpdate{ID: string(bytes.Repeat([]byte("a"), protocol.MaxDatagramSize))}
	if err := c.Disconnect(context.Background(), loc); err == nil {
		t.Error("Expected error for oversize disconnect record")
	}
}

func TestIncomingOverflowIsCounted(t *testing.T) {
	conn, _ := lossyRelay(t, 0)

	c, err := Dial(context.Background(), Config{
		ServerAddress:  conn.LocalAddr().String(),
		RetryInterval:  50 * time.Millisecond,
		IncomingBuffer: 1,
	}, discardLogger)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if err := c.Connect(withTimeout(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Nothing reads Incoming, so only the first payload fits
	client := netip.MustParseAddrPort(c.LocalAddr().String())
	for i := 0; i < 3; i++ {
		if _, err := conn.WriteToUDPAddrPort(protocol.EncodeData([]byte{byte(i)}), client); err != nil {
			t.Fatalf("Failed to send data: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Dropped() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := c.Dropped(); got != 2 {
		t.Fatalf("Expected 2 dropped payloads, got %d", got)
	}

	if payload := <-c.Incoming(); !bytes.Equal(payload, []byte{0}) {
		t.Errorf("Expected first payload to be kept, got %v", payload)
	}
}

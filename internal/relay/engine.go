package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/skypro1111/udp-relay-service/internal/metrics"
	"github.com/skypro1111/udp-relay-service/internal/protocol"
	"github.com/skypro1111/udp-relay-service/internal/registry"
)

// Sender writes a single datagram to a peer. *net.UDPConn satisfies it.
type Sender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// LocationSink durably records the last position reported by a disconnecting peer
type LocationSink interface {
	RecordLocation(ctx context.Context, id string, x, y, z float32) error
}

// Config contains relay engine parameters
type Config struct {
	// MaxInFlightSends caps concurrently outstanding sends. Sends beyond the cap are dropped.
	MaxInFlightSends int64
	// SinkTimeout bounds a single location write. Zero means no timeout.
	SinkTimeout time.Duration
}

// Engine makes every protocol decision for the relay. HandleDatagram and
// HandleReceiveError must be called from a single goroutine in arrival order.
// Sends and location writes run asynchronously and never block that goroutine.
type Engine struct {
	config  Config
	sender  Sender
	peers   *registry.Registry
	sink    LocationSink
	logger  *slog.Logger
	metrics *metrics.Metrics

	sendSlots *semaphore.Weighted
	inflight  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	datagramsHandled    atomic.Uint64
	datagramsDropped    atomic.Uint64
	connects            atomic.Uint64
	disconnects         atomic.Uint64
	implicitDisconnects atomic.Uint64
	broadcasts          atomic.Uint64
	sendsDropped        atomic.Uint64
	sendErrors          atomic.Uint64
	decodeErrors        atomic.Uint64
	sinkErrors          atomic.Uint64
}

// Statistics is a point-in-time view of engine counters
type Statistics struct {
	DatagramsHandled     uint64 `json:"datagrams_handled"`
	DatagramsDropped     uint64 `json:"datagrams_dropped"`
	Connects             uint64 `json:"connects"`
	Disconnects          uint64 `json:"disconnects"`
	ImplicitDisconnects  uint64 `json:"implicit_disconnects"`
	Broadcasts           uint64 `json:"broadcasts"`
	SendsDropped         uint64 `json:"sends_dropped"`
	SendErrors           uint64 `json:"send_errors"`
	LocationDecodeErrors uint64 `json:"location_decode_errors"`
	LocationWriteErrors  uint64 `json:"location_write_errors"`
	ActivePeers          int    `json:"active_peers"`
}

// NewEngine creates a relay engine. sink may be nil, in which case decoded
// locations are logged and discarded.
func NewEngine(cfg Config, sender Sender, peers *registry.Registry, sink LocationSink,
	logger *slog.Logger, m *metrics.Metrics) *Engine {

	if cfg.MaxInFlightSends <= 0 {
		cfg.MaxInFlightSends = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		config:    cfg,
		sender:    sender,
		peers:     peers,
		sink:      sink,
		logger:    logger,
		metrics:   m,
		sendSlots: semaphore.NewWeighted(cfg.MaxInFlightSends),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// HandleDatagram classifies one received datagram and applies its protocol effect.
// data is retained by in-flight sends and must not be reused by the caller.
func (e *Engine) HandleDatagram(data []byte, from netip.AddrPort) {
	kind, err := protocol.Classify(data)
	if err != nil {
		reason := metrics.DropUnknownTag
		if errors.Is(err, protocol.ErrEmptyDatagram) {
			reason = metrics.DropEmpty
		}
		e.drop(reason, data, from, err)
		return
	}

	switch kind {
	case protocol.KindConnect:
		e.datagramsHandled.Add(1)
		e.handleConnect(from)
	case protocol.KindDisconnect:
		e.datagramsHandled.Add(1)
		e.handleDisconnect(data, from)
	case protocol.KindData:
		e.datagramsHandled.Add(1)
		e.handleData(data, from)
	default:
		// Acks only travel server to client
		e.drop(metrics.DropUnexpected, data, from, nil)
	}
}

// HandleReceiveError applies the implicit disconnect: a receive error tied to
// an endpoint removes that endpoint from the registry.
func (e *Engine) HandleReceiveError(from netip.AddrPort, err error) {
	if !from.IsValid() {
		e.logger.Debug("Receive error without remote endpoint", slog.String("error", err.Error()))
		return
	}

	session, removed := e.peers.Remove(from)
	if !removed {
		e.logger.Warn("Receive error from unregistered endpoint",
			slog.String("remote_addr", from.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	e.implicitDisconnects.Add(1)
	e.metrics.RecordImplicitDisconnect()
	e.metrics.SetActivePeers(e.peers.Len())

	e.logger.Info("Peer implicitly disconnected after receive error",
		slog.String("remote_addr", from.String()),
		slog.String("session_id", session.ID.String()),
		slog.Duration("session_duration", time.Since(session.ConnectedAt)),
		slog.String("error", err.Error()),
	)
}

// handleConnect acknowledges every Connect and admits the sender if it is new
func (e *Engine) handleConnect(from netip.AddrPort) {
	session, added := e.peers.Add(from)
	e.sendAck(protocol.KindConnectAck, from)

	if !added {
		e.logger.Debug("Connect from registered peer",
			slog.String("remote_addr", from.String()),
			slog.String("session_id", session.ID.String()),
		)
		return
	}

	e.connects.Add(1)
	e.metrics.RecordConnect()
	e.metrics.SetActivePeers(e.peers.Len())

	e.logger.Info("Peer connected",
		slog.String("remote_addr", from.String()),
		slog.String("session_id", session.ID.String()),
		slog.Int("active_peers", e.peers.Len()),
	)
}

// handleDisconnect removes the sender, acknowledges, and forwards the trailing
// location record. A malformed record never blocks the handshake.
func (e *Engine) handleDisconnect(data []byte, from netip.AddrPort) {
	session, removed := e.peers.Remove(from)
	e.sendAck(protocol.KindDisconnectAck, from)

	if removed {
		e.disconnects.Add(1)
		e.metrics.RecordDisconnect()
		e.metrics.SetActivePeers(e.peers.Len())
	}

	attrs := []any{
		slog.String("remote_addr", from.String()),
		slog.Bool("was_registered", removed),
		slog.Int("active_peers", e.peers.Len()),
	}
	if removed {
		attrs = append(attrs,
			slog.String("session_id", session.ID.String()),
			slog.Duration("session_duration", time.Since(session.ConnectedAt)),
		)
	}
	e.logger.Info("Peer disconnected", attrs...)

	update, err := protocol.DecodeLocation(data)
	if err != nil {
		e.decodeErrors.Add(1)
		e.metrics.RecordLocationDecodeError()
		e.logger.Warn("Failed to decode location record",
			slog.String("remote_addr", from.String()),
			slog.Int("payload_size", len(data)-protocol.TagSize),
			slog.String("error", err.Error()),
		)
		return
	}

	e.recordLocation(update, from)
}

// handleData fans the datagram out, unmodified, to every peer except the sender
func (e *Engine) handleData(data []byte, from netip.AddrPort) {
	recipients := e.peers.SnapshotExcept(from)

	e.broadcasts.Add(1)
	e.metrics.RecordBroadcast(len(recipients))

	e.logger.Debug("Broadcasting data",
		slog.String("remote_addr", from.String()),
		slog.Int("size", len(data)),
		slog.Int("recipients", len(recipients)),
	)

	for _, peer := range recipients {
		e.send(protocol.KindData, data, peer)
	}
}

func (e *Engine) sendAck(kind protocol.Kind, to netip.AddrPort) {
	ack, err := protocol.EncodeAck(kind)
	if err != nil {
		e.logger.Error("Failed to encode ack", slog.String("error", err.Error()))
		return
	}
	e.send(kind, ack, to)
}

// send dispatches one datagram without waiting for it. A failure is logged
// and counted and does not affect other sends.
func (e *Engine) send(kind protocol.Kind, datagram []byte, to netip.AddrPort) {
	if !e.sendSlots.TryAcquire(1) {
		e.sendsDropped.Add(1)
		e.metrics.RecordSendDropped(kind.String())
		e.logger.Warn("Too many sends in flight, dropping datagram",
			slog.String("kind", kind.String()),
			slog.String("remote_addr", to.String()),
		)
		return
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer e.sendSlots.Release(1)

		_, err := e.sender.WriteToUDPAddrPort(datagram, to)
		e.metrics.RecordSend(kind.String(), err)
		if err != nil {
			e.sendErrors.Add(1)
			e.logger.Warn("Failed to send datagram",
				slog.String("kind", kind.String()),
				slog.String("remote_addr", to.String()),
				slog.String("error", err.Error()),
			)
			return
		}

		e.logger.Debug("Sent datagram",
			slog.String("kind", kind.String()),
			slog.String("remote_addr", to.String()),
			slog.Int("size", len(datagram)),
		)
	}()
}

// recordLocation hands update to the sink exactly once, off the decision path. No retry.
func (e *Engine) recordLocation(update protocol.LocationUpdate, from netip.AddrPort) {
	if e.sink == nil {
		e.logger.Info("Location received, persistence disabled",
			slog.String("remote_addr", from.String()),
			slog.String("player_id", update.ID),
		)
		return
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		ctx, cancel := e.sinkContext()
		defer cancel()

		startTime := time.Now()
		err := e.sink.RecordLocation(ctx, update.ID, update.X, update.Y, update.Z)
		duration := time.Since(startTime)
		e.metrics.RecordLocationWrite(err, duration.Seconds())

		if err != nil {
			e.sinkErrors.Add(1)
			e.logger.Error("Failed to record location",
				slog.String("remote_addr", from.String()),
				slog.String("player_id", update.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		e.logger.Info("Location recorded",
			slog.String("player_id", update.ID),
			slog.Float64("x", float64(update.X)),
			slog.Float64("y", float64(update.Y)),
			slog.Float64("z", float64(update.Z)),
			slog.Duration("duration", duration),
		)
	}()
}

func (e *Engine) sinkContext() (context.Context, context.CancelFunc) {
	if e.config.SinkTimeout > 0 {
		return context.WithTimeout(e.ctx, e.config.SinkTimeout)
	}
	return context.WithCancel(e.ctx)
}

func (e *Engine) drop(reason string, data []byte, from netip.AddrPort, err error) {
	e.datagramsDropped.Add(1)
	e.metrics.RecordDatagramDropped(reason)

	attrs := []any{
		slog.String("reason", reason),
		slog.String("remote_addr", from.String()),
		slog.Int("size", len(data)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	e.logger.Debug("Dropping datagram", attrs...)
}

// Drain waits for in-flight sends and location writes to finish or for ctx to expire
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels pending location writes
func (e *Engine) Close() {
	e.cancel()
}

// Statistics returns current engine counters
func (e *Engine) Statistics() Statistics {
	return Statistics{
		DatagramsHandled:     e.datagramsHandled.Load(),
		DatagramsDropped:     e.datagramsDropped.Load(),
		Connects:             e.connects.Load(),
		Disconnects:          e.disconnects.Load(),
		ImplicitDisconnects:  e.implicitDisconnects.Load(),
		Broadcasts:           e.broadcasts.Load(),
		SendsDropped:         e.sendsDropped.Load(),
		SendErrors:           e.sendErrors.Load(),
		LocationDecodeErrors: e.decodeErrors.Load(),
		LocationWriteErrors:  e.sinkErrors.Load(),
		ActivePeers:          e.peers.Len(),
	}
}

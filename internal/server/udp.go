package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/udp-relay-service/internal/config"
	"github.com/skypro1111/udp-relay-service/internal/metrics"
	"github.com/skypro1111/udp-relay-service/internal/protocol"
)

// Handler receives datagrams and receive errors in arrival order, one at a time
type Handler interface {
	HandleDatagram(data []byte, from netip.AddrPort)
	HandleReceiveError(from netip.AddrPort, err error)
}

// UDPServer owns the relay socket. It reads datagrams on one goroutine and
// hands them to the Handler on another, and it is the Handler's Sender.
type UDPServer struct {
	conn    atomic.Pointer[net.UDPConn]
	config  *config.ServerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler Handler

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Packet processing
	packetChan chan *incomingPacket

	packetsReceived   uint64
	packetsDispatched uint64
	receiveErrors     uint64
	queueDrops        uint64
	mu                sync.RWMutex
}

// incomingPacket is a received datagram or a receive error tied to an endpoint
type incomingPacket struct {
	data       []byte
	remoteAddr netip.AddrPort
	err        error
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1000
	}

	return &UDPServer{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *incomingPacket, queueSize),
	}
}

// Start binds the socket and begins delivering datagrams to handler
func (s *UDPServer) Start(handler Handler) error {
	address := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.UDPPort))
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if s.config.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBuffer); err != nil {
			s.logger.Warn("Failed to set UDP read buffer size",
				slog.Int("read_buffer", s.config.ReadBuffer),
				slog.String("error", err.Error()),
			)
		}
	}

	s.handler = handler
	s.conn.Store(conn)

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("read_buffer", s.config.ReadBuffer),
		slog.Int("queue_size", cap(s.packetChan)),
	)

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.receiveLoop(conn)

	return nil
}

// Stop ends reading and waits for queued datagrams to be dispatched. The
// socket stays open for in-flight sends until Close.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	// Wake the receiver from its blocking read
	if conn := s.conn.Load(); conn != nil {
		if err := conn.SetReadDeadline(time.Now()); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Failed to interrupt UDP read", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_dispatched", stats.PacketsDispatched),
		slog.Uint64("receive_errors", stats.ReceiveErrors),
		slog.Uint64("queue_drops", stats.QueueDrops),
	)

	return nil
}

// Close stops the server if needed and closes the socket. Later sends fail with net.ErrClosed.
func (s *UDPServer) Close() error {
	s.cancel()

	conn := s.conn.Load()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	s.wg.Wait()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close UDP socket: %w", err)
	}
	return nil
}

// LocalAddr returns the bound socket address, or an invalid AddrPort before Start
func (s *UDPServer) LocalAddr() netip.AddrPort {
	conn := s.conn.Load()
	if conn == nil {
		return netip.AddrPort{}
	}
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// WriteToUDPAddrPort sends one datagram from the relay socket
func (s *UDPServer) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	conn := s.conn.Load()
	if conn == nil {
		return 0, net.ErrClosed
	}
	return conn.WriteToUDPAddrPort(b, addr)
}

// receiveLoop reads datagrams until Stop or Close. The buffer is
// reused, so every datagram is copied before it is queued.
func (s *UDPServer) receiveLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	defer close(s.packetChan)

	buffer := make([]byte, protocol.MaxDatagramSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.mu.Lock()
			s.receiveErrors++
			s.mu.Unlock()
			s.metrics.RecordReceiveError()

			s.logger.Warn("Failed to read UDP datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.String("error", err.Error()),
			)

			// The net package does not currently pair a source address with a
			// read error, so this only fires on transports that report one
			if remoteAddr.IsValid() {
				s.enqueue(&incomingPacket{remoteAddr: remoteAddr, err: err})
			}
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordDatagramReceived()

		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		s.enqueue(&incomingPacket{data: packetData, remoteAddr: remoteAddr})
	}
}

// enqueue hands a packet to the dispatcher without blocking the receiver
func (s *UDPServer) enqueue(packet *incomingPacket) {
	select {
	case s.packetChan <- packet:
		s.metrics.SetQueueSize(len(s.packetChan))
	default:
		s.mu.Lock()
		s.queueDrops++
		s.mu.Unlock()
		s.metrics.RecordDatagramDropped(metrics.DropQueueFull)

		s.logger.Warn("Dispatch queue full, dropping datagram",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
		)
	}
}

// dispatchLoop feeds the handler from the queue until the receiver closes it
func (s *UDPServer) dispatchLoop() {
	defer s.wg.Done()

	for packet := range s.packetChan {
		s.metrics.SetQueueSize(len(s.packetChan))

		if packet.err != nil {
			s.handler.HandleReceiveError(packet.remoteAddr, packet.err)
			continue
		}

		s.handler.HandleDatagram(packet.data, packet.remoteAddr)

		s.mu.Lock()
		s.packetsDispatched++
		s.mu.Unlock()
	}
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		PacketsReceived:   s.packetsReceived,
		PacketsDispatched: s.packetsDispatched,
		ReceiveErrors:     s.receiveErrors,
		QueueDrops:        s.queueDrops,
		QueueSize:         uint64(len(s.packetChan)),
		QueueCapacity:     uint64(cap(s.packetChan)),
	}
}

// ServerStatistics represents socket-level counters
type ServerStatistics struct {
	PacketsReceived   uint64 `json:"packets_received"`
	PacketsDispatched uint64 `json:"packets_dispatched"`
	ReceiveErrors     uint64 `json:"receive_errors"`
	QueueDrops        uint64 `json:"queue_drops"`
	QueueSize         uint64 `json:"queue_size"`
	QueueCapacity     uint64 `json:"queue_capacity"`
}

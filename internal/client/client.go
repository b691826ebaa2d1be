package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/skypro1111/udp-relay-service/internal/protocol"
)

// ErrClosed is returned by operations on a closed client
var ErrClosed = errors.New("client closed")

// Config contains client parameters
type Config struct {
	ServerAddress  string        // host:port of the relay
	RetryInterval  time.Duration // resend period for Connect and Disconnect
	IncomingBuffer int           // queued Data payloads before new ones are dropped
}

// Client is a relay peer over one UDP socket
type Client struct {
	conn   *net.UDPConn
	config Config
	logger *slog.Logger

	incoming      chan []byte
	connectAck    chan struct{}
	disconnectAck chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Uint64
}

// Dial resolves the relay address and opens the client socket. It does not send Connect.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.IncomingBuffer <= 0 {
		cfg.IncomingBuffer = 64
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "udp", cfg.ServerAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", cfg.ServerAddress, err)
	}
	conn := netConn.(*net.UDPConn)

	c := &Client{
		conn:          conn,
		config:        cfg,
		logger:        logger,
		incoming:      make(chan []byte, cfg.IncomingBuffer),
		connectAck:    make(chan struct{}, 1),
		disconnectAck: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	c.wg.Add(1)
	go c.receiveLoop()

	logger.Info("Client socket opened",
		slog.String("local_addr", conn.LocalAddr().String()),
		slog.String("server_addr", conn.RemoteAddr().String()),
	)

	return c, nil
}

// Connect sends Connect every RetryInterval until the relay acknowledges
func (c *Client) Connect(ctx context.Context) error {
	drain(c.connectAck)
	return c.handshake(ctx, protocol.EncodeConnect(), c.connectAck, func() {
		c.connected.Store(true)
	})
}

// Disconnect sends Disconnect carrying loc every RetryInterval until the relay acknowledges
func (c *Client) Disconnect(ctx context.Context, loc protocol.LocationUpdate) error {
	datagram, err := protocol.EncodeDisconnect(loc)
	if err != nil {
		return err
	}

	drain(c.disconnectAck)
	return c.handshake(ctx, datagram, c.disconnectAck, func() {
		c.connected.Store(false)
	})
}

func (c *Client) handshake(ctx context.Context, datagram []byte, ack <-chan struct{}, onAck func()) error {
	ticker := time.NewTicker(c.config.RetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		kind, _ := protocol.Classify(datagram)

		if err := c.write(datagram); err != nil {
			if !errors.Is(err, syscall.ECONNREFUSED) {
				return err
			}
			c.logger.Debug("Relay unreachable, retrying",
				slog.String("kind", kind.String()),
				slog.Int("attempt", attempt),
			)
		} else {
			c.logger.Debug("Handshake sent",
				slog.String("kind", kind.String()),
				slog.Int("attempt", attempt),
			)
		}

		select {
		case <-ack:
			onAck()
			c.logger.Info("Handshake acknowledged",
				slog.String("kind", kind.String()),
				slog.Int("attempts", attempt),
			)
			return nil
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		}
	}
}

// Send relays payload to every other peer
func (c *Client) Send(payload []byte) error {
	return c.write(protocol.EncodeData(payload))
}

// Incoming delivers Data payloads, without the tag byte. It is closed by Close.
func (c *Client) Incoming() <-chan []byte {
	return c.incoming
}

// Connected reports whether the last completed handshake was a Connect
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Dropped returns the number of Data payloads discarded because Incoming was full
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// LocalAddr returns the client socket address
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the socket and waits for the receiver to stop
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
		close(c.incoming)
	})
	return err
}

func (c *Client) write(datagram []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.conn.Write(datagram); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	return nil
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()

	buffer := make([]byte, protocol.MaxDatagramSize)

	for {
		n, err := c.conn.Read(buffer)
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// A refused port shows up here until the relay is reachable
			c.logger.Debug("Failed to read datagram", slog.String("error", err.Error()))
			continue
		}

		kind, err := protocol.Classify(buffer[:n])
		if err != nil {
			c.logger.Debug("Ignoring datagram", slog.String("error", err.Error()))
			continue
		}

		switch kind {
		case protocol.KindConnectAck:
			signal(c.connectAck)
		case protocol.KindDisconnectAck:
			signal(c.disconnectAck)
		case protocol.KindData:
			payload := make([]byte, n-protocol.TagSize)
			copy(payload, buffer[protocol.TagSize:n])

			select {
			case c.incoming <- payload:
			default:
				c.dropped.Add(1)
			}
		default:
			c.logger.Debug("Ignoring unexpected datagram", slog.String("kind", kind.String()))
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/udp-relay-service/internal/client"
	"github.com/skypro1111/udp-relay-service/internal/console"
	"github.com/skypro1111/udp-relay-service/internal/protocol"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:50000", "Relay address (host:port)")
	interval := flag.Duration("interval", time.Second, "Period between data datagrams")
	retry := flag.Duration("retry", time.Second, "Resend period for connect and disconnect")
	size := flag.Int("size", protocol.MaxDatagramSize-protocol.TagSize, "Data payload size in bytes")
	playerID := flag.String("id", "", "Player id reported on disconnect (required)")
	x := flag.Float64("x", 0, "X coordinate reported on disconnect")
	y := flag.Float64("y", 0, "Y coordinate reported on disconnect")
	z := flag.Float64("z", 0, "Z coordinate reported on disconnect")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := validateFlags(*playerID, *size); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	loc := protocol.LocationUpdate{ID: *playerID, X: float32(*x), Y: float32(*y), Z: float32(*z)}
	if err := run(*serverAddr, *interval, *retry, *size, loc, logger); err != nil {
		logger.Error("Client failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// validateFlags rejects settings the relay would refuse: a Disconnect with an
// empty _steamid is dropped as malformed, and Data must fit one datagram.
func validateFlags(playerID string, size int) error {
	if strings.TrimSpace(playerID) == "" {
		return errors.New("-id is required")
	}
	if size < 0 || size > protocol.MaxDatagramSize-protocol.TagSize {
		return fmt.Errorf("-size must be between 0 and %d", protocol.MaxDatagramSize-protocol.TagSize)
	}
	return nil
}

func run(serverAddr string, interval, retry time.Duration, size int, loc protocol.LocationUpdate, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, client.Config{ServerAddress: serverAddr, RetryInterval: retry}, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("Connected", slog.String("server", serverAddr))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		payload := make([]byte, size)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := c.Send(payload); err != nil {
					logger.Warn("Failed to send data", slog.String("error", err.Error()))
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case payload, ok := <-c.Incoming():
				if !ok {
					return nil
				}
				logger.Info("Received data", slog.Int("size", len(payload)))
			}
		}
	})

	g.Go(func() error {
		cons := console.New(os.Stdin, os.Stdout, logger)
		return cons.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, console.ErrQuit) {
		return err
	}

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*retry)
	defer cancel()

	if err := c.Disconnect(disconnectCtx, loc); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	logger.Info("Disconnected",
		slog.String("player_id", loc.ID),
		slog.Uint64("dropped_payloads", c.Dropped()),
	)

	return nil
}

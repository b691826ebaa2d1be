package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Prefix marks a line as a command
const Prefix = "/"

// ErrQuit is returned by Handle and Run when the operator asks to stop
var ErrQuit = errors.New("quit requested")

// Command is an operator command. Run writes its output to w.
type Command struct {
	Name string
	Help string
	Run  func(w io.Writer, args []string) error
}

// Console dispatches operator lines to registered commands
type Console struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	mu       sync.RWMutex
	commands map[string]Command
}

// New creates a console reading from in and writing to out, with /quit and /help registered
func New(in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	c := &Console{
		in:       in,
		out:      out,
		logger:   logger,
		commands: make(map[string]Command),
	}

	c.Register(Command{
		Name: "quit",
		Help: "stop the process",
		Run: func(io.Writer, []string) error {
			return ErrQuit
		},
	})
	c.Register(Command{
		Name: "help",
		Help: "list commands",
		Run:  c.help,
	})

	return c
}

// Register adds or replaces a command
func (c *Console) Register(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[cmd.Name] = cmd
}

// Handle executes a single line. Blank lines are ignored.
func (c *Console) Handle(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, Prefix) {
		fmt.Fprintf(c.out, "commands start with %s, try %shelp\n", Prefix, Prefix)
		return nil
	}

	fields := strings.Fields(strings.TrimPrefix(line, Prefix))
	if len(fields) == 0 {
		return nil
	}

	c.mu.RLock()
	cmd, ok := c.commands[fields[0]]
	c.mu.RUnlock()

	if !ok {
		fmt.Fprintf(c.out, "unknown command %s%s\n", Prefix, fields[0])
		return nil
	}

	c.logger.Debug("Console command", slog.String("command", cmd.Name))
	return cmd.Run(c.out, fields[1:])
}

// Run reads lines until EOF, cancellation of ctx, or /quit. EOF returns nil.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("failed to read console input: %w", err)
			}
			return nil
		case line := <-lines:
			if err := c.Handle(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return err
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *Console) help(w io.Writer, _ []string) error {
	c.mu.RLock()
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)

	for _, name := range names {
		c.mu.RLock()
		cmd := c.commands[name]
		c.mu.RUnlock()
		fmt.Fprintf(w, "%s%-8s %s\n", Prefix, name, cmd.Help)
	}
	return nil
}

package console

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/skypro1111/udp-relay-service/internal/registry"
)

// PeersCommand lists the registered endpoints
func PeersCommand(peers *registry.Registry) Command {
	return Command{
		Name: "peers",
		Help: "list connected peers",
		Run: func(w io.Writer, _ []string) error {
			sessions := peers.Sessions()
			fmt.Fprintf(w, "%d peer(s) connected\n", len(sessions))
			for _, s := range sessions {
				fmt.Fprintf(w, "  %-24s %s  %s\n", s.Addr, s.ID, time.Since(s.ConnectedAt).Round(time.Second))
			}
			return nil
		},
	}
}

// StatsCommand prints the value returned by stats as indented JSON
func StatsCommand(stats func() any) Command {
	return Command{
		Name: "stats",
		Help: "print relay statistics",
		Run: func(w io.Writer, _ []string) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(stats())
		},
	}
}

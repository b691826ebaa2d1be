// Command locationhook is a development receiver for the webhook location store.
// It logs every location it is sent and keeps the last one per player.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

type locationRequest struct {
	PlayerID   string    `json:"_steamid"`
	X          float32   `json:"x"`
	Y          float32   `json:"y"`
	Z          float32   `json:"z"`
	RecordedAt time.Time `json:"recorded_at"`
}

type hook struct {
	apiKey string
	known  map[string]bool

	mu   sync.Mutex
	last map[string]locationRequest
}

func (h *hook) handleLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+h.apiKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing body", http.StatusBadRequest)
		return
	}

	if len(h.known) > 0 && !h.known[req.PlayerID] {
		log.Printf("unknown player %s", req.PlayerID)
		http.NotFound(w, r)
		return
	}

	h.mu.Lock()
	h.last[req.PlayerID] = req
	h.mu.Unlock()

	log.Printf("location player=%s x=%g y=%g z=%g recorded_at=%s",
		req.PlayerID, req.X, req.Y, req.Z, req.RecordedAt.Format(time.RFC3339))

	w.WriteHeader(http.StatusNoContent)
}

func (h *hook) handleList(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.last)
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	apiKey := flag.String("api-key", "", "Required bearer token (empty accepts any)")
	players := flag.String("players", "", "Comma-separated known player ids; others get 404 (empty accepts all)")
	flag.Parse()

	h := &hook{
		apiKey: *apiKey,
		known:  make(map[string]bool),
		last:   make(map[string]locationRequest),
	}
	for _, id := range strings.Split(*players, ",") {
		if id = strings.TrimSpace(id); id != "" {
			h.known[id] = true
		}
	}

	http.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.handleList(w, r)
			return
		}
		h.handleLocation(w, r)
	})

	log.Printf("Location webhook receiver listening on %s", *addr)
	log.Printf("Point storage.webhook.endpoint at http://localhost%s/locations", *addr)

	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}

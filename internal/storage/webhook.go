package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// WebhookConfig contains webhook store configuration
type WebhookConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
}

// WebhookStore posts each location to an HTTP endpoint
type WebhookStore struct {
	config     WebhookConfig
	httpClient *http.Client
	semaphore  chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// locationRequest is the JSON body sent to the webhook
type locationRequest struct {
	PlayerID   string    `json:"_steamid"`
	X          float32   `json:"x"`
	Y          float32   `json:"y"`
	Z          float32   `json:"z"`
	RecordedAt time.Time `json:"recorded_at"`
}

// WebhookStats represents webhook statistics
type WebhookStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewWebhookStore creates a webhook-backed store
func NewWebhookStore(config WebhookConfig) (*WebhookStore, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &WebhookStore{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// RecordLocation posts one location. Failures are returned as-is; there is no retry.
func (w *WebhookStore) RecordLocation(ctx context.Context, id string, x, y, z float32) error {
	select {
	case w.semaphore <- struct{}{}:
		defer func() { <-w.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	startTime := time.Now()
	w.incrementTotalRequests()

	err := w.doRequest(ctx, locationRequest{
		PlayerID:   id,
		X:          x,
		Y:          y,
		Z:          z,
		RecordedAt: startTime.UTC(),
	})
	if err != nil {
		w.incrementFailedRequests()
		return err
	}

	w.incrementSuccessRequests()
	w.updateAvgResponseTime(time.Since(startTime))
	return nil
}

// doRequest performs a single HTTP request to the webhook
func (w *WebhookStore) doRequest(ctx context.Context, request locationRequest) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "UDP-Relay-Service/1.0")
	if w.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, request.PlayerID)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Statistics methods
func (w *WebhookStore) incrementTotalRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalRequests++
}

func (w *WebhookStore) incrementSuccessRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.successRequests++
}

func (w *WebhookStore) incrementFailedRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failedRequests++
}

func (w *WebhookStore) updateAvgResponseTime(responseTime time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Simple moving average
	if w.avgResponseTime == 0 {
		w.avgResponseTime = responseTime
	} else {
		w.avgResponseTime = (w.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current webhook statistics
func (w *WebhookStore) GetStats() WebhookStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	successRate := float64(0)
	if w.totalRequests > 0 {
		successRate = float64(w.successRequests) / float64(w.totalRequests) * 100
	}

	return WebhookStats{
		TotalRequests:   w.totalRequests,
		SuccessRequests: w.successRequests,
		FailedRequests:  w.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: w.avgResponseTime,
		ActiveRequests:  len(w.semaphore),
	}
}

// Close waits for active requests to complete
func (w *WebhookStore) Close() error {
	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.semaphore <- struct{}{}
	}
	w.httpClient.CloseIdleConnections()
	return nil
}

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// NGPPayload is the fixed-shape fix forwarded to the tracking platform.
type NGPPayload struct {
	DeviceID     string      `json:"device_id"`
	MessageTime  string      `json:"message_time"`
	Location     NGPLocation `json:"location"`
	BatteryLevel *int        `json:"battery_level,omitempty"`
}

// NGPLocation carries the position block. Speed is whole km/h.
type NGPLocation struct {
	GNSSTime   *string  `json:"gnss_time"`
	FixType    string   `json:"fix_type"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Satellites *int     `json:"satellites,omitempty"`
	Altitude   *float64 `json:"altitude,omitempty"`
	Speed      *int     `json:"speed,omitempty"`
	Heading    *int     `json:"heading,omitempty"`
}

const (
	FixTypeHasFix = "HAS_FIX"
	FixTypeNoFix  = "NO_FIX"
)

// Deliverer sends one payload downstream. Implementations make a single
// attempt; an error describes why the attempt failed.
type Deliverer interface {
	Deliver(ctx context.Context, p NGPPayload) error
}

// NGPClient posts payloads to the NGP endpoint.
type NGPClient struct {
	url        string
	httpClient *http.Client
}

// NewNGPClient creates a client with a bounded per-request timeout.
func NewNGPClient(url string, timeout time.Duration) *NGPClient {
	return &NGPClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Deliver posts p once. Any non-2xx status is an error.
func (c *NGPClient) Deliver(ctx context.Context, p NGPPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	slog.Info("ngp response",
		"status", resp.StatusCode,
		"device_id", p.DeviceID,
		"body", truncate(sample, 160),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ngp http status: %d %s", resp.StatusCode, truncate(sample, 160))
	}
	return nil
}

// truncate shortens b for log lines and error messages.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

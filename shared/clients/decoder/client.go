package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"wind-telemetry-platform/shared/config"
	"wind-telemetry-platform/shared/metricsx"
)

var ErrCircuitOpen = errors.New("decoder circuit open")

// Client calls the vendor record decoder service. The service reads the
// file at Path and answers with the kind's typed rows as a JSON array.
type Client struct {
	baseURL  string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type DecodeRequest struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type DecodeResponse struct {
	Kind    string          `json:"kind"`
	Records json.RawMessage `json:"records"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.DecoderURL == "" {
		return nil, errors.New("DECODER_URL is required")
	}
	timeout := time.Duration(cfg.DecoderTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  strings.TrimRight(cfg.DecoderURL, "/"),
		timeout:  timeout,
		retryMax: cfg.DecoderRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) Decode(ctx context.Context, req DecodeRequest) (DecodeResponse, error) {
	if c == nil || c.http == nil {
		return DecodeResponse{}, errors.New("decoder client not initialized")
	}
	if c.breaker.Open() {
		return DecodeResponse{}, ErrCircuitOpen
	}
	body, err := json.Marshal(req)
	if err != nil {
		return DecodeResponse{}, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		out, retry, err := c.do(ctx, body)
		if err == nil {
			c.breaker.Success()
			metricsx.ObserveDecoderLatency(time.Since(start))
			return out, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		c.breaker.Fail()
	}
	metricsx.IncDecoderFailure()
	return DecodeResponse{}, lastErr
}

// do performs one attempt; retry is true for transport and 5xx failures.
func (c *Client) do(ctx context.Context, body []byte) (DecodeResponse, bool, error) {
	reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/decode", bytes.NewReader(body))
	if err != nil {
		return DecodeResponse{}, false, err
	}
	reqHTTP.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(reqHTTP)
	if err != nil {
		return DecodeResponse{}, true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return DecodeResponse{}, true, fmt.Errorf("decoder service error: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return DecodeResponse{}, false, fmt.Errorf("decode rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out DecodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DecodeResponse{}, false, fmt.Errorf("decode response: %w", err)
	}
	return out, false, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

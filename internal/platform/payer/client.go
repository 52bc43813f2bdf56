// Package payer carries the opaque collaborator capabilities this core
// consumes: submitting a request to a payer channel and querying tracking
// status. Wire payload construction (FHIR resource bodies, X12 segments)
// happens behind these endpoints and is not this module's concern.
package payer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Submitter submits a prior-auth request to one payer channel and returns the
// payer's external tracking identifier.
type Submitter interface {
	Submit(ctx context.Context, payload any) (trackingID string, err error)
}

// StatusQuerier queries the payer for the current status of a submitted
// request by external tracking identifier.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, trackingID string) (externalStatus string, err error)
}

// HTTPClient is a Submitter and StatusQuerier over a payer gateway endpoint
// (a FHIR intermediary or an EDI clearinghouse front end).
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// NewHTTPClient creates a client for the gateway at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type submitResponse struct {
	TrackingID string `json:"tracking_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Submit POSTs the payload to <base>/submissions and returns the tracking id.
func (h *HTTPClient) Submit(ctx context.Context, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/submissions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit to payer gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("payer gateway returned %d: %s", resp.StatusCode, string(b))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submission response: %w", err)
	}
	if out.TrackingID == "" {
		return "", fmt.Errorf("payer gateway returned no tracking id")
	}
	return out.TrackingID, nil
}

// QueryStatus GETs <base>/submissions/<trackingID>/status.
func (h *HTTPClient) QueryStatus(ctx context.Context, trackingID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/submissions/%s/status", h.baseURL, trackingID), nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query payer status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("payer gateway returned %d: %s", resp.StatusCode, string(b))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return out.Status, nil
}

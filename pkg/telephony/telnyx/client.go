package telnyx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrCallEnded reports that a call control command raced the caller hanging
// up: the call no longer exists on the Telnyx side. Handlers treat this as a
// normal outcome, not a failure.
var ErrCallEnded = errors.New("call already ended")

const defaultBaseURL = "https://api.telnyx.com/v2"

// Client issues Call Control and Messaging commands.
type Client struct {
	apiKey     string
	baseURL    string
	fromNumber string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, typically for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient creates a Telnyx API client. fromNumber is the concierge's own
// number, used as the sender for outbound SMS.
func NewClient(apiKey, fromNumber string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		fromNumber: fromNumber,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Answer accepts an inbound call and requests bidirectional media over the
// given websocket URL.
func (c *Client) Answer(ctx context.Context, callControlID, streamURL string) error {
	body := map[string]any{
		"stream_url":                streamURL,
		"stream_track":              "both_tracks",
		"stream_bidirectional_mode": "rtp",
	}
	return c.callCommand(ctx, callControlID, "answer", body)
}

// Hangup terminates a call. Hanging up a call that already ended returns
// ErrCallEnded.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	return c.callCommand(ctx, callControlID, "hangup", map[string]any{})
}

// SendMessage sends an SMS from the concierge number.
func (c *Client) SendMessage(ctx context.Context, to, text string) error {
	body := map[string]any{
		"from": c.fromNumber,
		"to":   to,
		"text": text,
	}
	return c.post(ctx, "/messages", body)
}

func (c *Client) callCommand(ctx context.Context, callControlID, action string, body map[string]any) error {
	path := fmt.Sprintf("/calls/%s/actions/%s", callControlID, action)
	return c.post(ctx, path, body)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telnyx request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if isCallEnded(resp.StatusCode, data) {
		return ErrCallEnded
	}
	return fmt.Errorf("telnyx %s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
}

type apiErrorBody struct {
	Errors []struct {
		Code  string `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// isCallEnded classifies the command-raced-hangup responses. Telnyx reports
// these as 404 on the call resource or error code 90018 ("Call has already
// ended").
func isCallEnded(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	for _, e := range parsed.Errors {
		if e.Code == "90018" {
			return true
		}
	}
	return false
}

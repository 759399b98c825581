// Package client speaks the tagvault JSON API and performs the
// client-side half of the secret-tag protocol: key derivation, envelope
// construction, login proofs, and blob encryption all happen here, so the
// server never sees a phrase or an unwrapped key.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client is a tagvault API client. Token, when set, is sent as the
// Bearer session token; UserID is sent as the gateway principal header
// on registration calls.
type Client struct {
	BaseURL string
	UserID  string
	Token   string

	httpClient *http.Client
}

func New(serverURL, userID string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(serverURL, "/"),
		UserID:     userID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the server's error envelope.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserID != "" {
		req.Header.Set("X-User-ID", c.UserID)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// WarnIfInsecure prints a warning when the server URL is plain HTTP.
func (c *Client) WarnIfInsecure() {
	if !strings.HasPrefix(c.BaseURL, "https://") {
		fmt.Fprintf(os.Stderr, "tagvaultctl: WARNING: communicating over plaintext HTTP (%s)\n", c.BaseURL)
	}
}

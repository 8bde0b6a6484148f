package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to an agentic-memory service over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewClient creates an HTTP memory client for the configured endpoint.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("memory service base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid memory service URL %s: %w", cfg.BaseURL, err)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// AddNote upserts a note into a collection. PUT against the note id keeps
// the operation idempotent: re-running a turn after a crash between the
// service write and the checkpoint write overwrites the same document.
func (c *Client) AddNote(ctx context.Context, collection string, note Note) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal note %s: %w", note.ID, err)
	}

	endpoint := fmt.Sprintf("%s/v1/collections/%s/notes/%s",
		c.baseURL, url.PathEscape(collection), url.PathEscape(note.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("add note %s: %w", note.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	return nil
}

// Close implements Indexer.
func (c *Client) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}

package synctransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/morango-sync/morango/internal/morango"
)

// Sentinel errors for common HTTP error classes returned by a peer's
// internal/syncserver.
var (
	ErrUnauthorized = errors.New("synctransport: unauthorized")
	ErrForbidden    = errors.New("synctransport: forbidden")
	ErrNotFound     = errors.New("synctransport: not found")
)

// Client is an HTTP implementation of morango.Transport, talking to a
// peer's internal/syncserver endpoints.
type Client struct {
	BaseURL    string
	PeerToken  string
	HTTP       *http.Client
	MaxRetries uint64

	// Push, Profile and Filter describe the transfer session this
	// Client drives, carried on the opening ExchangeFSIC call since
	// morango.Transport has no separate session-init method. Set these
	// before handing the Client to morango.NewMachine.
	Push    bool
	Profile string
	Filter  []string
}

var _ morango.Transport = (*Client)(nil)

// New builds a Client. maxRetries bounds how many times a transient
// transport error is retried at chunk granularity before giving up,
// per the transferring stage's retry contract.
func New(baseURL, peerToken string, maxRetries uint64) *Client {
	if maxRetries == 0 {
		maxRetries = 5
	}
	return &Client{
		BaseURL:    baseURL,
		PeerToken:  peerToken,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		MaxRetries: maxRetries,
	}
}

func (c *Client) ExchangeFSIC(ctx context.Context, sessionID string, local map[morango.InstanceID]int64) (map[morango.InstanceID]int64, error) {
	var resp fsicResponse
	req := fsicRequest{FSIC: local, Push: c.Push, Profile: c.Profile, Filter: c.Filter}
	err := c.retry(ctx, func() error {
		return c.doJSON(ctx, "POST", fmt.Sprintf("/v1/sync/%s/fsic", sessionID), req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.FSIC, nil
}

func (c *Client) SendChunk(ctx context.Context, sessionID string, rows []morango.BufferRow, rmcb []morango.RMCEntryRow, done bool) error {
	payload := chunkPayload{Rows: toWireRows(rows), RMCB: toWireRMCB(rmcb), Done: done}
	return c.retry(ctx, func() error {
		return c.doJSON(ctx, "POST", fmt.Sprintf("/v1/sync/%s/chunk", sessionID), payload, nil)
	})
}

func (c *Client) RecvChunk(ctx context.Context, sessionID string) ([]morango.BufferRow, []morango.RMCEntryRow, bool, error) {
	var payload chunkPayload
	err := c.retry(ctx, func() error {
		return c.doJSON(ctx, "GET", fmt.Sprintf("/v1/sync/%s/chunk", sessionID), nil, &payload)
	})
	if err != nil {
		return nil, nil, false, err
	}
	return fromWireRows(payload.Rows), fromWireRMCB(payload.RMCB), payload.Done, nil
}

func (c *Client) Finalize(ctx context.Context, sessionID string) error {
	return c.retry(ctx, func() error {
		return c.doJSON(ctx, "POST", fmt.Sprintf("/v1/sync/%s/finalize", sessionID), nil, nil)
	})
}

// retry wraps operation in exponential backoff, retrying only
// *morango.TransportError with Transient set; a permanent error or any
// other failure returns immediately.
func (c *Client) retry(ctx context.Context, operation func() error) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	wrapped := func() error {
		err := operation()
		if err == nil {
			return nil
		}
		var te *morango.TransportError
		if !errors.As(err, &te) || !te.Transient {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithMaxRetries(bo, c.MaxRetries))
}

// apiError is the standard error body from internal/syncserver.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.PeerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.PeerToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &morango.TransportError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &morango.TransportError{Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return &morango.TransportError{Transient: true, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return &morango.TransportError{Transient: false, Err: fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)}
			case http.StatusForbidden:
				return &morango.TransportError{Transient: false, Err: fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)}
			case http.StatusNotFound:
				return &morango.TransportError{Transient: false, Err: fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)}
			default:
				return &morango.TransportError{Transient: false, Err: &apiErr}
			}
		}
		return &morango.TransportError{Transient: false, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

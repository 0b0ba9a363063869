package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/maskelog/esp32-music-info/internal/daemon"
	"github.com/maskelog/esp32-music-info/internal/observer"
)

// APIError is an error response from the control API
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Details    string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Client talks to a running daemon's control API
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a client for the daemon listening on addr
// (host:port or a full http URL)
func NewClient(addr string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: httpClient,
		dialer:     websocket.DefaultDialer,
	}
}

// Track returns the rendered current track, or "None"
func (c *Client) Track(ctx context.Context) (string, error) {
	var resp struct {
		Track string `json:"track"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/track", nil, &resp); err != nil {
		return "", err
	}
	return resp.Track, nil
}

// Target returns the connection target, or "None"
func (c *Client) Target(ctx context.Context) (string, error) {
	var resp struct {
		Target string `json:"target"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/target", nil, &resp); err != nil {
		return "", err
	}
	return resp.Target, nil
}

// SetTarget points the daemon at address and returns the stored form
func (c *Client) SetTarget(ctx context.Context, address string) (string, error) {
	var resp struct {
		Target string `json:"target"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/target", TargetRequest{Address: address}, &resp); err != nil {
		return "", err
	}
	return resp.Target, nil
}

// StartRelay starts the relay
func (c *Client) StartRelay(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/relay/start", nil, nil)
}

// StopRelay stops the relay
func (c *Client) StopRelay(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/relay/stop", nil, nil)
}

// Player returns the selected player ("" when none)
func (c *Client) Player(ctx context.Context) (string, error) {
	var resp struct {
		Player string `json:"player"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/player", nil, &resp); err != nil {
		return "", err
	}
	return resp.Player, nil
}

// SetPlayer selects player; "" clears the selection
func (c *Client) SetPlayer(ctx context.Context, player string) (string, error) {
	var resp struct {
		Player string `json:"player"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/player", PlayerRequest{Player: player}, &resp); err != nil {
		return "", err
	}
	return resp.Player, nil
}

// Players lists available media players
func (c *Client) Players(ctx context.Context) ([]observer.Player, error) {
	var resp struct {
		Players []observer.Player `json:"players"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/players", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Players, nil
}

// Status returns the full daemon status
func (c *Client) Status(ctx context.Context) (daemon.Status, error) {
	var status daemon.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

// Watch calls fn for every feed message until ctx is cancelled or the
// connection drops
func (c *Client) Watch(ctx context.Context, fn func(Message)) error {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/ws"
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon feed: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("daemon feed closed: %w", err)
		}
		fn(msg)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon (is it running?): %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

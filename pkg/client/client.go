package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to a slotr daemon over HTTP.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Username string
	Password string
	Logger   *slog.Logger // Optional logger for client operations
	// CACert is a PEM bundle used to verify an HTTPS endpoint.
	CACert   string
	Insecure bool // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:5000/api",
		Timeout: 10 * time.Second,
	}
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

func New(config Config) (*Client, error) {
	d := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = d.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = d.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tc, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		username: config.Username,
		password: config.Password,
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	// #nosec G402 -- opt-in via Insecure
	tlsConfig := &tls.Config{InsecureSkipVerify: config.Insecure}
	if config.CACert != "" {
		caCert, err := os.ReadFile(config.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func slotPath(slot, action string) string {
	return "/slots/" + url.PathEscape(slot) + "/" + action
}

// Start launches a command in slot.
func (c *Client) Start(ctx context.Context, slot string, req StartRequest) (StartResponse, error) {
	c.logger.Debug("Starting process", "slot", slot, "command", req.Command)
	var out StartResponse
	err := c.doJSON(ctx, http.MethodPost, slotPath(slot, "start"), req, &out)
	return out, err
}

// Stop stops slot's process. Status is "info" when nothing was running.
func (c *Client) Stop(ctx context.Context, slot string) (Envelope, error) {
	var out Envelope
	err := c.doJSON(ctx, http.MethodPost, slotPath(slot, "stop"), nil, &out)
	return out, err
}

// Status returns one slot's status; detailed adds resource usage.
func (c *Client) Status(ctx context.Context, slot string, detailed bool) (SlotStatus, error) {
	p := slotPath(slot, "status")
	if detailed {
		p += "?detailed=true"
	}
	var out SlotStatus
	err := c.doJSON(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

// StatusAll returns every slot keyed by name. An empty match means all.
func (c *Client) StatusAll(ctx context.Context, match string) (map[string]SlotStatus, error) {
	p := "/status"
	if match != "" {
		p += "?match=" + url.QueryEscape(match)
	}
	out := map[string]SlotStatus{}
	err := c.doJSON(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

// Tail returns the last n lines of slot's log. n <= 0 uses the server default.
func (c *Client) Tail(ctx context.Context, slot string, n int) (Tail, error) {
	p := slotPath(slot, "tail")
	if n > 0 {
		p += "?n=" + strconv.Itoa(n)
	}
	var out Tail
	err := c.doJSON(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

// DownloadLog copies slot's full log into w and returns the server's filename.
func (c *Client) DownloadLog(ctx context.Context, slot string, w io.Writer) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, slotPath(slot, "log"), nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return "", err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}
	name := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if i := strings.Index(cd, "filename="); i >= 0 {
			name = strings.Trim(cd[i+len("filename="):], `"`)
		}
	}
	return name, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkResponse turns non-2xx responses into *APIError.
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "message", env.Message, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
}

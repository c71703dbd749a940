package pve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/proxmux/proxmux/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

// Client talks to one Proxmox VE endpoint. The session (ticket + CSRF
// prevention token) lives behind the mutex and is replaced or cleared as a
// unit; callers never see a half-swapped credential pair.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
	mu         sync.Mutex
	session    session
}

// ClientConfig configures a single endpoint connection.
type ClientConfig struct {
	Host        string
	User        string
	Password    string
	Realm       string
	Fingerprint string
	VerifySSL   bool
	Timeout     time.Duration
}

type session struct {
	ticket    string
	csrfToken string
	issuedAt  time.Time
}

type apiResponse[T any] struct {
	Data T `json:"data"`
}

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return fmt.Sprintf("authentication error: API error %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsAuthStatus reports whether the error is a 401/403 API response.
func IsAuthStatus(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}

// StatusCode extracts the HTTP status from an API error, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// NewClient builds a client for one endpoint. No network traffic happens
// here; authentication is lazy.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Realm == "" {
		cfg.Realm = "pam"
	}

	if !strings.HasPrefix(cfg.Host, "http://") && !strings.HasPrefix(cfg.Host, "https://") {
		cfg.Host = "https://" + cfg.Host
	}
	if strings.HasPrefix(cfg.Host, "http://") {
		log.Warn().Str("host", cfg.Host).Msg("Using HTTP for PVE connection - consider enabling HTTPS")
	}

	httpClient := tlsutil.CreateHTTPClientWithTimeout(cfg.VerifySSL, cfg.Fingerprint, cfg.Timeout)

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.Host, "/") + "/api2/json",
		httpClient: httpClient,
		config:     cfg,
	}, nil
}

// Authenticate performs ticket-based authentication. A successful call
// atomically replaces any prior session. Never retried here; retry policy is
// the executor's job.
func (c *Client) Authenticate(ctx context.Context) error {
	username := c.config.User
	if username != "" && !strings.Contains(username, "@") {
		username = username + "@" + c.config.Realm
	}

	payload := map[string]string{
		"username": username,
		"password": c.config.Password,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/access/ticket", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.handleAuthResponse(resp); err != nil {
		if shouldFallbackToForm(err) {
			return c.authenticateForm(ctx, username, c.config.Password)
		}
		return err
	}

	return nil
}

// authenticateForm retries the ticket request as form data for older API
// versions that reject JSON bodies.
func (c *Client) authenticateForm(ctx context.Context, username, password string) error {
	data := url.Values{
		"username": {username},
		"password": {password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/access/ticket", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.handleAuthResponse(resp)
}

func (c *Client) handleAuthResponse(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var result struct {
		Data struct {
			Ticket              string `json:"ticket"`
			CSRFPreventionToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.Data.Ticket == "" {
		return fmt.Errorf("authentication response carried no ticket")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = session{
		ticket:    result.Data.Ticket,
		csrfToken: result.Data.CSRFPreventionToken,
		issuedAt:  time.Now(),
	}

	return nil
}

func shouldFallbackToForm(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadRequest, http.StatusUnsupportedMediaType:
			return true
		}
	}
	return false
}

// HasSession reports whether a ticket is currently held. Ticket lifetime on
// the remote side is opaque; validity is only disproven by a downstream 401.
func (c *Client) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ticket != ""
}

// ClearSession invalidates the current session as a unit.
func (c *Client) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session{}
}

// Host returns the normalized base host of the endpoint.
func (c *Client) Host() string {
	return strings.TrimSuffix(c.baseURL, "/api2/json")
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	if params != nil {
		if method == http.MethodGet {
			req.URL.RawQuery = params.Encode()
		} else if body == nil {
			req.Body = io.NopCloser(strings.NewReader(params.Encode()))
			req.ContentLength = int64(len(params.Encode()))
			contentType = "application/x-www-form-urlencoded"
		}
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.mu.Lock()
	ticket := c.session.ticket
	csrf := c.session.csrfToken
	c.mu.Unlock()

	if ticket != "" {
		req.Header.Set("Cookie", "PVEAuthCookie="+ticket)
		if method != http.MethodGet && csrf != "" {
			req.Header.Set("CSRFPreventionToken", csrf)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	resp, err := c.request(ctx, http.MethodGet, path, params, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	resp, err := c.request(ctx, http.MethodPost, path, params, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	maxRetries   = 3
	retryBackoff = 500 * time.Millisecond
)

// PanelClient calls the VPN panel to manage data-plane user accounts.
// Access tokens are cached and refreshed on expiry or a 401.
type PanelClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewPanelClient creates a new panel client
func NewPanelClient(baseURL, username, password string) *PanelClient {
	return &PanelClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateUserRequest is the request to provision a panel user
type CreateUserRequest struct {
	Username  string   `json:"username"`
	Protocols []string `json:"protocols"`
	DataLimit int64    `json:"data_limit"` // bytes, 0 = unlimited
	Expire    int64    `json:"expire"`     // unix seconds, 0 = never
}

// ModifyUserRequest is the request to update a panel user
type ModifyUserRequest struct {
	DataLimit *int64 `json:"data_limit,omitempty"`
	Expire    *int64 `json:"expire,omitempty"`
	Status    string `json:"status,omitempty"` // active, disabled
}

// PanelUser contains the panel's view of a user account
type PanelUser struct {
	Username        string `json:"username"`
	Status          string `json:"status"`
	DataLimit       int64  `json:"data_limit"`
	UsedTraffic     int64  `json:"used_traffic"`
	Expire          int64  `json:"expire"`
	SubscriptionURL string `json:"subscription_url"`
	Error           string `json:"error,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// CreateUser provisions a user account on the panel
func (c *PanelClient) CreateUser(ctx context.Context, req *CreateUserRequest) (*PanelUser, error) {
	log.Printf("[PanelClient] Creating panel user: %s", req.Username)

	var result PanelUser
	if err := c.do(ctx, "POST", "/api/user", req, &result, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}

	log.Printf("[PanelClient] Panel user created: %s", result.Username)
	return &result, nil
}

// ModifyUser updates limits, expiry or status of a panel user
func (c *PanelClient) ModifyUser(ctx context.Context, username string, req *ModifyUserRequest) (*PanelUser, error) {
	log.Printf("[PanelClient] Modifying panel user: %s", username)

	var result PanelUser
	if err := c.do(ctx, "PUT", "/api/user/"+url.PathEscape(username), req, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoveUser deletes a panel user. A 404 is treated as success so removal
// stays idempotent.
func (c *PanelClient) RemoveUser(ctx context.Context, username string) error {
	log.Printf("[PanelClient] Removing panel user: %s", username)
	return c.do(ctx, "DELETE", "/api/user/"+url.PathEscape(username), nil, nil,
		http.StatusOK, http.StatusNoContent, http.StatusNotFound)
}

// GetUser fetches the panel's view of a user
func (c *PanelClient) GetUser(ctx context.Context, username string) (*PanelUser, error) {
	var result PanelUser
	if err := c.do(ctx, "GET", "/api/user/"+url.PathEscape(username), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResetUserUsage zeroes the panel-side traffic counter for a user
func (c *PanelClient) ResetUserUsage(ctx context.Context, username string) error {
	log.Printf("[PanelClient] Resetting usage for panel user: %s", username)
	return c.do(ctx, "POST", "/api/user/"+url.PathEscape(username)+"/reset", nil, nil, http.StatusOK)
}

// do sends an authenticated request with bounded retries. Network errors and
// 5xx responses are retried with backoff; a 401 triggers one token refresh.
func (c *PanelClient) do(ctx context.Context, method, path string, reqBody, respBody any, okStatuses ...int) error {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}

		retryable, err := c.doOnce(ctx, method, path, payload, respBody, okStatuses)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		log.Printf("[PanelClient] %s %s attempt %d failed: %v", method, path, attempt+1, err)
	}
	return fmt.Errorf("panel request failed after %d attempts: %w", maxRetries, lastErr)
}

func (c *PanelClient) doOnce(ctx context.Context, method, path string, payload []byte, respBody any, okStatuses []int) (retryable bool, err error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return true, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
		return true, fmt.Errorf("panel rejected token")
	}

	statusOK := false
	for _, s := range okStatuses {
		if resp.StatusCode == s {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return resp.StatusCode >= 500, fmt.Errorf("panel returned status %d: %s", resp.StatusCode, string(raw))
	}

	if respBody != nil && resp.StatusCode != http.StatusNotFound {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return false, fmt.Errorf("decode response: %w (body: %s)", err, string(raw))
		}
	}
	return false, nil
}

// getToken returns a cached access token, fetching a fresh one when needed
func (c *PanelClient) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.username)
	form.Set("password", c.password)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("panel token endpoint returned status %d: %s", resp.StatusCode, string(raw))
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("panel token endpoint returned empty token")
	}

	// Panels issue 24h tokens; refresh well before that.
	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(12 * time.Hour)
	return c.token, nil
}

func (c *PanelClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

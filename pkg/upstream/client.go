// Package upstream implements the backend wire protocol: the public-key
// handshake, model listing, chat completions, and image generation.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	publicKeyPath   = "/backend-api/v2/public-key"
	modelsPath      = "/api/Azure/models"
	completionsPath = "/api/Azure/chat/completions"
	imagesPath      = "/api/Azure/images/generations"

	maxResponseBytes = 16 << 20
)

// HandshakeResponse is the payload of the public-key endpoint. Data is kept
// opaque; it is echoed back inside the encrypted credential payload.
type HandshakeResponse struct {
	Data      json.RawMessage `json:"data"`
	PublicKey string          `json:"public_key"`
	User      string          `json:"user"`
}

// ModelRecord is one entry of the backend model list. Missing capability
// flags decode to false.
type ModelRecord struct {
	ID     string `json:"id"`
	Image  bool   `json:"image"`
	Vision bool   `json:"vision"`
	Audio  bool   `json:"audio"`
}

// StatusError reports a non-2xx backend response with the original body
// attached for diagnostics.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, msg)
}

// Client talks to a single backend origin. Every call carries a fixed
// timeout; there is no retry or backoff, failures surface directly.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() string { return c.baseURL }

// PublicKey performs the credential handshake, identifying with the given
// outbound user-agent string. The backend historically served this on POST;
// a non-2xx answer falls back to GET.
func (c *Client) PublicKey(ctx context.Context, userAgent string) (*HandshakeResponse, error) {
	body, err := c.fetchPublicKey(ctx, http.MethodPost, userAgent)
	if err != nil {
		body, err = c.fetchPublicKey(ctx, http.MethodGet, userAgent)
	}
	if err != nil {
		return nil, fmt.Errorf("public-key handshake: %w", err)
	}
	var hs HandshakeResponse
	if err := json.Unmarshal(body, &hs); err != nil {
		return nil, fmt.Errorf("decode handshake response: %w", err)
	}
	if len(hs.Data) == 0 || strings.TrimSpace(hs.PublicKey) == "" {
		return nil, fmt.Errorf("handshake response missing data or public_key")
	}
	if strings.TrimSpace(hs.User) == "" {
		hs.User = "error"
	}
	return &hs, nil
}

func (c *Client) fetchPublicKey(ctx context.Context, method, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+publicKeyPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Models fetches the backend model list using a minted credential.
func (c *Client) Models(ctx context.Context, key, userAgent string) ([]ModelRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, key, userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var payload struct {
		Data []ModelRecord `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	return payload.Data, nil
}

// ChatCompletions forwards a completion request body verbatim and returns
// the buffered backend response.
func (c *Client) ChatCompletions(ctx context.Context, key, userAgent string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, key, userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completions: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read completions response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// StreamChatCompletions forwards a completion request and hands the live
// response back to the caller, who owns closing resp.Body. A non-2xx status
// is drained into a StatusError.
func (c *Client) StreamChatCompletions(ctx context.Context, key, userAgent string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, key, userAgent)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream chat completions: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

// GenerateImages submits an image generation request and returns the raw
// backend body so callers can rewrite URLs without losing unknown fields.
func (c *Client) GenerateImages(ctx context.Context, key, userAgent, model, prompt string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"model": model, "prompt": prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+imagesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, key, userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate images: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read images response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func (c *Client) setAuthHeaders(req *http.Request, key, userAgent string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", userAgent)
}

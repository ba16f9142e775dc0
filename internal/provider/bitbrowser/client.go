// Package bitbrowser talks to a BitBrowser-style local API that opens and
// closes isolated browser profiles and reports their DevTools endpoints.
package bitbrowser

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
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/metrics"
	"github.com/JakeFAU/genfleet/internal/policy/ratelimit"
)

const maxBody = 1 << 20

// Config controls the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Args are passed to the browser on open.
	Args []string
}

// Client implements farm.SessionProvider.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New constructs a Client. A nil limiter disables pacing.
func New(cfg Config, httpClient *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("bitbrowser: base url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("bitbrowser: parse base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Args == nil {
		cfg.Args = []string{"--enable-automation"}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, limiter: limiter, logger: logger.Named("bitbrowser")}, nil
}

type openRequest struct {
	ID   string   `json:"id"`
	Args []string `json:"args"`
}

type closeRequest struct {
	ID string `json:"id"`
}

type response struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

type openData struct {
	WS   string `json:"ws"`
	HTTP string `json:"http"`
}

// Open starts the browser profile id and returns its DevTools endpoint.
// Opening an already open profile returns the running endpoint.
func (c *Client) Open(ctx context.Context, id string) (farm.Endpoint, error) {
	var data openData
	if err := c.call(ctx, "open", "/browser/open", openRequest{ID: id, Args: c.cfg.Args}, &data); err != nil {
		return farm.Endpoint{}, err
	}
	if data.WS == "" {
		return farm.Endpoint{}, fmt.Errorf("open %s: response has no websocket url", id)
	}
	endpoint := farm.Endpoint{WSURL: data.WS, HTTPAddr: data.HTTP}
	if endpoint.HTTPAddr == "" {
		endpoint.HTTPAddr = hostFromWS(data.WS)
	}
	c.logger.Info("browser opened", zap.String("browser_id", id), zap.String("http", endpoint.HTTPAddr))
	return endpoint, nil
}

// Close stops the browser profile id.
func (c *Client) Close(ctx context.Context, id string) error {
	if err := c.call(ctx, "close", "/browser/close", closeRequest{ID: id}, nil); err != nil {
		return err
	}
	c.logger.Info("browser closed", zap.String("browser_id", id))
	return nil
}

func (c *Client) call(ctx context.Context, op, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	target := c.cfg.BaseURL + path
	if err := c.limiter.WaitURL(ctx, target); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	start := time.Now()
	err := c.do(ctx, target, body, out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObserveProviderCall(op, result, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, target string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !decoded.Success {
		msg := decoded.Msg
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("provider refused: %s", msg)
	}
	if out != nil && len(decoded.Data) > 0 {
		if err := json.Unmarshal(decoded.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// hostFromWS derives host:port from a DevTools websocket URL.
func hostFromWS(ws string) string {
	u, err := url.Parse(ws)
	if err != nil {
		return ""
	}
	return u.Host
}

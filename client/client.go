package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mintlane/relay/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrUnauthorized = errors.New("unauthorized: invalid or missing relay secret")
	ErrBadRequest   = errors.New("bad request")
)

type Config struct {
	// Endpoint is the relay base URL, e.g. "http://127.0.0.1:8080".
	Endpoint   string
	Secret     string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client talks to a relay instance: publishing events, subscribing to
// topic streams, and reading server status.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	secret     string
	skipVerify bool
	logger     *slog.Logger
}

func New(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	baseURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint '%s': %w", cfg.Endpoint, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme must be http or https, got '%s'", baseURL.Scheme)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		secret:     cfg.Secret,
		skipVerify: cfg.SkipVerify,
		logger:     logger.WithGroup("relay_client"),
	}, nil
}

// Publish injects one event into the relay. Delivery to subscribers is
// best-effort on the server side; a nil return only means the relay
// accepted the event.
func (c *Client) Publish(ctx context.Context, topic, event string, data any) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		raw = encoded
	}

	body, err := json.Marshal(models.PublishRequest{
		Topic: topic,
		Event: event,
		Data:  raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/publish"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusBadRequest:
		var er models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
			return fmt.Errorf("%w: %s", ErrBadRequest, er.Error)
		}
		return ErrBadRequest
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d from relay: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

func (c *Client) Status(ctx context.Context) (*models.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/status"), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from relay", resp.StatusCode)
	}

	var st models.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &st, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = path
	return u.String()
}

func (c *Client) setAuth(req *http.Request) {
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
}

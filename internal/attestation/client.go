// Package attestation talks to the off-chain attestation service that certifies burn messages.
package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	SandboxURL = "https://iris-api-sandbox.circle.com"
	MainnetURL = "https://iris-api.circle.com"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

var (
	ErrInvalidClientConfig = errors.New("attestation: invalid client config")
	ErrUnavailable         = errors.New("attestation: service unavailable")
)

// Response is one lookup result. Attestation is only set when Status is complete.
type Response struct {
	Status      Status
	Attestation []byte
}

type wireResponse struct {
	Status      string `json:"status"`
	Attestation string `json:"attestation"`
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithRateLimit caps outbound requests per second. The public service allows roughly 10.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) error {
		if perSecond <= 0 || burst <= 0 {
			return fmt.Errorf("%w: rate limit must be > 0", ErrInvalidClientConfig)
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithBreakerThreshold opens the circuit after n consecutive failures.
func WithBreakerThreshold(n uint32) ClientOption {
	return func(c *Client) error {
		if n == 0 {
			return fmt.Errorf("%w: breaker threshold must be > 0", ErrInvalidClientConfig)
		}
		c.breakerThreshold = n
		return nil
	}
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) error {
		if log != nil {
			c.log = log
		}
		return nil
	}
}

// Client performs single attestation lookups. It does not poll.
type Client struct {
	baseURL      *url.URL
	hc           *http.Client
	maxRespBytes int64
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker
	log          *slog.Logger

	breakerThreshold uint32
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:          u,
		hc:               &http.Client{Timeout: 30 * time.Second},
		maxRespBytes:     1 << 20,
		limiter:          rate.NewLimiter(rate.Limit(10), 1),
		log:              slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
		breakerThreshold: 5,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	log := c.log
	threshold := c.breakerThreshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "attestation",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("attestation circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// Get looks up the attestation for messageHash. A 404 means the service has not indexed the
// message yet and is reported as pending.
func (c *Client) Get(ctx context.Context, messageHash common.Hash) (Response, error) {
	if c == nil || c.baseURL == nil {
		return Response{}, fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("attestation: rate limiter: %w", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, messageHash)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Response{}, err
	}
	return out.(Response), nil
}

func (c *Client) get(ctx context.Context, messageHash common.Hash) (Response, error) {
	u := *c.baseURL
	u.Path = path.Join(nonEmpty(u.Path), "attestations", messageHash.Hex())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("attestation: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("attestation: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return Response{}, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Response{Status: StatusPending}, nil
	case resp.StatusCode != http.StatusOK:
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return Response{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return Response{}, fmt.Errorf("attestation: unmarshal response: %w", err)
	}
	out := Response{Status: Status(strings.ToLower(strings.TrimSpace(wr.Status)))}
	if out.Status == StatusComplete {
		sig, err := decodeSignature(wr.Attestation)
		if err != nil {
			return Response{}, err
		}
		out.Attestation = sig
	}
	return out, nil
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "PENDING") {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("attestation: decode signature: %w", err)
	}
	return b, nil
}

func nonEmpty(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("attestation: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("attestation: response too large")
	}
	return b, nil
}

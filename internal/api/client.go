package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/usdc-relay/cctp-orchestrator/internal/incident"
)

var ErrInvalidClientConfig = errors.New("api: invalid client config")

// StatusError is returned for non-2xx responses. Body is the decoded error, when it was JSON.
type StatusError struct {
	StatusCode int
	Body       ErrorResponse
}

func (e *StatusError) Error() string {
	msg := e.Body.Error
	if e.Body.Detail != "" {
		msg += ": " + e.Body.Detail
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, msg)
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

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
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
		baseURL:   u,
		authToken: authToken,
		// Orchestrations block until the destination mint lands.
		hc:           &http.Client{Timeout: 35 * time.Minute},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) SubmitTransfer(ctx context.Context, req TransferRequest) (ReceiptResponse, error) {
	var out ReceiptResponse
	err := c.do(ctx, http.MethodPost, "/v1/transfers", req, &out)
	return out, err
}

func (c *Client) SubmitDeposit(ctx context.Context, req TransferRequest) (ReceiptResponse, error) {
	var out ReceiptResponse
	err := c.do(ctx, http.MethodPost, "/v1/deposits", req, &out)
	return out, err
}

func (c *Client) Resume(ctx context.Context, req ResumeRequest) (ReceiptResponse, error) {
	var out ReceiptResponse
	err := c.do(ctx, http.MethodPost, "/v1/transfers/resume", req, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (TransferView, error) {
	var out TransferView
	err := c.do(ctx, http.MethodGet, "/v1/transfers/"+id, nil, &out)
	return out, err
}

// List returns attempts at stage, e.g. "awaiting_attestation".
func (c *Client) List(ctx context.Context, stage string, limit int) (TransferList, error) {
	q := url.Values{"stage": {stage}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out TransferList
	err := c.do(ctx, http.MethodGet, "/v1/transfers?"+q.Encode(), nil, &out)
	return out, err
}

// Stranded returns unfinished transfers that no orchestrator is driving.
func (c *Client) Stranded(ctx context.Context, limit int) (TransferList, error) {
	suffix := "/v1/transfers/stranded"
	if limit > 0 {
		suffix += "?limit=" + strconv.Itoa(limit)
	}
	var out TransferList
	err := c.do(ctx, http.MethodGet, suffix, nil, &out)
	return out, err
}

func (c *Client) Incident(ctx context.Context, id string, attempt int) (incident.Report, error) {
	var out incident.Report
	err := c.do(ctx, http.MethodGet, "/v1/incidents/"+id+"/"+strconv.Itoa(attempt), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, suffix string, in any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	p, query, _ := strings.Cut(suffix, "?")
	u.Path = joinPath(u.Path, p)
	u.RawQuery = query

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("api: http do: %w", err)
	}
	defer resp.Body.Close()

	b, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode}
		if json.Unmarshal(b, &se.Body) != nil {
			se.Body = ErrorResponse{Error: strings.TrimSpace(string(b))}
		}
		return se
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("api: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("api: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("api: response too large")
	}
	return b, nil
}

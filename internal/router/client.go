// Package router requests cross-chain swap routes with destination post-hooks from a third-party
// router and returns the source-chain transaction it asks the caller to submit.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://apiplus.squidrouter.com"

var (
	ErrInvalidClientConfig = errors.New("router: invalid client config")
	ErrInvalidRequest      = errors.New("router: invalid route request")
	ErrInvalidRoute        = errors.New("router: invalid route response")
)

// HookCall is one call the router executes on the destination chain after the swap lands. The
// router substitutes the bridged amount at Payload.InputPos; that contract is the router's.
type HookCall struct {
	CallType     int         `json:"callType"`
	Target       string      `json:"target"`
	Value        string      `json:"value"`
	CallData     string      `json:"callData"`
	Payload      HookPayload `json:"payload"`
	EstimatedGas string      `json:"estimatedGas"`
	ChainType    string      `json:"chainType"`
}

type HookPayload struct {
	TokenAddress string `json:"tokenAddress"`
	InputPos     string `json:"inputPos"`
}

type PostHook struct {
	ChainType   string     `json:"chainType"`
	Calls       []HookCall `json:"calls"`
	Provider    string     `json:"provider"`
	Description string     `json:"description"`
}

// RouteRequest is the route query. Amounts are base-unit integer strings.
type RouteRequest struct {
	FromAddress string    `json:"fromAddress"`
	FromChain   string    `json:"fromChain"`
	ToChain     string    `json:"toChain"`
	FromToken   string    `json:"fromToken"`
	FromAmount  string    `json:"fromAmount"`
	ToToken     string    `json:"toToken"`
	ToAddress   string    `json:"toAddress"`
	Slippage    float64   `json:"slippage"`
	PostHook    *PostHook `json:"postHook,omitempty"`
}

func (r RouteRequest) validate() error {
	for name, v := range map[string]string{
		"fromAddress": r.FromAddress,
		"fromChain":   r.FromChain,
		"toChain":     r.ToChain,
		"fromToken":   r.FromToken,
		"toToken":     r.ToToken,
		"toAddress":   r.ToAddress,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidRequest, name)
		}
	}
	amt, ok := new(big.Int).SetString(r.FromAmount, 10)
	if !ok || amt.Sign() <= 0 {
		return fmt.Errorf("%w: fromAmount must be a positive integer", ErrInvalidRequest)
	}
	if r.Slippage < 0 || r.Slippage > 100 {
		return fmt.Errorf("%w: slippage out of range", ErrInvalidRequest)
	}
	return nil
}

// Route is the source-chain transaction the router wants submitted.
type Route struct {
	RequestID string
	Target    common.Address
	Data      []byte
	Value     *big.Int
	GasLimit  uint64
}

type wireRoute struct {
	Route struct {
		TransactionRequest struct {
			Target   string `json:"target"`
			Data     string `json:"data"`
			Value    string `json:"value"`
			GasLimit string `json:"gasLimit"`
		} `json:"transactionRequest"`
	} `json:"route"`
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

func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) error {
		if perSecond <= 0 || burst <= 0 {
			return fmt.Errorf("%w: rate limit must be > 0", ErrInvalidClientConfig)
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	integratorID string
	hc           *http.Client
	limiter      *rate.Limiter
	maxRespBytes int64
}

func NewClient(baseURL, integratorID string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(integratorID) == "" {
		return nil, fmt.Errorf("%w: missing integrator id", ErrInvalidClientConfig)
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
		baseURL:      u,
		integratorID: integratorID,
		hc:           &http.Client{Timeout: 30 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(2), 1),
		maxRespBytes: 4 << 20,
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

// Route asks the router for a route. The returned transaction is opaque and must be submitted
// unchanged.
func (c *Client) Route(ctx context.Context, req RouteRequest) (Route, error) {
	if err := req.validate(); err != nil {
		return Route{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Route{}, fmt.Errorf("router: rate limiter: %w", err)
	}

	u := *c.baseURL
	base := u.Path
	if base == "" {
		base = "/"
	}
	u.Path = path.Join(base, "/v2/route")

	b, err := json.Marshal(req)
	if err != nil {
		return Route{}, fmt.Errorf("router: marshal request: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return Route{}, fmt.Errorf("router: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("x-integrator-id", c.integratorID)

	resp, err := c.hc.Do(r)
	if err != nil {
		return Route{}, fmt.Errorf("router: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return Route{}, fmt.Errorf("router: read response: %w", err)
	}
	if int64(len(body)) > c.maxRespBytes {
		return Route{}, fmt.Errorf("router: response too large")
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return Route{}, fmt.Errorf("router: status %d: %s", resp.StatusCode, msg)
	}

	var wr wireRoute
	if err := json.Unmarshal(body, &wr); err != nil {
		return Route{}, fmt.Errorf("router: unmarshal response: %w", err)
	}
	out, err := decodeRoute(wr)
	if err != nil {
		return Route{}, err
	}
	out.RequestID = resp.Header.Get("x-request-id")
	return out, nil
}

func decodeRoute(wr wireRoute) (Route, error) {
	tr := wr.Route.TransactionRequest
	if !common.IsHexAddress(tr.Target) {
		return Route{}, fmt.Errorf("%w: target %q", ErrInvalidRoute, tr.Target)
	}
	data, err := hexutil.Decode(tr.Data)
	if err != nil || len(data) == 0 {
		return Route{}, fmt.Errorf("%w: data", ErrInvalidRoute)
	}
	value := big.NewInt(0)
	if s := strings.TrimSpace(tr.Value); s != "" {
		if _, ok := value.SetString(s, 10); !ok || value.Sign() < 0 {
			return Route{}, fmt.Errorf("%w: value %q", ErrInvalidRoute, tr.Value)
		}
	}
	var gasLimit uint64
	if s := strings.TrimSpace(tr.GasLimit); s != "" {
		g, ok := new(big.Int).SetString(s, 10)
		if !ok || !g.IsUint64() {
			return Route{}, fmt.Errorf("%w: gasLimit %q", ErrInvalidRoute, tr.GasLimit)
		}
		gasLimit = g.Uint64()
	}
	return Route{
		Target:   common.HexToAddress(tr.Target),
		Data:     data,
		Value:    value,
		GasLimit: gasLimit,
	}, nil
}

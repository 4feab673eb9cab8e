package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	usdcArb = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	pool    = common.HexToAddress("0xF4B1486DD74D07706052A33d31d7c0AAFD0659E1")
	owner   = common.HexToAddress("0x000000000000000000000000000000000000aBc1")
)

func validRequest(t *testing.T) RouteRequest {
	t.Helper()
	hook, err := LendingDepositHooks(LendingDeposit{Token: usdcArb, Pool: pool, OnBehalfOf: owner})
	if err != nil {
		t.Fatalf("LendingDepositHooks: %v", err)
	}
	return RouteRequest{
		FromAddress: owner.Hex(),
		FromChain:   "56",
		ToChain:     "42161",
		FromToken:   "0x55d398326f99059fF775485246999027B3197955",
		FromAmount:  "1000000000000000000",
		ToToken:     usdcArb.Hex(),
		ToAddress:   owner.Hex(),
		Slippage:    1,
		PostHook:    hook,
	}
}

func TestClient_Route(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/route" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("x-integrator-id") != "integrator-1" {
			http.Error(w, "missing integrator", http.StatusUnauthorized)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.Header().Set("x-request-id", "req-42")
		_, _ = w.Write([]byte(`{"route":{"transactionRequest":{"target":"0xce16F69375520ab01377ce7B88f5BA8C48F8D666","data":"0xdeadbeef","value":"1500","gasLimit":"400000"}}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "integrator-1", WithHTTPClient(srv.Client()), WithRateLimit(1000, 10))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	route, err := c.Route(context.Background(), validRequest(t))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Target != common.HexToAddress("0xce16F69375520ab01377ce7B88f5BA8C48F8D666") {
		t.Fatalf("target: got %s", route.Target)
	}
	if hexutil.Encode(route.Data) != "0xdeadbeef" {
		t.Fatalf("data: got %x", route.Data)
	}
	if route.Value.Cmp(big.NewInt(1500)) != 0 || route.GasLimit != 400_000 {
		t.Fatalf("value/gas: got %s %d", route.Value, route.GasLimit)
	}
	if route.RequestID != "req-42" {
		t.Fatalf("request id: got %q", route.RequestID)
	}

	hook, ok := got["postHook"].(map[string]any)
	if !ok {
		t.Fatalf("postHook missing from request: %v", got)
	}
	calls := hook["calls"].([]any)
	if len(calls) != 2 {
		t.Fatalf("hook calls: got %d want 2", len(calls))
	}
	second := calls[1].(map[string]any)
	if common.HexToAddress(second["target"].(string)) != pool {
		t.Fatalf("deposit target: got %v", second["target"])
	}
	if second["payload"].(map[string]any)["inputPos"] != "1" {
		t.Fatalf("inputPos: got %v", second["payload"])
	}
}

func TestClient_Route_RejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	c, err := NewClient("https://router.example", "id")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	req := validRequest(t)
	req.FromAmount = "0"
	if _, err := c.Route(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	req = validRequest(t)
	req.ToAddress = ""
	if _, err := c.Route(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestClient_Route_RejectsMalformedRoute(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"route":{"transactionRequest":{"target":"nope","data":"0x"}}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "id", WithHTTPClient(srv.Client()), WithRateLimit(1000, 10))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Route(context.Background(), validRequest(t)); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute, got %v", err)
	}
}

func TestLendingDepositHooks_UsesZeroAmountPlaceholder(t *testing.T) {
	t.Parallel()

	hook, err := LendingDepositHooks(LendingDeposit{Token: usdcArb, Pool: pool, OnBehalfOf: owner})
	if err != nil {
		t.Fatalf("LendingDepositHooks: %v", err)
	}
	data, err := hexutil.Decode(hook.Calls[1].CallData)
	if err != nil {
		t.Fatalf("decode calldata: %v", err)
	}
	args, err := lendingABI.Methods["deposit"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if args[0].(common.Address) != usdcArb || args[1].(*big.Int).Sign() != 0 || args[2].(common.Address) != owner || args[3].(uint16) != 0 {
		t.Fatalf("deposit args: %v", args)
	}

	if _, err := LendingDepositHooks(LendingDeposit{Token: usdcArb}); err == nil {
		t.Fatalf("expected error for missing pool")
	}
}

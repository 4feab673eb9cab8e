package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/usdc-relay/cctp-orchestrator/internal/amount"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

const RequestVersion = "transfers.requested.v1"

var (
	ErrUnknownVersion = errors.New("events: unknown message version")
	ErrInvalidMessage = errors.New("events: invalid message")
)

// RequestV1 asks for a transfer. Exactly one of Amount (base units) and AmountDecimal must be set;
// AmountDecimal is truncated to the token's decimals.
type RequestV1 struct {
	Version          string `json:"version"`
	Flow             string `json:"flow"`
	Amount           string `json:"amount,omitempty"`
	AmountDecimal    string `json:"amountDecimal,omitempty"`
	SourceChain      string `json:"sourceChain"`
	DestinationChain string `json:"destinationChain"`
	Recipient        string `json:"recipient"`
	SourceToken      string `json:"sourceToken,omitempty"`
	ClientRef        string `json:"clientRef,omitempty"`
}

// DecodeRequest parses one queue message. decimals applies to AmountDecimal.
func DecodeRequest(b []byte, decimals int32) (transfer.Flow, transfer.Request, error) {
	b = bytes.TrimSpace(b)
	var env struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return 0, transfer.Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Version != RequestVersion {
		return 0, transfer.Request{}, fmt.Errorf("%w: %q", ErrUnknownVersion, env.Version)
	}

	var m RequestV1
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return 0, transfer.Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	flow := transfer.FlowBurnMint
	if strings.TrimSpace(m.Flow) != "" {
		f, err := transfer.ParseFlow(m.Flow)
		if err != nil {
			return 0, transfer.Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		flow = f
	}

	amt, err := ResolveAmount(m.Amount, m.AmountDecimal, decimals)
	if err != nil {
		return 0, transfer.Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	recipient, err := parseAddress("recipient", m.Recipient, true)
	if err != nil {
		return 0, transfer.Request{}, err
	}
	token, err := parseAddress("sourceToken", m.SourceToken, false)
	if err != nil {
		return 0, transfer.Request{}, err
	}
	return flow, transfer.Request{
		Amount:           amt,
		SourceChain:      strings.TrimSpace(m.SourceChain),
		DestinationChain: strings.TrimSpace(m.DestinationChain),
		Recipient:        recipient,
		SourceToken:      token,
		ClientRef:        strings.TrimSpace(m.ClientRef),
	}, nil
}

// ResolveAmount returns the base-unit amount from exactly one of the two representations.
func ResolveAmount(baseUnits, decimalAmount string, decimals int32) (string, error) {
	baseUnits, decimalAmount = strings.TrimSpace(baseUnits), strings.TrimSpace(decimalAmount)
	switch {
	case baseUnits != "" && decimalAmount != "":
		return "", errors.New("amount and decimal amount are mutually exclusive")
	case baseUnits != "":
		v, err := amount.ParseBaseUnits(baseUnits)
		if err != nil {
			return "", err
		}
		return v.String(), nil
	case decimalAmount != "":
		v, err := amount.ToBaseUnits(decimalAmount, decimals)
		if err != nil {
			return "", err
		}
		if v.Sign() <= 0 {
			return "", fmt.Errorf("%w: %q is below one base unit", amount.ErrInvalidAmount, decimalAmount)
		}
		return v.String(), nil
	default:
		return "", errors.New("missing amount")
	}
}

func parseAddress(field, s string, required bool) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return common.Address{}, fmt.Errorf("%w: missing %s", ErrInvalidMessage, field)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address", ErrInvalidMessage, field)
	}
	return common.HexToAddress(s), nil
}

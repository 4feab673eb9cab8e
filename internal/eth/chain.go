package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidChainConfig = errors.New("eth: invalid chain config")
	ErrReceiptPending     = errors.New("eth: receipt pending")
	ErrLogNotFound        = errors.New("eth: log not found")
)

// Backend is the subset of an EVM JSON-RPC provider the orchestrator needs. *ethclient.Client
// satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ChainHandle identifies one configured network. It is built once at startup and never mutated.
type ChainHandle struct {
	Network string
	ChainID *big.Int
	RPCURL  string
	Signer  common.Address
}

func (h ChainHandle) validate() error {
	if strings.TrimSpace(h.Network) == "" {
		return fmt.Errorf("%w: missing network name", ErrInvalidChainConfig)
	}
	if h.ChainID == nil || h.ChainID.Sign() <= 0 {
		return fmt.Errorf("%w: %s: chain id must be > 0", ErrInvalidChainConfig, h.Network)
	}
	if (h.Signer == common.Address{}) {
		return fmt.Errorf("%w: %s: missing signer", ErrInvalidChainConfig, h.Network)
	}
	return nil
}

// ChainClient wraps a Backend for a single network. It performs no retries and does not interpret
// provider errors.
type ChainClient struct {
	handle  ChainHandle
	backend Backend
}

func NewChainClient(handle ChainHandle, backend Backend) (*ChainClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidChainConfig)
	}
	if err := handle.validate(); err != nil {
		return nil, err
	}
	handle.ChainID = new(big.Int).Set(handle.ChainID)
	return &ChainClient{handle: handle, backend: backend}, nil
}

// Handle returns a copy of the client's handle.
func (c *ChainClient) Handle() ChainHandle {
	h := c.handle
	h.ChainID = new(big.Int).Set(c.handle.ChainID)
	return h
}

func (c *ChainClient) Backend() Backend { return c.backend }

// Submit broadcasts a signed transaction and returns its hash.
func (c *ChainClient) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, fmt.Errorf("%w: nil transaction", ErrInvalidChainConfig)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// Receipt returns the receipt for txHash, or ErrReceiptPending when the provider has none yet.
func (c *ChainClient) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptPending
		}
		return nil, err
	}
	if r == nil {
		return nil, ErrReceiptPending
	}
	return r, nil
}

func (c *ChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// DecodeLog returns the non-indexed fields of the first log in r matching ev. When emitter is
// non-zero only logs emitted by that address are considered.
func DecodeLog(r *types.Receipt, emitter common.Address, ev abi.Event) ([]any, *types.Log, error) {
	if r == nil {
		return nil, nil, fmt.Errorf("%w: nil receipt", ErrLogNotFound)
	}
	for _, lg := range r.Logs {
		if lg == nil || len(lg.Topics) == 0 {
			continue
		}
		if (emitter != common.Address{}) && lg.Address != emitter {
			continue
		}
		if lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, lg, fmt.Errorf("eth: unpack %s: %w", ev.Name, err)
		}
		return vals, lg, nil
	}
	return nil, nil, fmt.Errorf("%w: %s in tx %s", ErrLogNotFound, ev.Sig, r.TxHash)
}

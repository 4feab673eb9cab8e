package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrInvalidInvokerConfig = errors.New("eth: invalid invoker config")

// Call is an encoded contract call. GasLimit 0 means estimate.
type Call struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	Label    string
}

// PendingTx is a broadcast transaction that has not been confirmed yet.
type PendingTx struct {
	Network     string
	From        common.Address
	Nonce       uint64
	Hash        common.Hash
	SubmittedAt time.Time
}

// GasEstimationError reports that the node refused to estimate gas, which usually means the call
// would revert (insufficient balance, allowance or liquidity).
type GasEstimationError struct {
	Network string
	Label   string
	To      common.Address
	Err     error
}

func (e *GasEstimationError) Error() string {
	return fmt.Sprintf("eth: gas estimation failed for %s on %s (to %s): %v", e.Label, e.Network, e.To, e.Err)
}

func (e *GasEstimationError) Unwrap() error { return e.Err }

// Broadcast records how far a failed submission got.
type Broadcast uint8

const (
	// BroadcastNone means the transaction never left the process; retrying is safe.
	BroadcastNone Broadcast = iota
	// BroadcastUnknown means the transaction may be in a mempool; it must be reconciled first.
	BroadcastUnknown
)

func (b Broadcast) String() string {
	switch b {
	case BroadcastNone:
		return "none"
	case BroadcastUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// SubmissionError is returned when a call could not be submitted.
type SubmissionError struct {
	Network   string
	Label     string
	Broadcast Broadcast
	// TxHash and Nonce are set when a signed transaction exists.
	TxHash common.Hash
	Nonce  uint64
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Broadcast == BroadcastUnknown {
		return fmt.Sprintf("eth: submit %s on %s: broadcast status unknown (tx %s nonce %d): %v", e.Label, e.Network, e.TxHash, e.Nonce, e.Err)
	}
	return fmt.Sprintf("eth: submit %s on %s: not broadcast: %v", e.Label, e.Network, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Ambiguous reports whether the transaction may have reached the network.
func (e *SubmissionError) Ambiguous() bool { return e.Broadcast == BroadcastUnknown }

type InvokerConfig struct {
	GasLimitMultiplier float64
	// MinTipCap is the tip floor on EIP-1559 networks and the gas price floor elsewhere.
	MinTipCap *big.Int

	Now func() time.Time
}

// Invoker builds, signs and broadcasts contract calls for one signer on one network.
//
// Exactly one Invoker must exist per (network, signer) across all processes: its send lock only
// orders transfers within one process. Processes take leases.SignerName for each signer before
// submitting.
type Invoker struct {
	client *ChainClient
	signer Signer
	nonces *NonceManager
	cfg    InvokerConfig

	sendMu sync.Mutex
}

func NewInvoker(client *ChainClient, signer Signer, cfg InvokerConfig) (*Invoker, error) {
	if client == nil || signer == nil {
		return nil, ErrInvalidInvokerConfig
	}
	if signer.Address() != client.handle.Signer {
		return nil, fmt.Errorf("%w: signer %s does not match handle signer %s", ErrInvalidInvokerConfig, signer.Address(), client.handle.Signer)
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: gas limit multiplier must be > 0", ErrInvalidInvokerConfig)
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative min tip", ErrInvalidInvokerConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Invoker{
		client: client,
		signer: signer,
		nonces: NewNonceManager(client.backend, signer.Address()),
		cfg:    cfg,
	}, nil
}

func (i *Invoker) From() common.Address { return i.signer.Address() }

func (i *Invoker) Network() string { return i.client.handle.Network }

// Invoke estimates, prices, signs and broadcasts call. It does not wait for inclusion.
func (i *Invoker) Invoke(ctx context.Context, call Call) (PendingTx, error) {
	network := i.client.handle.Network
	chainID := i.client.handle.ChainID
	from := i.signer.Address()
	if (call.To == common.Address{}) {
		return PendingTx{}, &SubmissionError{Network: network, Label: call.Label, Err: errors.New("missing target address")}
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := call.GasLimit
	if gasLimit == 0 {
		est, err := i.client.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &call.To,
			Value: value,
			Data:  call.Data,
		})
		if err != nil {
			return PendingTx{}, &GasEstimationError{Network: network, Label: call.Label, To: call.To, Err: err}
		}
		gasLimit = applyGasMultiplier(est, i.cfg.GasLimitMultiplier)
	}

	build, err := i.feeTemplate(ctx)
	if err != nil {
		return PendingTx{}, &SubmissionError{Network: network, Label: call.Label, Err: err}
	}

	i.sendMu.Lock()
	defer i.sendMu.Unlock()

	nonce, err := i.nonces.Reserve(ctx)
	if err != nil {
		return PendingTx{}, &SubmissionError{Network: network, Label: call.Label, Err: fmt.Errorf("nonce: %w", err)}
	}

	signed, err := i.signer.SignTx(build(nonce, gasLimit, call.To, value, call.Data), chainID)
	if err != nil {
		i.nonces.Release(nonce)
		return PendingTx{}, &SubmissionError{Network: network, Label: call.Label, Nonce: nonce, Err: fmt.Errorf("sign: %w", err)}
	}

	h, err := i.client.Submit(ctx, signed)
	if err != nil {
		// The node may have accepted the transaction before the error surfaced. Re-read the
		// pending nonce next time rather than guessing.
		i.nonces.Forget()
		return PendingTx{}, &SubmissionError{
			Network:   network,
			Label:     call.Label,
			Broadcast: BroadcastUnknown,
			TxHash:    signed.Hash(),
			Nonce:     nonce,
			Err:       err,
		}
	}

	return PendingTx{
		Network:     network,
		From:        from,
		Nonce:       nonce,
		Hash:        h,
		SubmittedAt: i.cfg.Now(),
	}, nil
}

type txBuilder func(nonce, gas uint64, to common.Address, value *big.Int, data []byte) *types.Transaction

// feeTemplate prices a transaction from the latest header: EIP-1559 when a base fee is present,
// legacy gas price otherwise.
func (i *Invoker) feeTemplate(ctx context.Context) (txBuilder, error) {
	chainID := i.client.handle.ChainID
	header, err := i.client.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	if header != nil && header.BaseFee != nil {
		suggested, err := i.client.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest tip: %w", err)
		}
		tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggested, i.cfg.MinTipCap)
		if err != nil {
			return nil, err
		}
		return func(nonce, gas uint64, to common.Address, value *big.Int, data []byte) *types.Transaction {
			return types.NewTx(&types.DynamicFeeTx{
				ChainID:   chainID,
				Nonce:     nonce,
				GasTipCap: tipCap,
				GasFeeCap: feeCap,
				Gas:       gas,
				To:        &to,
				Value:     value,
				Data:      data,
			})
		}, nil
	}

	suggested, err := i.client.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	price, err := CalcLegacyGasPrice(suggested, i.cfg.MinTipCap)
	if err != nil {
		return nil, err
	}
	return func(nonce, gas uint64, to common.Address, value *big.Int, data []byte) *types.Transaction {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}, nil
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}

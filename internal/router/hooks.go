package router

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	callTypeFullTokenBalance = 1
	hookGasEstimate          = "50000"
	chainTypeEVM             = "evm"
)

const lendingABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]}
]`

var (
	lendingOnce sync.Once
	lendingErr  error
	lendingABI  abi.ABI
)

func initLendingABI() error {
	lendingOnce.Do(func() {
		lendingABI, lendingErr = abi.JSON(strings.NewReader(lendingABIJSON))
		if lendingErr != nil {
			lendingErr = fmt.Errorf("router: parse lending ABI: %w", lendingErr)
		}
	})
	return lendingErr
}

// LendingDeposit describes a destination-chain deposit of the bridged token into a lending pool.
type LendingDeposit struct {
	Token       common.Address
	Pool        common.Address
	OnBehalfOf  common.Address
	Description string
}

// LendingDepositHooks builds the two post-hook calls: approve the pool for the token, then deposit.
// Both calls carry a zero amount placeholder at argument position 1 that the router replaces with
// the full received balance at execution time.
func LendingDepositHooks(d LendingDeposit) (*PostHook, error) {
	if (d.Token == common.Address{}) || (d.Pool == common.Address{}) || (d.OnBehalfOf == common.Address{}) {
		return nil, errors.New("router: lending deposit needs token, pool and beneficiary")
	}
	if err := initLendingABI(); err != nil {
		return nil, err
	}

	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	approveData, err := lendingABI.Pack("approve", d.Pool, maxUint256)
	if err != nil {
		return nil, fmt.Errorf("router: pack approve: %w", err)
	}
	depositData, err := lendingABI.Pack("deposit", d.Token, big.NewInt(0), d.OnBehalfOf, uint16(0))
	if err != nil {
		return nil, fmt.Errorf("router: pack deposit: %w", err)
	}

	payload := HookPayload{TokenAddress: d.Token.Hex(), InputPos: "1"}
	desc := d.Description
	if desc == "" {
		desc = "lending deposit"
	}
	return &PostHook{
		ChainType: chainTypeEVM,
		Calls: []HookCall{
			{
				CallType:     callTypeFullTokenBalance,
				Target:       d.Token.Hex(),
				Value:        "0",
				CallData:     hexutil.Encode(approveData),
				Payload:      payload,
				EstimatedGas: hookGasEstimate,
				ChainType:    chainTypeEVM,
			},
			{
				CallType:     callTypeFullTokenBalance,
				Target:       d.Pool.Hex(),
				Value:        "0",
				CallData:     hexutil.Encode(depositData),
				Payload:      payload,
				EstimatedGas: hookGasEstimate,
				ChainType:    chainTypeEVM,
			},
		},
		Provider:    "Squid",
		Description: desc,
	}, nil
}

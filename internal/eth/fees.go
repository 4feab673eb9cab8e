package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// Calc1559Fees returns EIP-1559 fee caps that survive a doubling of the base fee.
//
//	tipCap = max(suggestedTipCap, minTipCap)
//	feeCap = 2*baseFee + tipCap
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}

	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	fee.Add(fee, tip)

	return tip, fee, nil
}

// CalcLegacyGasPrice applies the minimum tip as a floor on networks without a base fee.
func CalcLegacyGasPrice(suggested, minPrice *big.Int) (*big.Int, error) {
	if suggested == nil || suggested.Sign() < 0 {
		return nil, ErrInvalidFeeArgs
	}
	out := new(big.Int).Set(suggested)
	if minPrice != nil && out.Cmp(minPrice) < 0 {
		out.Set(minPrice)
	}
	return out, nil
}

package cctp

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/usdc-relay/cctp-orchestrator/internal/eth"
)

// ApproveCall is ERC20.approve(spender, amount) on Token.
type ApproveCall struct {
	Token   common.Address
	Spender common.Address
	Amount  *big.Int
}

func NewApproveCall(token, spender common.Address, amount *big.Int) (ApproveCall, error) {
	if (token == common.Address{}) {
		return ApproveCall{}, fmt.Errorf("%w: approve: token must be non-zero", ErrInvalidInput)
	}
	if (spender == common.Address{}) {
		return ApproveCall{}, fmt.Errorf("%w: approve: spender must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ApproveCall{}, fmt.Errorf("%w: approve: amount must be > 0", ErrInvalidInput)
	}
	return ApproveCall{Token: token, Spender: spender, Amount: new(big.Int).Set(amount)}, nil
}

func (c ApproveCall) Call() (eth.Call, error) {
	if err := initABI(); err != nil {
		return eth.Call{}, err
	}
	data, err := erc20ABI.Pack("approve", c.Spender, c.Amount)
	if err != nil {
		return eth.Call{}, fmt.Errorf("cctp: pack approve: %w", err)
	}
	return eth.Call{To: c.Token, Data: data, Label: "approve"}, nil
}

// BurnCall is TokenMessenger.depositForBurn(amount, destinationDomain, mintRecipient, burnToken).
type BurnCall struct {
	TokenMessenger    common.Address
	Amount            *big.Int
	DestinationDomain uint32
	MintRecipient     [32]byte
	BurnToken         common.Address
}

func NewBurnCall(tokenMessenger common.Address, amount *big.Int, destinationDomain uint32, recipient common.Address, burnToken common.Address) (BurnCall, error) {
	if (tokenMessenger == common.Address{}) {
		return BurnCall{}, fmt.Errorf("%w: burn: token messenger must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return BurnCall{}, fmt.Errorf("%w: burn: amount must be > 0", ErrInvalidInput)
	}
	if (recipient == common.Address{}) {
		return BurnCall{}, fmt.Errorf("%w: burn: recipient must be non-zero", ErrInvalidInput)
	}
	if (burnToken == common.Address{}) {
		return BurnCall{}, fmt.Errorf("%w: burn: token must be non-zero", ErrInvalidInput)
	}
	return BurnCall{
		TokenMessenger:    tokenMessenger,
		Amount:            new(big.Int).Set(amount),
		DestinationDomain: destinationDomain,
		MintRecipient:     AddressToBytes32(recipient),
		BurnToken:         burnToken,
	}, nil
}

func (c BurnCall) Call() (eth.Call, error) {
	if err := initABI(); err != nil {
		return eth.Call{}, err
	}
	data, err := tokenMessengerABI.Pack("depositForBurn", c.Amount, c.DestinationDomain, c.MintRecipient, c.BurnToken)
	if err != nil {
		return eth.Call{}, fmt.Errorf("cctp: pack depositForBurn: %w", err)
	}
	return eth.Call{To: c.TokenMessenger, Data: data, Label: "depositForBurn"}, nil
}

// ReceiveCall is MessageTransmitter.receiveMessage(message, attestation).
type ReceiveCall struct {
	MessageTransmitter common.Address
	Message            []byte
	Attestation        []byte
}

// NewReceiveCall refuses an empty attestation: a receive must never be built without one.
func NewReceiveCall(messageTransmitter common.Address, message, attestation []byte) (ReceiveCall, error) {
	if (messageTransmitter == common.Address{}) {
		return ReceiveCall{}, fmt.Errorf("%w: receive: message transmitter must be non-zero", ErrInvalidInput)
	}
	if len(message) == 0 {
		return ReceiveCall{}, fmt.Errorf("%w: receive: empty message", ErrInvalidInput)
	}
	if len(attestation) == 0 {
		return ReceiveCall{}, fmt.Errorf("%w: receive: empty attestation", ErrInvalidInput)
	}
	return ReceiveCall{
		MessageTransmitter: messageTransmitter,
		Message:            append([]byte(nil), message...),
		Attestation:        append([]byte(nil), attestation...),
	}, nil
}

func (c ReceiveCall) Call() (eth.Call, error) {
	if err := initABI(); err != nil {
		return eth.Call{}, err
	}
	data, err := messageTransmitterABI.Pack("receiveMessage", c.Message, c.Attestation)
	if err != nil {
		return eth.Call{}, fmt.Errorf("cctp: pack receiveMessage: %w", err)
	}
	return eth.Call{To: c.MessageTransmitter, Data: data, Label: "receiveMessage"}, nil
}

// AddressToBytes32 left-pads an address to 32 bytes, the mintRecipient encoding.
func AddressToBytes32(a common.Address) [32]byte {
	var out [32]byte
	copy(out[12:], a.Bytes())
	return out
}

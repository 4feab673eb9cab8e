package cctp

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/usdc-relay/cctp-orchestrator/internal/eth"
)

var ErrMessageNotFound = errors.New("cctp: MessageSent not found in burn receipt")

// MessageEnvelope is the bridge message emitted by a burn and the hash the attestation service keys
// it by. It is always recomputable from the burn receipt.
type MessageEnvelope struct {
	Bytes []byte
	Hash  common.Hash
}

// HashMessage returns keccak256(message).
func HashMessage(message []byte) common.Hash {
	return crypto.Keccak256Hash(message)
}

// ExtractMessage finds the MessageSent event in a burn receipt. When transmitter is non-zero only
// logs emitted by it are considered.
func ExtractMessage(r *types.Receipt, transmitter common.Address) (MessageEnvelope, error) {
	ev, err := MessageSentEvent()
	if err != nil {
		return MessageEnvelope{}, err
	}
	vals, _, err := eth.DecodeLog(r, transmitter, ev)
	if err != nil {
		return MessageEnvelope{}, fmt.Errorf("%w: %v", ErrMessageNotFound, err)
	}
	if len(vals) != 1 {
		return MessageEnvelope{}, fmt.Errorf("%w: unexpected field count %d", ErrMessageNotFound, len(vals))
	}
	msg, ok := vals[0].([]byte)
	if !ok || len(msg) == 0 {
		return MessageEnvelope{}, fmt.Errorf("%w: empty message", ErrMessageNotFound)
	}
	return MessageEnvelope{Bytes: msg, Hash: HashMessage(msg)}, nil
}

// EncodeMessageSentData ABI-encodes message the way MessageTransmitter emits it. It is used to
// build fixtures and to verify stored envelopes.
func EncodeMessageSentData(message []byte) ([]byte, error) {
	ev, err := MessageSentEvent()
	if err != nil {
		return nil, err
	}
	return ev.Inputs.NonIndexed().Pack(message)
}

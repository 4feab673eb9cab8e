// Package cctp encodes the burn/mint bridge contract surface: token approval, depositForBurn on the
// source TokenMessenger, receiveMessage on the destination MessageTransmitter, and the MessageSent
// event that links the two.
package cctp

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var ErrInvalidInput = errors.New("cctp: invalid input")

const erc20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const tokenMessengerABIJSON = `[
  {"type":"function","name":"depositForBurn","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],"outputs":[{"name":"_nonce","type":"uint64"}]}
]`

const messageTransmitterABIJSON = `[
  {"type":"function","name":"receiveMessage","stateMutability":"nonpayable","inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],"outputs":[{"name":"success","type":"bool"}]},
  {"type":"event","name":"MessageSent","anonymous":false,"inputs":[{"name":"message","type":"bytes","indexed":false}]}
]`

var (
	initOnce sync.Once
	initErr  error

	erc20ABI              abi.ABI
	tokenMessengerABI     abi.ABI
	messageTransmitterABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		if erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON)); err != nil {
			initErr = fmt.Errorf("cctp: parse ERC20 ABI: %w", err)
			return
		}
		if tokenMessengerABI, err = abi.JSON(strings.NewReader(tokenMessengerABIJSON)); err != nil {
			initErr = fmt.Errorf("cctp: parse TokenMessenger ABI: %w", err)
			return
		}
		if messageTransmitterABI, err = abi.JSON(strings.NewReader(messageTransmitterABIJSON)); err != nil {
			initErr = fmt.Errorf("cctp: parse MessageTransmitter ABI: %w", err)
			return
		}
	})
	return initErr
}

// MessageSentEvent returns the parsed MessageSent(bytes) event.
func MessageSentEvent() (abi.Event, error) {
	if err := initABI(); err != nil {
		return abi.Event{}, err
	}
	return messageTransmitterABI.Events["MessageSent"], nil
}

package eth

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSigner = errors.New("eth: invalid signer")

// Signer signs for one account. The same account may sign on several networks; the chain id
// passed to SignTx selects the replay domain.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner signs with an in-memory key loaded through internal/secrets.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address

	mu     sync.Mutex
	chains map[string]types.Signer
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	s := &LocalSigner{key: key, chains: make(map[string]types.Signer)}
	if key != nil {
		s.addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	// A typed transaction carrying a different chain id would be rejected by every node.
	if id := tx.ChainId(); tx.Type() != types.LegacyTxType && id.Cmp(chainID) != 0 {
		return nil, ErrInvalidSigner
	}
	return types.SignTx(tx, s.chainSigner(chainID), s.key)
}

func (s *LocalSigner) chainSigner(chainID *big.Int) types.Signer {
	k := chainID.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	signer, ok := s.chains[k]
	if !ok {
		signer = types.LatestSignerForChainID(chainID)
		s.chains[k] = signer
	}
	return signer
}

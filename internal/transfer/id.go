package transfer

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

const transferIDPrefixV1 = "transfer/v1"

// IDV1 derives a transfer ID:
//
//	id = hex(keccak256("transfer/v1" || flow || len||src || len||dst || token || recipient || len||amount || len||ref || salt))[:32]
//
// salt is empty when the caller supplied ClientRef, so retried submissions collapse onto one ID.
func IDV1(flow Flow, req Request, salt []byte) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(transferIDPrefixV1))
	_, _ = h.Write([]byte{byte(flow)})
	writeField(h, strings.ToLower(strings.TrimSpace(req.SourceChain)))
	writeField(h, strings.ToLower(strings.TrimSpace(req.DestinationChain)))
	_, _ = h.Write(req.SourceToken.Bytes())
	_, _ = h.Write(req.Recipient.Bytes())
	writeField(h, strings.TrimSpace(req.Amount))
	writeField(h, req.ClientRef)
	_, _ = h.Write(salt)

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

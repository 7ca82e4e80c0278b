package signer

import (
	"crypto/sha256"

	"github.com/tonkeeper/tongo"

	"github.com/Klingon-tech/walletsync/pkg/helpers"
)

const (
	tonProofPrefix   = "ton-proof-item-v2/"
	tonConnectPrefix = "ton-connect"
)

// TonProof is a TON Connect ownership proof request.
type TonProof struct {
	Domain    string `json:"domain"`
	Timestamp uint64 `json:"timestamp"`
	Payload   string `json:"payload"`
}

// tonProofHash is the digest signed for a proof of wallet ownership.
func tonProofHash(addr tongo.AccountID, proof *TonProof) []byte {
	msg := helpers.Concat(
		[]byte(tonProofPrefix),
		helpers.Uint32BE(uint32(addr.Workchain)),
		addr.Address[:],
		helpers.Uint32LE(uint32(len(proof.Domain))),
		[]byte(proof.Domain),
		helpers.Uint64LE(proof.Timestamp),
		[]byte(proof.Payload),
	)
	msgHash := sha256.Sum256(msg)

	full := sha256.Sum256(helpers.Concat([]byte{0xff, 0xff}, []byte(tonConnectPrefix), msgHash[:]))
	return full[:]
}

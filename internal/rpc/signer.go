package rpc

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"

	"github.com/tonkeeper/tongo/boc"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/signer"
	"github.com/Klingon-tech/walletsync/pkg/helpers"
)

// ========================================
// Signer handlers
// ========================================

// SignerParams selects the account that signs.
type SignerParams struct {
	AccountID string `json:"accountId"`
	Password  string `json:"password,omitempty"`
	// Mock signs with a throwaway key, for fee emulation.
	Mock bool `json:"mock,omitempty"`
	// SubwalletID selects a non-default wallet on a Ledger.
	SubwalletID *uint32 `json:"subwalletId,omitempty"`
}

// SignatureResult carries a signature.
type SignatureResult struct {
	Signature string `json:"signature"`
	IsMock    bool   `json:"isMock"`
}

// withSigner builds the signer of an account, runs fn and drops the signer.
func (s *Server) withSigner(p *SignerParams, fn func(signer.Signer) (interface{}, error)) (interface{}, error) {
	idp := AccountIDParams{AccountID: p.AccountID}
	if err := idp.validate(); err != nil {
		return nil, err
	}
	acc, err := s.accounts.Account(p.AccountID)
	if err != nil {
		return nil, err
	}
	sg, err := s.signers.GetSigner(p.AccountID, acc, p.Password, p.Mock, p.SubwalletID)
	if err != nil {
		return nil, err
	}
	defer sg.Close()
	return fn(sg)
}

// SignTonProofParams is the parameters for signer_signTonProof.
type SignTonProofParams struct {
	SignerParams
	signer.TonProof
}

func (s *Server) signerSignTonProof(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SignTonProofParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Domain == "" {
		return nil, invalidParams("domain is required")
	}
	return s.withSigner(&p.SignerParams, func(sg signer.Signer) (interface{}, error) {
		sig, err := sg.SignTonProof(ctx, &p.TonProof)
		if err != nil {
			return nil, err
		}
		return &SignatureResult{Signature: base64.StdEncoding.EncodeToString(sig), IsMock: sg.IsMock()}, nil
	})
}

// SignDataParams is the parameters for signer_signData. Bytes are base64.
type SignDataParams struct {
	SignerParams
	Timestamp uint64          `json:"timestamp"`
	Domain    string          `json:"domain"`
	Payload   SignDataPayload `json:"payload"`
}

// SignDataPayload adds the base64 BoC of a cell payload.
type SignDataPayload struct {
	signer.SignDataPayload
	Cell string `json:"cell,omitempty"`
}

func (s *Server) signerSignData(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SignDataParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	payload := p.Payload.SignDataPayload
	switch payload.Type {
	case signer.SignDataText, signer.SignDataBinary:
	case signer.SignDataCell:
		if payload.Schema == "" {
			return nil, invalidParams("cell payload needs a schema")
		}
		cells, err := boc.DeserializeBocBase64(p.Payload.Cell)
		if err != nil || len(cells) != 1 {
			return nil, invalidParams("invalid cell: want one base64 BoC root")
		}
		payload.Cell = cells[0]
	default:
		return nil, invalidParams("unknown payload type %q", payload.Type)
	}
	return s.withSigner(&p.SignerParams, func(sg signer.Signer) (interface{}, error) {
		sig, err := sg.SignData(ctx, p.Timestamp, p.Domain, payload)
		if err != nil {
			return nil, err
		}
		return &SignatureResult{Signature: base64.StdEncoding.EncodeToString(sig), IsMock: sg.IsMock()}, nil
	})
}

// SignTransferParams is the parameters for signer_signTransfer.
type SignTransferParams struct {
	SignerParams
	Seqno      uint32 `json:"seqno"`
	ValidUntil uint32 `json:"validUntil"`
	To         string `json:"to"`
	// Amount is in TON, e.g. "1.5".
	Amount  string `json:"amount"`
	Comment string `json:"comment,omitempty"`
	Bounce  *bool  `json:"bounce,omitempty"`
}

// SignTransferResult is the response for signer_signTransfer.
type SignTransferResult struct {
	Boc    string `json:"boc"`
	IsMock bool   `json:"isMock"`
}

func (s *Server) signerSignTransfer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SignTransferParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	to, err := chain.ParseTONAddress(p.To)
	if err != nil {
		return nil, invalidParams("invalid recipient: %v", err)
	}
	amount, err := helpers.ParseAmount(p.Amount, 9)
	if err != nil {
		return nil, invalidParams("invalid amount: %v", err)
	}
	msg := signer.Message{To: to, Amount: amount, Bounce: true, SendMode: signer.DefaultSendMode}
	if p.Bounce != nil {
		msg.Bounce = *p.Bounce
	}
	if p.Comment != "" {
		if msg.Payload, err = signer.CommentPayload(p.Comment); err != nil {
			return nil, err
		}
	}
	tx := &signer.Transaction{Seqno: p.Seqno, ValidUntil: p.ValidUntil, Messages: []signer.Message{msg}}

	return s.withSigner(&p.SignerParams, func(sg signer.Signer) (interface{}, error) {
		cells, err := sg.SignTransactions(ctx, []*signer.Transaction{tx})
		if err != nil {
			return nil, err
		}
		data, err := cells[0].ToBoc()
		if err != nil {
			return nil, err
		}
		return &SignTransferResult{Boc: base64.StdEncoding.EncodeToString(data), IsMock: sg.IsMock()}, nil
	})
}

// EncryptCommentParams is the parameters for signer_encryptComment.
type EncryptCommentParams struct {
	SignerParams
	Comment string `json:"comment"`
	// RecipientPublicKey is hex.
	RecipientPublicKey string `json:"recipientPublicKey"`
}

func (s *Server) signerEncryptComment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EncryptCommentParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pub, err := helpers.HexToBytes(p.RecipientPublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, invalidParams("recipientPublicKey must be %d hex bytes", ed25519.PublicKeySize)
	}
	return s.withSigner(&p.SignerParams, func(sg signer.Signer) (interface{}, error) {
		data, err := sg.EncryptComment(ctx, p.Comment, pub)
		if err != nil {
			return nil, err
		}
		return map[string]string{"data": base64.StdEncoding.EncodeToString(data)}, nil
	})
}

// DecryptCommentParams is the parameters for signer_decryptComment.
type DecryptCommentParams struct {
	SignerParams
	// Data is base64.
	Data          string `json:"data"`
	SenderAddress string `json:"senderAddress"`
}

func (s *Server) signerDecryptComment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DecryptCommentParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, invalidParams("data must be base64: %v", err)
	}
	if p.SenderAddress == "" {
		return nil, invalidParams("senderAddress is required")
	}
	return s.withSigner(&p.SignerParams, func(sg signer.Signer) (interface{}, error) {
		comment, err := sg.DecryptComment(ctx, data, p.SenderAddress)
		if err != nil {
			return nil, err
		}
		return map[string]string{"comment": comment}, nil
	})
}

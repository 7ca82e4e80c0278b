package signer

import (
	"fmt"

	"github.com/tonkeeper/tongo"
	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/tlb"
	tonwallet "github.com/tonkeeper/tongo/wallet"
)

// DefaultSubwalletID is the wallet v4 subwallet id of workchain 0.
const DefaultSubwalletID uint32 = 698983191

// Simple send operation of wallet v4.
const walletOpSend = 0

// DefaultSendMode pays fees separately and ignores action errors.
const DefaultSendMode uint8 = 3

// Message is one internal transfer of a wallet transaction.
type Message struct {
	To       tongo.AccountID
	Amount   uint64
	Payload  *boc.Cell
	Bounce   bool
	SendMode uint8
}

// Transaction is a wallet external message with up to four transfers.
type Transaction struct {
	Seqno      uint32
	ValidUntil uint32
	Messages   []Message
}

const maxMessages = 4

func buildBody(subwallet uint32, tx *Transaction) (*boc.Cell, error) {
	if len(tx.Messages) == 0 || len(tx.Messages) > maxMessages {
		return nil, fmt.Errorf("%w: %d messages", ErrBadTransaction, len(tx.Messages))
	}
	c := boc.NewCell()
	if err := writeUints(c, uint64(subwallet), 32, uint64(tx.ValidUntil), 32, uint64(tx.Seqno), 32, walletOpSend, 8); err != nil {
		return nil, err
	}
	for i := range tx.Messages {
		msg, err := internalMessage(&tx.Messages[i])
		if err != nil {
			return nil, err
		}
		if err := c.WriteUint(uint64(tx.Messages[i].SendMode), 8); err != nil {
			return nil, err
		}
		if err := c.AddRef(msg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// internalMessage serializes an int_msg_info with an empty source address.
// A payload always goes into a referenced cell.
func internalMessage(m *Message) (*boc.Cell, error) {
	msg, _, err := tonwallet.Message{
		Amount:  tlb.Grams(m.Amount),
		Address: m.To,
		Body:    m.Payload,
		Bounce:  m.Bounce,
		Mode:    m.SendMode,
	}.ToInternal()
	if err != nil {
		return nil, err
	}
	c := boc.NewCell()
	if err := tlb.Marshal(c, msg); err != nil {
		return nil, err
	}
	return c, nil
}

// signedBody prepends the signature to the body.
func signedBody(sig []byte, body *boc.Cell) (*boc.Cell, error) {
	c := boc.NewCell()
	if err := c.WriteBytes(sig); err != nil {
		return nil, err
	}
	if err := c.WriteBitString(body.RawBitString()); err != nil {
		return nil, err
	}
	for _, ref := range body.Refs() {
		if err := c.AddRef(ref); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// writeUints writes value, width pairs.
func writeUints(c *boc.Cell, pairs ...uint64) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := c.WriteUint(pairs[i], int(pairs[i+1])); err != nil {
			return err
		}
	}
	return nil
}

// isTextComment reports whether a payload is a plain text comment, the only
// payload the Ledger app shows without blind signing.
func isTextComment(payload *boc.Cell) bool {
	if payload == nil {
		return true
	}
	defer payload.ResetCounters()
	if payload.BitSize() < 32 || len(payload.Refs()) > 0 {
		return false
	}
	op, err := payload.ReadUint(32)
	return err == nil && op == 0
}

// CommentPayload encodes a text comment. Text that does not fit in one cell
// continues as snake data in referenced cells.
func CommentPayload(text string) (*boc.Cell, error) {
	c := boc.NewCell()
	if err := tlb.Marshal(c, tonwallet.TextComment(text)); err != nil {
		return nil, err
	}
	return c, nil
}

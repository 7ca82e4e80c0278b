package signer

import (
	"crypto/sha256"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/tonkeeper/tongo"
	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/tlb"

	"github.com/Klingon-tech/walletsync/pkg/helpers"
)

const signDataPrefix = "ton-connect/sign-data/"

// SignDataType selects how a SignData payload is hashed.
type SignDataType string

const (
	SignDataText   SignDataType = "text"
	SignDataBinary SignDataType = "binary"
	SignDataCell   SignDataType = "cell"
)

// SignDataPayload is data a dApp asks the wallet to sign. Cell payloads
// carry the TL-B schema they were built against.
type SignDataPayload struct {
	Type   SignDataType `json:"type"`
	Text   string       `json:"text,omitempty"`
	Bytes  []byte       `json:"bytes,omitempty"`
	Schema string       `json:"schema,omitempty"`
	Cell   *boc.Cell    `json:"-"`
}

// Prefix of the cell that wraps a cell payload.
const signDataCellOp = 0x75569022

func signDataHash(addr tongo.AccountID, timestamp uint64, domain string, payload SignDataPayload) ([]byte, error) {
	var tag string
	var data []byte
	switch payload.Type {
	case SignDataText:
		tag, data = "txt", []byte(payload.Text)
	case SignDataBinary:
		tag, data = "bin", payload.Bytes
	case SignDataCell:
		return signDataCellHash(addr, timestamp, domain, payload)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadSignData, payload.Type)
	}

	msg := helpers.Concat(
		[]byte{0xff, 0xff},
		[]byte(signDataPrefix),
		helpers.Uint32BE(uint32(addr.Workchain)),
		addr.Address[:],
		helpers.Uint32BE(uint32(len(domain))),
		[]byte(domain),
		helpers.Uint64BE(timestamp),
		[]byte(tag),
		helpers.Uint32BE(uint32(len(data))),
		data,
	)
	sum := sha256.Sum256(msg)
	return sum[:], nil
}

// signDataCellHash wraps a cell payload as
//
//	message#75569022 schema_hash:uint32 timestamp:uint64 userAddress:MsgAddress
//	  appDomain:^(SnakeData) payload:^Cell = Message;
//
// and returns the representation hash of the wrapper.
func signDataCellHash(addr tongo.AccountID, timestamp uint64, domain string, payload SignDataPayload) ([]byte, error) {
	if payload.Cell == nil || payload.Schema == "" {
		return nil, fmt.Errorf("%w: cell payload needs a cell and a schema", ErrBadSignData)
	}
	c := boc.NewCell()
	if err := c.WriteUint(signDataCellOp, 32); err != nil {
		return nil, err
	}
	if err := c.WriteUint(uint64(crc32.ChecksumIEEE([]byte(payload.Schema))), 32); err != nil {
		return nil, err
	}
	if err := c.WriteUint(timestamp, 64); err != nil {
		return nil, err
	}
	if err := tlb.Marshal(c, addr.ToMsgAddress()); err != nil {
		return nil, err
	}
	app := boc.NewCell()
	if err := tlb.Marshal(app, tlb.Text(dnsEncode(domain))); err != nil {
		return nil, err
	}
	if err := c.AddRef(app); err != nil {
		return nil, err
	}
	if err := c.AddRef(payload.Cell); err != nil {
		return nil, err
	}
	return c.Hash()
}

// dnsEncode writes a domain the way TON DNS stores it: labels in reverse
// order, each terminated by a zero byte.
func dnsEncode(domain string) string {
	labels := strings.Split(strings.TrimSuffix(domain, "."), ".")
	var b strings.Builder
	for i := len(labels) - 1; i >= 0; i-- {
		b.WriteString(labels[i])
		b.WriteByte(0)
	}
	return b.String()
}

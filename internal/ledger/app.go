package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tonkeeper/tongo"
	"github.com/tonkeeper/tongo/boc"

	"github.com/Klingon-tech/walletsync/internal/chain"
)

// TON app instruction set.
const (
	claTON = 0xe0

	insGetVersion  = 0x03
	insGetAddress  = 0x05
	insSignTx      = 0x06
	insGetProof    = 0x08
	insGetSettings = 0x0a

	chunkMore = 0x80
	maxChunk  = 255
)

// Status words.
const (
	swOK              = 0x9000
	swRejectedByUser  = 0x6985
	swBlindSigningOff = 0xbd00
	swProofTooLarge   = 0xb00b
)

// Minimum TON app versions of optional features.
const (
	VersionWithGetSettings      = "2.1"
	VersionWithWalletSpecifiers = "2.1"
	VersionWithUnsafePayload    = "2.1"
)

const (
	hardened    = 0x80000000
	pathPurpose = 44
	pathCoinTON = 607

	addressFlagTestnet byte = 0x01
)

var (
	ErrNotConnected           = errors.New("ledger is not connected")
	ErrUnknownMode            = errors.New("unknown ledger connection mode")
	ErrRejectedByUser         = errors.New("rejected on the ledger")
	ErrBlindSigningNotEnabled = errors.New("blind signing is not enabled on the ledger")
	ErrProofTooLarge          = errors.New("proof is too large for the ledger")
	ErrHardwareOutdated       = errors.New("ledger TON app is outdated")
	ErrWrongDevice            = errors.New("connected ledger does not hold this wallet")
	ErrBadResponse            = errors.New("unexpected ledger response")
)

// StatusError is a non-success status word without a dedicated error.
type StatusError struct {
	Code uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger status 0x%04x", e.Code)
}

func statusError(code uint16) error {
	switch code {
	case swRejectedByUser:
		return ErrRejectedByUser
	case swBlindSigningOff:
		return ErrBlindSigningNotEnabled
	case swProofTooLarge:
		return ErrProofTooLarge
	default:
		return &StatusError{Code: code}
	}
}

// Path is a BIP32 derivation path. Every element is hardened on the wire.
type Path []uint32

// AccountPath returns the path of wallet index on a network.
func AccountPath(index uint32, network chain.Network) Path {
	var net uint32
	if network == chain.Testnet {
		net = 1
	}
	return Path{pathPurpose, pathCoinTON, net, 0, index, 0}
}

func (p Path) encode() []byte {
	out := make([]byte, 1, 1+4*len(p))
	out[0] = byte(len(p))
	for _, v := range p {
		out = binary.BigEndian.AppendUint32(out, v|hardened)
	}
	return out
}

// VersionAtLeast compares dotted numeric versions.
func VersionAtLeast(version, feature string) bool {
	a := strings.Split(version, ".")
	b := strings.Split(feature, ".")
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x, _ = strconv.Atoi(a[i])
		}
		if i < len(b) {
			y, _ = strconv.Atoi(b[i])
		}
		if x != y {
			return x > y
		}
	}
	return true
}

// TonApp speaks the TON app protocol over an Exchanger.
type TonApp struct {
	ex Exchanger
}

// NewTonApp wraps an exchanger, usually a Manager or a Service.
func NewTonApp(ex Exchanger) *TonApp {
	return &TonApp{ex: ex}
}

func (a *TonApp) send(ctx context.Context, ins, p1, p2 byte, data []byte) ([]byte, error) {
	if len(data) > maxChunk {
		return nil, fmt.Errorf("apdu data too long: %d bytes", len(data))
	}
	apdu := append([]byte{claTON, ins, p1, p2, byte(len(data))}, data...)

	resp, err := a.ex.Exchange(ctx, apdu)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, ErrBadResponse
	}
	sw := binary.BigEndian.Uint16(resp[len(resp)-2:])
	if sw != swOK {
		return nil, statusError(sw)
	}
	return resp[:len(resp)-2], nil
}

// sendChunked splits data over several APDUs. P1 counts chunks and P2 flags
// that more follow; the last response is returned.
func (a *TonApp) sendChunked(ctx context.Context, ins byte, data []byte) ([]byte, error) {
	var resp []byte
	for i := 0; ; i++ {
		n := len(data)
		if n > maxChunk {
			n = maxChunk
		}
		var p2 byte
		if n < len(data) {
			p2 = chunkMore
		}
		var err error
		resp, err = a.send(ctx, ins, byte(i), p2, data[:n])
		if err != nil {
			return nil, err
		}
		data = data[n:]
		if len(data) == 0 {
			return resp, nil
		}
	}
}

// GetVersion returns the TON app version, for example "2.1.0".
func (a *TonApp) GetVersion(ctx context.Context) (string, error) {
	resp, err := a.send(ctx, insGetVersion, 0, 0, nil)
	if err != nil {
		return "", err
	}
	if len(resp) < 3 {
		return "", ErrBadResponse
	}
	return fmt.Sprintf("%d.%d.%d", resp[0], resp[1], resp[2]), nil
}

// IsAppOpen reports whether the TON app answers. A status word means some
// other app or the dashboard is in front; transport errors are returned.
func (a *TonApp) IsAppOpen(ctx context.Context) (bool, error) {
	_, err := a.GetVersion(ctx)
	if err == nil {
		return true, nil
	}
	var status *StatusError
	if errors.As(err, &status) || errors.Is(err, ErrBadResponse) {
		return false, nil
	}
	return false, err
}

// WaitForApp polls IsAppOpen every pause until it succeeds or timeout passes.
func (a *TonApp) WaitForApp(ctx context.Context, clk clock.Clock, timeout, pause time.Duration) (bool, error) {
	deadline := clk.Now().Add(timeout)
	for {
		open, err := a.IsAppOpen(ctx)
		if err != nil {
			return false, err
		}
		if open {
			return true, nil
		}
		if !clk.Now().Add(pause).Before(deadline) {
			return false, nil
		}
		timer := clk.Timer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// AddressOptions tune GetAddress.
type AddressOptions struct {
	Testnet bool
	// Display asks the user to confirm the address on screen.
	Display bool
}

// Address is a wallet public key with its user-friendly address.
type Address struct {
	PublicKey ed25519.PublicKey
	Address   string
}

// GetAddress reads the public key at path and computes the wallet address.
func (a *TonApp) GetAddress(ctx context.Context, path Path, opts AddressOptions) (*Address, error) {
	var p1, p2 byte
	if opts.Display {
		p1 = 1
	}
	network := chain.Mainnet
	if opts.Testnet {
		p2 |= addressFlagTestnet
		network = chain.Testnet
	}

	resp, err := a.send(ctx, insGetAddress, p1, p2, path.encode())
	if err != nil {
		return nil, err
	}
	if len(resp) < ed25519.PublicKeySize {
		return nil, ErrBadResponse
	}
	pub := ed25519.PublicKey(append([]byte(nil), resp[:ed25519.PublicKeySize]...))

	addr, err := chain.TONWalletAddress(pub, network)
	if err != nil {
		return nil, err
	}
	return &Address{PublicKey: pub, Address: addr}, nil
}

// Settings are the user toggles of the TON app.
type Settings struct {
	BlindSigning bool `json:"blind_signing"`
	ExpertMode   bool `json:"expert_mode"`
}

// GetSettings reads the app settings. Apps older than VersionWithGetSettings
// report everything disabled.
func (a *TonApp) GetSettings(ctx context.Context) (*Settings, error) {
	version, err := a.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	if !VersionAtLeast(version, VersionWithGetSettings) {
		return &Settings{}, nil
	}
	resp, err := a.send(ctx, insGetSettings, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, ErrBadResponse
	}
	return &Settings{
		BlindSigning: resp[0]&0x01 != 0,
		ExpertMode:   resp[0]&0x02 != 0,
	}, nil
}

// TransactionRequest is one wallet transfer to be shown and signed on the
// device.
type TransactionRequest struct {
	To       tongo.AccountID
	Amount   uint64
	Seqno    uint32
	Timeout  uint32
	Bounce   bool
	SendMode uint8
	Payload  *boc.Cell

	// SubwalletID overrides the default subwallet; requires
	// VersionWithWalletSpecifiers.
	SubwalletID     *uint32
	IncludeWalletOp bool
}

// Signature is a device signature with the hash it covers.
type Signature struct {
	Signature []byte
	Hash      []byte
}

func (tx *TransactionRequest) encode() ([]byte, error) {
	var buf []byte
	if tx.SubwalletID != nil {
		buf = append(buf, 0x01)
		buf = binary.BigEndian.AppendUint32(buf, *tx.SubwalletID)
		buf = append(buf, boolByte(tx.IncludeWalletOp))
	} else {
		buf = append(buf, 0x00)
	}
	buf = binary.BigEndian.AppendUint32(buf, tx.Seqno)
	buf = binary.BigEndian.AppendUint32(buf, tx.Timeout)
	buf = appendVarUint(buf, tx.Amount)
	buf = append(buf, byte(tx.To.Workchain))
	buf = append(buf, tx.To.Address[:]...)
	buf = append(buf, boolByte(tx.Bounce), tx.SendMode)
	buf = append(buf, 0x00) // no state init

	if tx.Payload == nil {
		return append(buf, 0x00), nil
	}
	payload, err := tx.Payload.ToBoc()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	buf = append(buf, 0x01)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...), nil
}

// SignTransaction asks the device to sign a transfer from the wallet at path.
func (a *TonApp) SignTransaction(ctx context.Context, path Path, tx *TransactionRequest) (*Signature, error) {
	body, err := tx.encode()
	if err != nil {
		return nil, err
	}
	resp, err := a.sendChunked(ctx, insSignTx, append(path.encode(), body...))
	if err != nil {
		return nil, err
	}
	return parseSignature(resp)
}

// GetProof signs a TON Connect ownership proof on the device.
func (a *TonApp) GetProof(ctx context.Context, path Path, domain string, timestamp uint64, payload []byte) (*Signature, error) {
	if len(domain) > 255 {
		return nil, ErrProofTooLarge
	}
	data := path.encode()
	data = append(data, byte(len(domain)))
	data = append(data, domain...)
	data = binary.BigEndian.AppendUint64(data, timestamp)
	data = append(data, payload...)

	resp, err := a.sendChunked(ctx, insGetProof, data)
	if err != nil {
		return nil, err
	}
	return parseSignature(resp)
}

func parseSignature(resp []byte) (*Signature, error) {
	if len(resp) < ed25519.SignatureSize+32 {
		return nil, ErrBadResponse
	}
	return &Signature{
		Signature: append([]byte(nil), resp[:ed25519.SignatureSize]...),
		Hash:      append([]byte(nil), resp[ed25519.SignatureSize:ed25519.SignatureSize+32]...),
	}, nil
}

func appendVarUint(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < len(tmp) && tmp[i] == 0 {
		i++
	}
	buf = append(buf, byte(len(tmp)-i))
	return append(buf, tmp[i:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

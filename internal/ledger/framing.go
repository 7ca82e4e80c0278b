package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const frameTag = 0x05

var errBadFrame = errors.New("malformed transport frame")

// framer splits APDUs into Ledger transport packets and reassembles
// responses. HID packets carry a channel prefix and are padded to a fixed
// size; BLE packets are bounded by the negotiated MTU.
type framer struct {
	channel    []byte
	packetSize int
	pad        bool
}

var hidFramer = framer{channel: []byte{0x01, 0x01}, packetSize: 64, pad: true}

func bleFramer(mtu int) framer {
	return framer{packetSize: mtu}
}

func (f framer) headerSize() int {
	return len(f.channel) + 3
}

func (f framer) frames(apdu []byte) [][]byte {
	data := make([]byte, 2+len(apdu))
	binary.BigEndian.PutUint16(data, uint16(len(apdu)))
	copy(data[2:], apdu)

	var out [][]byte
	for seq := 0; len(data) > 0; seq++ {
		pkt := make([]byte, 0, f.packetSize)
		pkt = append(pkt, f.channel...)
		pkt = append(pkt, frameTag, byte(seq>>8), byte(seq))

		n := f.packetSize - len(pkt)
		if n > len(data) {
			n = len(data)
		}
		pkt = append(pkt, data[:n]...)
		data = data[n:]

		if f.pad {
			pkt = pkt[:f.packetSize]
		}
		out = append(out, pkt)
	}
	return out
}

// read reassembles one response from packets returned by next.
func (f framer) read(next func() ([]byte, error)) ([]byte, error) {
	var (
		resp  []byte
		total = -1
		hdr   = f.headerSize()
	)
	for seq := 0; total < 0 || len(resp) < total; seq++ {
		pkt, err := next()
		if err != nil {
			return nil, err
		}
		if len(pkt) < hdr || !bytes.Equal(pkt[:len(f.channel)], f.channel) || pkt[len(f.channel)] != frameTag {
			return nil, errBadFrame
		}
		if got := int(binary.BigEndian.Uint16(pkt[len(f.channel)+1:])); got != seq {
			return nil, fmt.Errorf("%w: sequence %d, want %d", errBadFrame, got, seq)
		}

		body := pkt[hdr:]
		if seq == 0 {
			if len(body) < 2 {
				return nil, errBadFrame
			}
			total = int(binary.BigEndian.Uint16(body))
			body = body[2:]
		}
		resp = append(resp, body...)
	}
	return resp[:total], nil
}

package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

var errConnectFailed = errors.New("connect failed")

type fakeConn struct {
	mu       sync.Mutex
	closed   int
	exchange func(apdu []byte) ([]byte, error)
}

func (c *fakeConn) Exchange(_ context.Context, apdu []byte) ([]byte, error) {
	if c.exchange == nil {
		return []byte{0x90, 0x00}, nil
	}
	return c.exchange(apdu)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport reports devices in one batch. With block set, Scan keeps
// running until its context ends, like a BLE scan.
type fakeTransport struct {
	mode    Mode
	devices []Device
	block   bool
	connect func(ctx context.Context, d Device) (Conn, error)

	mu       sync.Mutex
	connects []string
}

func (t *fakeTransport) Mode() Mode { return t.mode }

func (t *fakeTransport) Scan(ctx context.Context, found func([]Device)) error {
	if len(t.devices) > 0 {
		found(append([]Device(nil), t.devices...))
	}
	if t.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (t *fakeTransport) Connect(ctx context.Context, d Device) (Conn, error) {
	t.mu.Lock()
	t.connects = append(t.connects, d.ID)
	t.mu.Unlock()
	if t.connect == nil {
		return &fakeConn{}, nil
	}
	return t.connect(ctx, d)
}

func (t *fakeTransport) connectCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.connects...)
}

func ledgerDevice(id string) Device {
	return Device{ID: id, VendorID: VendorID, Model: ModelNanoX}
}

func appReady(context.Context, Exchanger) (bool, error)    { return true, nil }
func appNotReady(context.Context, Exchanger) (bool, error) { return false, nil }

func stateRecorder() (func(ConnectionState), chan ConnectionState) {
	states := make(chan ConnectionState, 32)
	return func(s ConnectionState) { states <- s }, states
}

func expectState(t *testing.T, states chan ConnectionState, kind StateKind) ConnectionState {
	t.Helper()
	select {
	case s := <-states:
		if s.Kind != kind {
			t.Fatalf("state = %+v, want %s", s, kind)
		}
		return s
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", kind)
		return ConnectionState{}
	}
}

func expectNoState(t *testing.T, states chan ConnectionState) {
	t.Helper()
	select {
	case s := <-states:
		t.Fatalf("unexpected state %+v", s)
	case <-time.After(30 * time.Millisecond):
	}
}

// fakeExchanger answers APDUs by instruction byte and records them.
type fakeExchanger struct {
	mu        sync.Mutex
	apdus     [][]byte
	responses map[byte]func(apdu []byte) ([]byte, error)
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{responses: make(map[byte]func([]byte) ([]byte, error))}
}

func (e *fakeExchanger) on(ins byte, fn func(apdu []byte) ([]byte, error)) {
	e.responses[ins] = fn
}

func (e *fakeExchanger) Exchange(_ context.Context, apdu []byte) ([]byte, error) {
	e.mu.Lock()
	e.apdus = append(e.apdus, append([]byte(nil), apdu...))
	fn := e.responses[apdu[1]]
	e.mu.Unlock()
	if fn == nil {
		return withStatus(nil, 0x6d00), nil
	}
	return fn(apdu)
}

func (e *fakeExchanger) sent() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.apdus...)
}

func withStatus(data []byte, sw uint16) []byte {
	return binary.BigEndian.AppendUint16(append([]byte(nil), data...), sw)
}

func replyVersion(major, minor, patch byte) func([]byte) ([]byte, error) {
	return func([]byte) ([]byte, error) {
		return withStatus([]byte{major, minor, patch}, swOK), nil
	}
}

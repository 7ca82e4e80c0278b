package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/walletsync/pkg/logging"
)

func newTestManager(tr *fakeTransport, wait AppWaiter) *Manager {
	return NewManager(ManagerConfig{
		Transport:  tr,
		WaitForApp: wait,
		Logger:     logging.Discard(),
	})
}

func TestManagerSkipsForeignVendor(t *testing.T) {
	tr := &fakeTransport{
		mode: ModeUSB,
		devices: []Device{
			{ID: "mouse", VendorID: 0x046d},
			{ID: "keyboard", VendorID: 0x05ac},
		},
	}
	m := newTestManager(tr, appReady)
	defer m.StopConnection()

	onUpdate, states := stateRecorder()
	m.StartConnection(onUpdate)

	expectState(t, states, StateConnecting)
	s := expectState(t, states, StateError)
	if s.Step != StepConnect {
		t.Errorf("Step = %s, want %s", s.Step, StepConnect)
	}
	if calls := tr.connectCalls(); len(calls) != 0 {
		t.Errorf("connect calls = %v, want none", calls)
	}
	if len(m.Devices()) != 0 {
		t.Errorf("Devices() = %v, want empty", m.Devices())
	}
}

func TestManagerFailsOverToNextDevice(t *testing.T) {
	good := &fakeConn{}
	tr := &fakeTransport{
		mode:    ModeUSB,
		devices: []Device{ledgerDevice("A"), ledgerDevice("B")},
		connect: func(_ context.Context, d Device) (Conn, error) {
			if d.ID == "A" {
				return nil, errConnectFailed
			}
			return good, nil
		},
	}
	m := newTestManager(tr, appReady)
	defer m.StopConnection()

	onUpdate, states := stateRecorder()
	m.StartConnection(onUpdate)

	expectState(t, states, StateConnecting)
	if s := expectState(t, states, StateConnectingToTonApp); s.Device.ID != "B" {
		t.Errorf("connecting to %s, want B", s.Device.ID)
	}
	if s := expectState(t, states, StateDone); s.Device.ID != "B" {
		t.Errorf("done with %s, want B", s.Device.ID)
	}

	if calls := tr.connectCalls(); len(calls) != 2 || calls[0] != "A" || calls[1] != "B" {
		t.Errorf("connect calls = %v, want [A B]", calls)
	}
	tried := m.TriedDevices()
	if len(tried) != 1 || tried[0].ID != "A" {
		t.Errorf("TriedDevices() = %v, want [A]", tried)
	}
	if d := m.SelectedDevice(); d == nil || d.ID != "B" {
		t.Errorf("SelectedDevice() = %v, want B", d)
	}

	stale := &fakeConn{}
	m.handleConnectResult(0, ledgerDevice("A"), stale, nil)
	if stale.closeCount() != 1 {
		t.Error("stale connection was not closed")
	}
	if got := m.State().Kind; got != StateDone {
		t.Errorf("State() = %s after stale result, want %s", got, StateDone)
	}
	expectNoState(t, states)
}

func TestManagerExhaustsDevices(t *testing.T) {
	tr := &fakeTransport{
		mode:    ModeUSB,
		devices: []Device{ledgerDevice("A"), ledgerDevice("B")},
		connect: func(context.Context, Device) (Conn, error) {
			return nil, errConnectFailed
		},
	}
	m := newTestManager(tr, appReady)
	defer m.StopConnection()

	onUpdate, states := stateRecorder()
	m.StartConnection(onUpdate)

	expectState(t, states, StateConnecting)
	if s := expectState(t, states, StateError); s.Step != StepConnect {
		t.Errorf("Step = %s, want %s", s.Step, StepConnect)
	}
	if len(m.TriedDevices()) != 2 {
		t.Errorf("TriedDevices() = %v, want both", m.TriedDevices())
	}
	if m.SelectedDevice() != nil {
		t.Errorf("SelectedDevice() = %v, want nil", m.SelectedDevice())
	}
	expectNoState(t, states)
}

func TestManagerTonAppNotOpen(t *testing.T) {
	tr := &fakeTransport{mode: ModeUSB, devices: []Device{ledgerDevice("A")}}
	m := newTestManager(tr, appNotReady)
	defer m.StopConnection()

	onUpdate, states := stateRecorder()
	m.StartConnection(onUpdate)

	expectState(t, states, StateConnecting)
	expectState(t, states, StateConnectingToTonApp)
	if s := expectState(t, states, StateError); s.Step != StepTonApp {
		t.Errorf("Step = %s, want %s", s.Step, StepTonApp)
	}
}

func TestManagerScanTimeout(t *testing.T) {
	tr := &fakeTransport{mode: ModeBLE, block: true}
	m := NewManager(ManagerConfig{
		Transport:   tr,
		WaitForApp:  appReady,
		ScanTimeout: 20 * time.Millisecond,
		Logger:      logging.Discard(),
	})
	defer m.StopConnection()

	onUpdate, states := stateRecorder()
	m.StartConnection(onUpdate)

	expectState(t, states, StateConnecting)
	s := expectState(t, states, StateError)
	if s.Step != StepConnect || s.ShortMessage != "" {
		t.Errorf("state = %+v, want CONNECT error without message", s)
	}
}

func TestManagerRestartWhileScanningRetriesSelected(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	first, second := &fakeConn{}, &fakeConn{}

	tr := &fakeTransport{
		mode:    ModeBLE,
		block:   true,
		devices: []Device{ledgerDevice("A")},
		connect: func(context.Context, Device) (Conn, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-release
				return first, nil
			}
			return second, nil
		},
	}
	m := newTestManager(tr, appReady)
	defer m.StopConnection()

	onUpdate, states := stateRecorder()
	m.StartConnection(onUpdate)
	expectState(t, states, StateConnecting)
	<-started

	m.StartConnection(onUpdate)
	expectState(t, states, StateConnecting)
	expectState(t, states, StateConnectingToTonApp)
	expectState(t, states, StateDone)

	close(release)
	deadline := time.Now().Add(time.Second)
	for first.closeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if first.closeCount() != 1 {
		t.Error("connection from the superseded attempt was not closed")
	}
	if second.closeCount() != 0 {
		t.Error("current connection was closed")
	}
	expectNoState(t, states)
}

func TestManagerStopConnectionIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	tr := &fakeTransport{
		mode:    ModeUSB,
		devices: []Device{ledgerDevice("A")},
		connect: func(context.Context, Device) (Conn, error) { return conn, nil },
	}
	m := newTestManager(tr, appReady)

	onUpdate, states := stateRecorder()
	m.StartConnection(onUpdate)
	expectState(t, states, StateConnecting)
	expectState(t, states, StateConnectingToTonApp)
	expectState(t, states, StateDone)

	m.StopConnection()
	m.StopConnection()

	if conn.closeCount() != 1 {
		t.Errorf("close count = %d, want 1", conn.closeCount())
	}
	if got := m.State().Kind; got != StateIdle {
		t.Errorf("State() = %s, want %s", got, StateIdle)
	}
	if len(m.Devices()) != 0 || len(m.TriedDevices()) != 0 || m.SelectedDevice() != nil {
		t.Error("device sets were not cleared")
	}
	if _, err := m.Exchange(context.Background(), []byte{0xe0, 0x03, 0, 0, 0}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Exchange() error = %v, want ErrNotConnected", err)
	}
	expectNoState(t, states)
}

func TestManagerWriteWithoutDevice(t *testing.T) {
	m := newTestManager(&fakeTransport{mode: ModeUSB}, appReady)

	var gotErr string
	m.Write([]byte{0xe0, 0x03, 0, 0, 0},
		func([]byte) { t.Error("onSuccess called without a device") },
		func(msg string) { gotErr = msg },
	)
	if gotErr != ErrNotConnected.Error() {
		t.Errorf("onError(%q), want %q", gotErr, ErrNotConnected.Error())
	}
}

func TestManagerWriteRecoversTransportPanic(t *testing.T) {
	conn := &fakeConn{exchange: func([]byte) ([]byte, error) { panic("usb unplugged") }}
	tr := &fakeTransport{
		mode:    ModeUSB,
		devices: []Device{ledgerDevice("A")},
		connect: func(context.Context, Device) (Conn, error) { return conn, nil },
	}
	m := newTestManager(tr, appReady)
	defer m.StopConnection()

	onUpdate, states := stateRecorder()
	m.StartConnection(onUpdate)
	expectState(t, states, StateConnecting)
	expectState(t, states, StateConnectingToTonApp)
	expectState(t, states, StateDone)

	var gotErr string
	m.Write([]byte{0xe0, 0x03, 0, 0, 0}, func([]byte) {}, func(msg string) { gotErr = msg })
	if gotErr == "" {
		t.Error("expected onError for a panicking transport")
	}
}

func TestManagerCallbackMayStopConnection(t *testing.T) {
	tr := &fakeTransport{mode: ModeUSB, devices: []Device{ledgerDevice("A")}}
	m := newTestManager(tr, appReady)

	states := make(chan ConnectionState, 8)
	m.StartConnection(func(s ConnectionState) {
		states <- s
		if s.Kind == StateDone {
			m.StopConnection()
		}
	})

	expectState(t, states, StateConnecting)
	expectState(t, states, StateConnectingToTonApp)
	expectState(t, states, StateDone)

	if got := m.State().Kind; got != StateIdle {
		t.Errorf("State() = %s, want %s", got, StateIdle)
	}
}

func TestManagerDropsQueuedStatesOnStop(t *testing.T) {
	tr := &fakeTransport{mode: ModeUSB, devices: []Device{ledgerDevice("A")}}
	m := newTestManager(tr, appReady)

	var (
		mu      sync.Mutex
		stopped bool
		late    []StateKind
	)
	m.StartConnection(func(s ConnectionState) {
		mu.Lock()
		if stopped {
			late = append(late, s.Kind)
		}
		mu.Unlock()
		if s.Kind != StateConnecting {
			return
		}
		// Connect and handshake complete while this callback runs, so
		// their states are queued behind it.
		time.Sleep(100 * time.Millisecond)
		m.StopConnection()
		mu.Lock()
		stopped = true
		mu.Unlock()
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !stopped {
		t.Fatal("callback never stopped the connection")
	}
	if len(late) != 0 {
		t.Errorf("states delivered after StopConnection = %v, want none", late)
	}
	if got := m.State().Kind; got != StateIdle {
		t.Errorf("State() = %s, want %s", got, StateIdle)
	}
	if _, err := m.Exchange(context.Background(), []byte{0xe0, 0x03, 0, 0, 0}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Exchange() error = %v, want ErrNotConnected", err)
	}
}

func TestServiceSetMode(t *testing.T) {
	usb := newTestManager(&fakeTransport{mode: ModeUSB, devices: []Device{ledgerDevice("A")}}, appReady)
	ble := newTestManager(&fakeTransport{mode: ModeBLE, block: true}, appReady)

	svc, err := NewService(ModeUSB, usb, ble)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer svc.Close()

	onUpdate, states := stateRecorder()
	svc.Active().StartConnection(onUpdate)
	expectState(t, states, StateConnecting)
	expectState(t, states, StateConnectingToTonApp)
	expectState(t, states, StateDone)

	mode, dev, ok := svc.ConnectedDevice()
	if !ok || mode != ModeUSB || dev.ID != "A" {
		t.Errorf("ConnectedDevice() = %s, %v, %v", mode, dev, ok)
	}

	if err := svc.SetMode(ModeBLE); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if svc.Mode() != ModeBLE || svc.Active() != ble {
		t.Error("active manager did not switch to ble")
	}
	if got := usb.State().Kind; got != StateIdle {
		t.Errorf("usb state = %s after switch, want %s", got, StateIdle)
	}
	if _, _, ok := svc.ConnectedDevice(); ok {
		t.Error("ConnectedDevice() reports a device after switching mode")
	}

	if err := svc.SetMode("nfc"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("SetMode(nfc) error = %v, want ErrUnknownMode", err)
	}
	if _, err := NewService("nfc", usb); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("NewService(nfc) error = %v, want ErrUnknownMode", err)
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/walletsync/internal/metrics"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// AppWaiter confirms that the TON app is in front on a freshly opened link.
type AppWaiter func(ctx context.Context, ex Exchanger) (bool, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Transport Transport
	// VendorID filters scanned devices. Zero means VendorID.
	VendorID uint16
	// WaitForApp defaults to polling the TON app version.
	WaitForApp AppWaiter

	AppTimeout      time.Duration
	AppAttemptPause time.Duration
	// ScanTimeout bounds a scan that never reports a usable device.
	ScanTimeout time.Duration

	Clock   clock.Clock
	Metrics *metrics.Recorder
	Logger  *logging.Logger
}

// Manager runs the connection state machine over one transport: scan,
// connect with failover across the scanned devices, wait for the TON app.
type Manager struct {
	transport   Transport
	vendorID    uint16
	waitForApp  AppWaiter
	scanTimeout time.Duration
	metrics     *metrics.Recorder
	log         *logging.Logger

	mu       sync.Mutex
	running  bool
	scanning bool
	scanID   uint64
	attempt  uint64
	ctx      context.Context
	cancel   context.CancelFunc
	stopScan context.CancelFunc

	devices  []Device
	tried    []Device
	selected *Device
	conn     Conn
	state    ConnectionState
	onUpdate func(ConnectionState)

	// session changes on every stop. Queued states of an older session are
	// dropped instead of delivered.
	session  uint64
	pending  []emission
	draining bool
}

type emission struct {
	session uint64
	state   ConnectionState
	cb      func(ConnectionState)
}

// NewManager creates a stopped manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.VendorID == 0 {
		cfg.VendorID = VendorID
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.WaitForApp == nil {
		clk, timeout, pause := cfg.Clock, cfg.AppTimeout, cfg.AppAttemptPause
		cfg.WaitForApp = func(ctx context.Context, ex Exchanger) (bool, error) {
			return NewTonApp(ex).WaitForApp(ctx, clk, timeout, pause)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("ledger")
	}

	return &Manager{
		transport:   cfg.Transport,
		vendorID:    cfg.VendorID,
		waitForApp:  cfg.WaitForApp,
		scanTimeout: cfg.ScanTimeout,
		metrics:     cfg.Metrics,
		log:         log.With("mode", cfg.Transport.Mode()),
		state:       ConnectionState{Kind: StateIdle},
	}
}

// Mode returns the transport mode.
func (m *Manager) Mode() Mode {
	return m.transport.Mode()
}

// StartConnection starts scanning and reports every state change to
// onUpdate. Calling it while a scan is still running with a device selected
// retries that device; otherwise the previous session is stopped and a fresh
// scan begins.
func (m *Manager) StartConnection(onUpdate func(ConnectionState)) {
	m.mu.Lock()
	if m.running && m.scanning && m.selected != nil {
		m.onUpdate = onUpdate
		conn := m.conn
		m.conn = nil
		m.emitLocked(connecting())
		m.selectLocked(*m.selected)
		m.mu.Unlock()
		closeConn(conn)
		m.flush()
		return
	}

	conn := m.stopLocked()
	m.running = true
	m.scanning = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.onUpdate = onUpdate
	m.emitLocked(connecting())

	scanCtx, stopScan := context.WithCancel(m.ctx)
	m.stopScan = stopScan
	scanID := m.scanID
	go m.scan(scanCtx, scanID)
	m.mu.Unlock()

	closeConn(conn)
	m.flush()
}

// StopConnection cancels scanning, disconnects, and forgets every scanned
// device. Late callbacks from the stopped session are ignored. Safe to call
// any number of times.
func (m *Manager) StopConnection() {
	m.mu.Lock()
	conn := m.stopLocked()
	m.mu.Unlock()
	closeConn(conn)
}

func (m *Manager) stopLocked() Conn {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.stopScan = nil
	m.session++
	m.pending = nil
	m.scanID++
	m.attempt++
	m.running = false
	m.scanning = false
	m.devices = nil
	m.tried = nil
	m.selected = nil
	m.onUpdate = nil
	m.state = ConnectionState{Kind: StateIdle}

	conn := m.conn
	m.conn = nil
	return conn
}

// Exchange forwards an APDU to the connected device.
func (m *Manager) Exchange(ctx context.Context, apdu []byte) (resp []byte, err error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return conn.Exchange(ctx, apdu)
}

// Write is the callback form of Exchange. Failures, including a missing
// connection and transport panics, go to onError.
func (m *Manager) Write(apdu []byte, onSuccess func([]byte), onError func(string)) {
	resp, err := m.Exchange(context.Background(), apdu)
	if err != nil {
		onError(err.Error())
		return
	}
	onSuccess(resp)
}

// State returns the last reported state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Devices returns the scanned candidates of the current session.
func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Device(nil), m.devices...)
}

// TriedDevices returns the devices that failed in the current session.
func (m *Manager) TriedDevices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Device(nil), m.tried...)
}

// SelectedDevice returns the device being connected or connected, if any.
func (m *Manager) SelectedDevice() *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return nil
	}
	d := *m.selected
	return &d
}

func (m *Manager) scan(ctx context.Context, scanID uint64) {
	scanCtx := ctx
	if m.scanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, m.scanTimeout)
		defer cancel()
	}

	err := m.safeScan(scanCtx, func(devices []Device) {
		m.handleDevices(scanID, devices)
	})
	m.handleScanDone(scanID, err)
}

func (m *Manager) safeScan(ctx context.Context, found func([]Device)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panic: %v", r)
		}
	}()
	return m.transport.Scan(ctx, found)
}

func (m *Manager) handleDevices(scanID uint64, devices []Device) {
	m.mu.Lock()
	if scanID != m.scanID || !m.running {
		m.mu.Unlock()
		return
	}

	for _, d := range devices {
		if d.VendorID != m.vendorID {
			m.log.Debug("Skipping foreign device", "device", d, "vendor", fmt.Sprintf("0x%04x", d.VendorID))
			continue
		}
		if indexOf(m.devices, d.ID) < 0 {
			m.devices = append(m.devices, d)
		}
	}

	if m.selected == nil && !m.state.IsTerminal() {
		if next, ok := m.nextUntriedLocked(); ok {
			m.selectLocked(next)
		}
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) handleScanDone(scanID uint64, err error) {
	m.mu.Lock()
	if scanID != m.scanID || !m.running {
		m.mu.Unlock()
		return
	}
	m.scanning = false
	if m.selected == nil && !m.state.IsTerminal() {
		msg := ""
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			msg = err.Error()
		}
		m.log.Debug("Scan found no usable device", "error", err)
		m.emitLocked(failed(StepConnect, msg))
	}
	m.mu.Unlock()
	m.flush()
}

// selectLocked makes d the selected device and starts connecting to it.
func (m *Manager) selectLocked(d Device) {
	m.selected = &d
	m.attempt++
	attempt, ctx := m.attempt, m.ctx

	m.log.Debug("Connecting to device", "device", d)
	go func() {
		conn, err := m.connect(ctx, d)
		m.handleConnectResult(attempt, d, conn, err)
	}()
}

func (m *Manager) connect(ctx context.Context, d Device) (conn Conn, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect panic: %v", r)
		}
	}()
	return m.transport.Connect(ctx, d)
}

// handleConnectResult applies the outcome of connecting to d. Results for a
// device that is no longer selected, or from an older attempt, are dropped.
func (m *Manager) handleConnectResult(attempt uint64, d Device, conn Conn, err error) {
	m.mu.Lock()
	if !m.isCurrentLocked(attempt, d) {
		m.mu.Unlock()
		m.log.Debug("Dropping stale connect result", "device", d)
		closeConn(conn)
		return
	}

	if err != nil {
		m.log.Debug("Device connect failed", "device", d, "error", err)
		if indexOf(m.tried, d.ID) < 0 {
			m.tried = append(m.tried, d)
		}
		m.selected = nil
		if next, ok := m.nextUntriedLocked(); ok {
			m.selectLocked(next)
		} else {
			m.emitLocked(failed(StepConnect, ""))
			m.stopScanLocked()
		}
		m.mu.Unlock()
		m.flush()
		return
	}

	m.conn = conn
	m.emitLocked(connectingToTonApp(d))
	ctx := m.ctx
	m.mu.Unlock()
	m.flush()

	go func() {
		ok, err := m.waitForApp(ctx, conn)
		m.handleAppResult(attempt, d, ok, err)
	}()
}

func (m *Manager) handleAppResult(attempt uint64, d Device, ok bool, err error) {
	m.mu.Lock()
	if !m.isCurrentLocked(attempt, d) {
		m.mu.Unlock()
		return
	}
	if err != nil || !ok {
		m.log.Debug("TON app is not ready", "device", d, "error", err)
		m.emitLocked(failed(StepTonApp, ""))
	} else {
		m.log.Info("Ledger connected", "device", d)
		m.emitLocked(done(d))
	}
	m.stopScanLocked()
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) isCurrentLocked(attempt uint64, d Device) bool {
	return m.running && attempt == m.attempt && m.selected != nil && m.selected.ID == d.ID
}

// stopScanLocked ends the scan of a finished attempt while keeping the
// session, so Exchange keeps working.
func (m *Manager) stopScanLocked() {
	if !m.scanning {
		return
	}
	m.scanning = false
	m.scanID++
	if m.stopScan != nil {
		m.stopScan()
		m.stopScan = nil
	}
}

func (m *Manager) nextUntriedLocked() (Device, bool) {
	for _, d := range m.devices {
		if indexOf(m.tried, d.ID) < 0 {
			return d, true
		}
	}
	return Device{}, false
}

func (m *Manager) emitLocked(state ConnectionState) {
	m.state = state
	m.metrics.LedgerState(string(m.transport.Mode()), string(state.Kind))
	if m.onUpdate != nil {
		m.pending = append(m.pending, emission{session: m.session, state: state, cb: m.onUpdate})
	}
}

// flush delivers queued states in order outside the lock. Callbacks may
// call back into the manager.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		e := m.pending[0]
		m.pending = m.pending[1:]
		if e.session != m.session {
			continue
		}
		m.mu.Unlock()
		m.deliver(e)
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Manager) deliver(e emission) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Connection state callback panicked", "panic", r)
		}
	}()
	e.cb(e.state)
}

func indexOf(devices []Device, id string) int {
	for i, d := range devices {
		if d.ID == id {
			return i
		}
	}
	return -1
}

func closeConn(conn Conn) {
	if conn != nil {
		conn.Close()
	}
}

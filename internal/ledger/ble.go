package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

const (
	defaultBLEMTU = 20
	mtuTag        = 0x08
	mtuTimeout    = time.Second
)

type bleProfile struct {
	model   Model
	service bluetooth.UUID
	notify  bluetooth.UUID
	write   bluetooth.UUID
}

func newBLEProfile(model Model, id string) bleProfile {
	uuid := func(part string) bluetooth.UUID {
		u, err := bluetooth.ParseUUID("13d63400-2c97-" + id + "-" + part + "-4c6564676572")
		if err != nil {
			panic(err)
		}
		return u
	}
	return bleProfile{model: model, service: uuid("0000"), notify: uuid("0001"), write: uuid("0002")}
}

var bleProfiles = []bleProfile{
	newBLEProfile(ModelNanoX, "0004"),
	newBLEProfile(ModelStax, "6004"),
	newBLEProfile(ModelEuropa, "3004"),
}

type bleSeen struct {
	address bluetooth.Address
	profile *bleProfile
}

// BLETransport reaches Ledger devices over Bluetooth Low Energy.
type BLETransport struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu   sync.Mutex
	seen map[string]bleSeen
}

// NewBLETransport uses the default system adapter.
func NewBLETransport() *BLETransport {
	return &BLETransport{adapter: bluetooth.DefaultAdapter, seen: make(map[string]bleSeen)}
}

func (t *BLETransport) Mode() Mode { return ModeBLE }

func (t *BLETransport) enable() error {
	t.enableOnce.Do(func() {
		t.enableErr = t.adapter.Enable()
	})
	return t.enableErr
}

// Scan reports every newly advertised peripheral until ctx is done. Ledger
// peripherals carry the Ledger vendor id; others are reported with zero.
func (t *BLETransport) Scan(ctx context.Context, found func([]Device)) error {
	if err := t.enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth: %w", err)
	}

	t.mu.Lock()
	t.seen = make(map[string]bleSeen)
	t.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { t.adapter.StopScan() })
	defer stop()

	err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()

		t.mu.Lock()
		if _, dup := t.seen[id]; dup {
			t.mu.Unlock()
			return
		}
		dev := Device{ID: id, Name: result.LocalName()}
		var profile *bleProfile
		for i := range bleProfiles {
			if result.HasServiceUUID(bleProfiles[i].service) {
				profile = &bleProfiles[i]
				dev.VendorID = VendorID
				dev.Model = profile.model
				break
			}
		}
		t.seen[id] = bleSeen{address: result.Address, profile: profile}
		t.mu.Unlock()

		found([]Device{dev})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Connect opens a GATT link, subscribes to notifications and negotiates
// the MTU.
func (t *BLETransport) Connect(ctx context.Context, d Device) (Conn, error) {
	t.mu.Lock()
	seen, ok := t.seen[d.ID]
	t.mu.Unlock()
	if !ok || seen.profile == nil {
		return nil, fmt.Errorf("ble device %s is not a scanned ledger", d.ID)
	}

	dev, err := t.adapter.Connect(seen.address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d, err)
	}
	fail := func(err error) (Conn, error) {
		dev.Disconnect()
		return nil, err
	}

	services, err := dev.DiscoverServices([]bluetooth.UUID{seen.profile.service})
	if err != nil || len(services) == 0 {
		return fail(fmt.Errorf("ledger service not found on %s: %v", d, err))
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{seen.profile.notify, seen.profile.write})
	if err != nil {
		return fail(fmt.Errorf("failed to discover characteristics on %s: %w", d, err))
	}

	var notify, write *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case seen.profile.notify:
			notify = &chars[i]
		case seen.profile.write:
			write = &chars[i]
		}
	}
	if notify == nil || write == nil {
		return fail(fmt.Errorf("ledger characteristics missing on %s", d))
	}

	conn := &bleConn{
		write:      write.WriteWithoutResponse,
		disconnect: dev.Disconnect,
		packets:    make(chan []byte, 64),
		framer:     bleFramer(defaultBLEMTU),
	}
	if err := notify.EnableNotifications(conn.receive); err != nil {
		return fail(fmt.Errorf("failed to subscribe to %s: %w", d, err))
	}
	conn.negotiateMTU(ctx)
	return conn, nil
}

type bleConn struct {
	mu         sync.Mutex
	write      func([]byte) (int, error)
	disconnect func() error
	packets    chan []byte
	framer     framer
}

func (c *bleConn) receive(buf []byte) {
	pkt := append([]byte(nil), buf...)
	select {
	case c.packets <- pkt:
	default:
	}
}

func (c *bleConn) next(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-c.packets:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// negotiateMTU keeps the default MTU when the device does not answer.
func (c *bleConn) negotiateMTU(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, mtuTimeout)
	defer cancel()

	if _, err := c.write([]byte{mtuTag, 0, 0, 0, 0}); err != nil {
		return
	}
	pkt, err := c.next(ctx)
	if err != nil || len(pkt) < 6 || pkt[0] != mtuTag || pkt[5] <= frameHeaderBLE {
		return
	}
	c.framer = bleFramer(int(pkt[5]))
}

// frameHeaderBLE is the tag plus sequence number of a BLE packet.
const frameHeaderBLE = 3

func (c *bleConn) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pkt := range c.framer.frames(apdu) {
		if _, err := c.write(pkt); err != nil {
			return nil, fmt.Errorf("ble write failed: %w", err)
		}
	}
	return c.framer.read(func() ([]byte, error) { return c.next(ctx) })
}

func (c *bleConn) Close() error {
	return c.disconnect()
}

var _ Transport = (*BLETransport)(nil)

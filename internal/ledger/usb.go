package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/karalabe/hid"
)

// Ledger devices expose APDUs on this HID usage page.
const ledgerUsagePage = 0xffa0

var errHIDUnsupported = errors.New("usb hid is not supported on this platform")

type hidDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// USBTransport reaches Ledger devices over USB HID.
type USBTransport struct {
	mu    sync.Mutex
	infos map[string]hid.DeviceInfo
}

// NewUSBTransport creates a USB transport.
func NewUSBTransport() *USBTransport {
	return &USBTransport{infos: make(map[string]hid.DeviceInfo)}
}

func (t *USBTransport) Mode() Mode { return ModeUSB }

// Scan lists the attached HID devices once. Every device is reported with
// its vendor id; extra interfaces of Ledger devices are skipped.
func (t *USBTransport) Scan(ctx context.Context, found func([]Device)) error {
	if !hid.Supported() {
		return errHIDUnsupported
	}
	infos := hid.Enumerate(0, 0)
	if err := ctx.Err(); err != nil {
		return err
	}

	devices := make([]Device, 0, len(infos))
	t.mu.Lock()
	t.infos = make(map[string]hid.DeviceInfo, len(infos))
	for _, info := range infos {
		if info.VendorID == VendorID && info.UsagePage != ledgerUsagePage && info.Interface != 0 {
			continue
		}
		if _, dup := t.infos[info.Path]; dup {
			continue
		}
		t.infos[info.Path] = info
		devices = append(devices, Device{
			ID:        info.Path,
			Name:      info.Product,
			VendorID:  info.VendorID,
			ProductID: info.ProductID,
			Model:     ModelFromUSBProductID(info.ProductID),
		})
	}
	t.mu.Unlock()

	found(devices)
	return nil
}

// Connect opens the HID device.
func (t *USBTransport) Connect(ctx context.Context, d Device) (Conn, error) {
	t.mu.Lock()
	info, ok := t.infos[d.ID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("usb device %s was not scanned", d.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := info.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", d, err)
	}
	return &hidConn{dev: dev}, nil
}

type hidConn struct {
	mu  sync.Mutex
	dev hidDevice
}

// Exchange writes the framed APDU and reads the reply. HID reads block, so
// ctx is only checked before the write.
func (c *hidConn) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, pkt := range hidFramer.frames(apdu) {
		if _, err := c.dev.Write(pkt); err != nil {
			return nil, fmt.Errorf("usb write failed: %w", err)
		}
	}
	return hidFramer.read(func() ([]byte, error) {
		buf := make([]byte, hidFramer.packetSize)
		if _, err := io.ReadFull(c.dev, buf); err != nil {
			return nil, fmt.Errorf("usb read failed: %w", err)
		}
		return buf, nil
	})
}

func (c *hidConn) Close() error {
	return c.dev.Close()
}

var _ Transport = (*USBTransport)(nil)

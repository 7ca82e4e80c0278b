// Package ledger drives Ledger hardware wallets: device discovery and
// connection over BLE or USB, the TON app command set, and the multi-wallet
// import flow.
package ledger

import "fmt"

// VendorID is the USB vendor id of Ledger devices.
const VendorID uint16 = 0x2c97

// Model identifies a Ledger hardware model.
type Model string

const (
	ModelUnknown Model = ""
	ModelBlue    Model = "blue"
	ModelNanoS   Model = "nanoS"
	ModelNanoSP  Model = "nanoSP"
	ModelNanoX   Model = "nanoX"
	ModelStax    Model = "stax"
	ModelEuropa  Model = "europa"
)

// ModelFromUSBProductID maps the high byte of a Ledger USB product id to a model.
func ModelFromUSBProductID(productID uint16) Model {
	switch productID >> 8 {
	case 0x00:
		return ModelBlue
	case 0x10:
		return ModelNanoS
	case 0x40:
		return ModelNanoX
	case 0x50:
		return ModelNanoSP
	case 0x60:
		return ModelStax
	case 0x70:
		return ModelEuropa
	default:
		return ModelUnknown
	}
}

// Device is a candidate found by a transport scan. ID is unique per
// transport: a HID path or a BLE address.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id,omitempty"`
	Model     Model  `json:"model,omitempty"`
}

func (d Device) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s (%s)", d.Name, d.ID)
	}
	return d.ID
}

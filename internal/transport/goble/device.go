package goble

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/backpack/internal/protocol"
)

// gattClient is the part of ble.Client the transport uses.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Dial connects to the peripheral at address (can be overridden in tests)
var Dial = func(ctx context.Context, address string) (gattClient, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Backpack services and attributes live under a vendor base UUID. The service
// id fills the first 16 bits, the attribute id the next 16.
const baseUUIDSuffix = "-4250-4b00-8000-00805f9b34fb"

// ServiceUUID is the GATT service carrying a backpack service.
func ServiceUUID(service protocol.ServiceID) ble.UUID {
	return ble.MustParse(fmt.Sprintf("%04x0000%s", uint16(service), baseUUIDSuffix))
}

// CharacteristicUUID is the GATT characteristic carrying an attribute.
func CharacteristicUUID(service protocol.ServiceID, attribute protocol.AttributeID) ble.UUID {
	return ble.MustParse(fmt.Sprintf("%04x%04x%s", uint16(service), uint16(attribute), baseUUIDSuffix))
}

// parseCharacteristic is the inverse of CharacteristicUUID. It fails for
// UUIDs outside the backpack base.
func parseCharacteristic(u ble.UUID) (protocol.ServiceID, protocol.AttributeID, bool) {
	// ble.UUID renders as undashed lowercase hex
	s := u.String()
	if len(s) != 32 || s[8:] != strings.ReplaceAll(baseUUIDSuffix, "-", "") {
		return 0, 0, false
	}
	service, err := strconv.ParseUint(s[0:4], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	attribute, err := strconv.ParseUint(s[4:8], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return protocol.ServiceID(service), protocol.AttributeID(attribute), true
}

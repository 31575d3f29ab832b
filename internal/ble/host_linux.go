package ble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BlueZ names. tinygo/bluetooth on Linux only writes without response, so
// the relay write goes through D-Bus directly.
const (
	bluezService      = "org.bluez"
	bluezAdapterPath  = dbus.ObjectPath("/org/bluez/hci0")
	bluezAdapterIface = "org.bluez.Adapter1"
	bluezServiceIface = "org.bluez.GattService1"
	bluezCharIface    = "org.bluez.GattCharacteristic1"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// propertyReader is the part of dbus.BusObject used to read properties.
type propertyReader interface {
	GetProperty(p string) (dbus.Variant, error)
}

// methodCaller is the part of dbus.BusObject used to call methods.
type methodCaller interface {
	Call(method string, flags dbus.Flags, args ...any) *dbus.Call
}

func hostPowered() error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAdapterDisabled, err)
	}
	return checkPowered(bus.Object(bluezService, bluezAdapterPath))
}

// checkPowered maps the adapter's Powered property to ErrAdapterDisabled.
func checkPowered(adapter propertyReader) error {
	v, err := adapter.GetProperty(bluezAdapterIface + ".Powered")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAdapterDisabled, err)
	}
	if on, ok := v.Value().(bool); !ok || !on {
		return fmt.Errorf("%w: radio is powered off", ErrAdapterDisabled)
	}
	return nil
}

func (c *hostConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	// Waits for BlueZ to resolve services and checks both UUIDs exist.
	if _, err := c.discover(serviceUUID, charUUID); err != nil {
		return nil, err
	}

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCharacteristicNotFound, err)
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err = bus.Object(bluezService, "/").
		Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCharacteristicNotFound, err)
	}

	path, err := characteristicPath(objects, c.address, serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return &bluezCharacteristic{obj: bus.Object(bluezService, path)}, nil
}

// characteristicPath finds the object path of charUUID inside serviceUUID
// on the device with the given address.
func characteristicPath(objects managedObjects, address, serviceUUID, charUUID string) (dbus.ObjectPath, error) {
	devSegment := "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_") + "/"

	var matches []string
	for path, ifaces := range objects {
		if !strings.Contains(string(path), devSegment) {
			continue
		}
		props, ok := ifaces[bluezCharIface]
		if !ok || !strings.EqualFold(variantString(props["UUID"]), charUUID) {
			continue
		}
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svc, ok := objects[svcPath][bluezServiceIface]
		if !ok || !strings.EqualFold(variantString(svc["UUID"]), serviceUUID) {
			continue
		}
		matches = append(matches, string(path))
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s not exported by BlueZ for %s", ErrCharacteristicNotFound, charUUID, address)
	}
	sort.Strings(matches)
	return dbus.ObjectPath(matches[0]), nil
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

type bluezCharacteristic struct {
	obj methodCaller
}

// Write is a GATT write request: BlueZ returns only after the relay
// acknowledged it.
func (c *bluezCharacteristic) Write(data []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	return c.obj.Call(bluezCharIface+".WriteValue", 0, data, opts).Err
}

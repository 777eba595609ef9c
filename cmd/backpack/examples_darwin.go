//go:build darwin

package main

const (
	exampleDeviceAddress = "01234567-89AB-CDEF-0123-456789ABCDEF"
	deviceAddressNote    = "Device address format: CoreBluetooth peripheral UUID, with or without dashes\n  Example: 01234567-89AB-CDEF-0123-456789ABCDEF\n  Use 'backpack scan' to discover devices; the address may be omitted when device_address is set in the config file"
)

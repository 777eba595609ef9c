//go:build !darwin

package main

const (
	exampleDeviceAddress = "C4:7C:8D:6A:12:F0"
	deviceAddressNote    = "Device address format: Bluetooth MAC address\n  Example: C4:7C:8D:6A:12:F0\n  Use 'backpack scan' to discover devices; the address may be omitted when device_address is set in the config file"
)

package bledb

import (
	"testing"

	"github.com/srg/gattkit/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestLookupService(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{"short form", "180d", "Heart Rate"},
		{"with 0x prefix", "0x180D", "Heart Rate"},
		{"full SIG UUID with dashes", "0000180d-0000-1000-8000-00805f9b34fb", "Heart Rate"},
		{"full SIG UUID without dashes", "0000180d00001000800000805f9b34fb", "Heart Rate"},
		{"braces", "{0000180f-0000-1000-8000-00805f9b34fb}", "Battery Service"},
		{"vendor 128-bit", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "Nordic UART Service"},
		{"unknown", "ffff", ""},
		{"malformed", "not-a-uuid", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupService(tt.uuid))
		})
	}
}

func TestLookupCharacteristic(t *testing.T) {
	assert.Equal(t, "Heart Rate Measurement", LookupCharacteristic("2a37"))
	assert.Equal(t, "Battery Level", LookupCharacteristic("00002a19-0000-1000-8000-00805f9b34fb"))
	assert.Empty(t, LookupCharacteristic("180d"), "service UUIDs MUST NOT name characteristics")
}

func TestLookupDescriptor(t *testing.T) {
	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("2902"))
	assert.Equal(t, "Characteristic User Descriptor", LookupDescriptor("00002901-0000-1000-8000-00805f9b34fb"))
}

func TestLookupByKind(t *testing.T) {
	assert.Equal(t, "Heart Rate", Lookup(device.KindService, "180d"))
	assert.Equal(t, "Heart Rate Measurement", Lookup(device.KindCharacteristic, "2a37"))
	assert.Equal(t, "Client Characteristic Configuration", Lookup(device.KindDescriptor, "2902"))
	assert.Empty(t, Lookup(device.NodeKind(0), "180d"))
}

package device_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/gattkit/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state    device.ConnectionState
		expected string
		wire     int
	}{
		{device.StateDisconnected, "DISCONNECTED", 0},
		{device.StateConnecting, "CONNECTING", 1},
		{device.StateConnected, "CONNECTED", 2},
		{device.StateDisconnecting, "DISCONNECTING", 3},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
			assert.Equal(t, tt.wire, int(tt.state), "wire value MUST be stable")
			assert.True(t, tt.state.Valid())
		})
	}

	assert.False(t, device.ConnectionState(7).Valid())
	assert.Equal(t, "UNKNOWN(7)", device.ConnectionState(7).String())
}

func TestFlagSets(t *testing.T) {
	// GOAL: Verify flag sets keep the documented bit values and render as name lists
	//
	// TEST SCENARIO: Parse named flags → bit value → names round-trip

	t.Run("permissions", func(t *testing.T) {
		p, err := device.ParsePermissions("read, write-signed-mitm")
		require.NoError(t, err)
		assert.Equal(t, device.Permission(1|256), p)
		assert.Equal(t, []string{"read", "write-signed-mitm"}, p.Names())
		assert.True(t, p.Has(device.PermRead))
		assert.False(t, p.Has(device.PermWrite))
	})

	t.Run("properties", func(t *testing.T) {
		p, err := device.ParseProperties("read,notify")
		require.NoError(t, err)
		assert.Equal(t, device.Property(2|16), p)
		assert.True(t, p.CanNotify())
		assert.Equal(t, "read,notify", p.String())

		data, err := json.Marshal(p)
		require.NoError(t, err)
		assert.JSONEq(t, `["read","notify"]`, string(data))
	})

	t.Run("write types", func(t *testing.T) {
		assert.Equal(t, device.WriteType(1), device.WriteNoResponse)
		assert.Equal(t, device.WriteType(2), device.WriteDefault)
		assert.Equal(t, device.WriteType(4), device.WriteSigned)

		w := device.WriteTypeFor(device.PropWrite | device.PropWriteNoResponse)
		assert.Equal(t, device.WriteNoResponse|device.WriteDefault, w)
	})

	t.Run("unknown flag is rejected", func(t *testing.T) {
		_, err := device.ParseProperties("read,teleport")
		assert.Error(t, err, "MUST reject unknown flag names")
	})
}

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "16-bit short form", input: "180D", expected: "0000180d-0000-1000-8000-00805f9b34fb"},
		{name: "16-bit with 0x prefix", input: "0x2a37", expected: "00002a37-0000-1000-8000-00805f9b34fb"},
		{name: "32-bit short form", input: "0000180F", expected: "0000180f-0000-1000-8000-00805f9b34fb"},
		{name: "full uppercase", input: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{name: "braced", input: "{6e400001-b5a3-f393-e0a9-e50e24dcca9e}", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{name: "garbage", input: "zz", wantErr: true},
		{name: "non hex short form", input: "18zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := device.NormalizeUUID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	assert.Equal(t, "180d", device.ShortUUID(device.MustNormalizeUUID("180d")))
}

func TestValidateUUID(t *testing.T) {
	_, err := device.ValidateUUID()
	assert.Error(t, err, "MUST require at least one UUID")

	_, err = device.ValidateUUID("180d", " ")
	assert.ErrorContains(t, err, "index 1")

	got, err := device.ValidateUUID("180d", "2A37")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0000180d-0000-1000-8000-00805f9b34fb",
		"00002a37-0000-1000-8000-00805f9b34fb",
	}, got)
}

func TestErrors(t *testing.T) {
	// GOAL: Verify engine errors match their sentinels through errors.Is and keep detail for errors.As
	//
	// TEST SCENARIO: Build typed errors → wrap → errors.Is / errors.As / IsKind

	stateErr := fmt.Errorf("read: %w", device.NewStateError("read", device.StateConnecting))
	assert.ErrorIs(t, stateErr, device.ErrInvalidState)
	assert.NotErrorIs(t, stateErr, device.ErrUnknownHandle)
	assert.Contains(t, stateErr.Error(), "CONNECTING")

	handleErr := device.NewHandleError("write", 42, "released")
	assert.ErrorIs(t, handleErr, device.ErrUnknownHandle)
	assert.Contains(t, handleErr.Error(), "handle 42")

	cause := errors.New("att: insufficient authentication")
	bridgeErr := device.AsBridgeError("read_characteristic", cause)
	assert.ErrorIs(t, bridgeErr, device.ErrBridgeFailure)
	assert.ErrorIs(t, bridgeErr, cause, "BridgeError MUST unwrap to the library error")
	assert.True(t, device.IsKind(bridgeErr, device.BridgeFailure))

	var berr *device.BridgeError
	require.True(t, errors.As(bridgeErr, &berr))
	assert.Equal(t, "read_characteristic", berr.Op)

	assert.Same(t, handleErr, device.AsBridgeError("x", handleErr), "engine errors MUST pass through unchanged")
	assert.Nil(t, device.AsBridgeError("x", nil))
}

func TestNodeKind_ParentKind(t *testing.T) {
	assert.Equal(t, device.NodeKind(0), device.KindService.ParentKind())
	assert.Equal(t, device.KindService, device.KindCharacteristic.ParentKind())
	assert.Equal(t, device.KindCharacteristic, device.KindDescriptor.ParentKind())

	var n device.Node = &device.Descriptor{Handle: 9, UUID: "x"}
	assert.Equal(t, device.KindDescriptor, n.Kind())
	assert.Equal(t, device.Handle(9), n.NodeHandle())
}

func TestEncodeScanRecord(t *testing.T) {
	// GOAL: Verify advertisement data renders as length-type-value AD structures
	//
	// TEST SCENARIO: Flags, 16-bit service, name and manufacturer data → exact bytes

	adv := device.AdvertisementData{
		LocalName:        "T1",
		Connectable:      true,
		ServiceUUIDs:     []string{device.MustNormalizeUUID("180d")},
		ManufacturerData: []byte{0x4c, 0x00},
	}
	got := device.EncodeScanRecord(adv)
	want := []byte{
		0x02, 0x01, 0x06, // flags
		0x03, 0x03, 0x0d, 0x18, // complete 16-bit services
		0x03, 0x09, 'T', '1', // name
		0x03, 0xff, 0x4c, 0x00, // manufacturer data
	}
	assert.Equal(t, want, got)

	long := device.EncodeScanRecord(device.AdvertisementData{
		ServiceUUIDs: []string{"6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
	})
	require.Len(t, long, 3+18)
	assert.Equal(t, byte(0x11), long[3])
	assert.Equal(t, byte(0x07), long[4])
	assert.Equal(t, byte(0x9e), long[5], "128-bit UUIDs MUST be little-endian")
}

func TestTextHelpers(t *testing.T) {
	assert.Equal(t, []byte("hi"), device.ToUTF8("hi"))
	assert.Equal(t, "héllo", device.FromUTF8(device.ToUTF8("héllo")))
	assert.Equal(t, "a\uFFFDb", device.FromUTF8([]byte{'a', 0xff, 'b'}), "invalid bytes MUST be replaced")

	cases := []struct {
		data      []byte
		printable bool
	}{
		{[]byte("Nordic UART"), true},
		{[]byte("line\nnext"), true},
		{nil, false},
		{[]byte{0x32}, true},
		{[]byte{0x00, 0x50}, false},
		{[]byte{0xff}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.printable, device.IsPrintable(tc.data), "%x", tc.data)
	}
}

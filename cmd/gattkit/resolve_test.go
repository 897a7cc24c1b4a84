package main

import (
	"testing"

	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/pkg/central"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveFixture() *central.Tree {
	u := device.MustNormalizeUUID
	cccd := &device.Descriptor{Handle: 4, UUID: u("2902")}
	return &central.Tree{
		Conn: 1,
		Services: []*device.Service{
			{Handle: 1, UUID: u("180d"), Characteristics: []*device.Characteristic{
				{Handle: 2, UUID: u("2a37"), Descriptors: []*device.Descriptor{cccd}},
				{Handle: 3, UUID: u("2a38")},
			}},
			{Handle: 5, UUID: u("1800"), Characteristics: []*device.Characteristic{
				{Handle: 6, UUID: u("2a00")},
				{Handle: 7, UUID: u("2a38")},
			}},
		},
	}
}

func TestResolveTarget(t *testing.T) {
	tree := resolveFixture()

	tests := []struct {
		name     string
		char     string
		service  string
		desc     string
		wantChar device.Handle
		wantDesc device.Handle
		err      string
	}{
		{name: "unique characteristic", char: "2a37", wantChar: 2},
		{name: "full uuid", char: "00002a00-0000-1000-8000-00805f9b34fb", wantChar: 6},
		{name: "ambiguous without service", char: "2a38", err: "found 2 times"},
		{name: "service disambiguates", char: "2a38", service: "1800", wantChar: 7},
		{name: "descriptor", char: "2a37", desc: "2902", wantChar: 2, wantDesc: 4},
		{name: "missing characteristic", char: "2a19", err: "not found"},
		{name: "missing service", char: "2a37", service: "180f", err: "service 180f not found"},
		{name: "characteristic outside service", char: "2a37", service: "1800", err: "not found in service 1800"},
		{name: "missing descriptor", char: "2a38", service: "180d", desc: "2902", err: "descriptor 2902 not found"},
		{name: "malformed uuid", char: "2a3", err: "invalid UUID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chr, desc, err := resolveTarget(tree, tt.char, tt.service, tt.desc)
			if tt.err != "" {
				assert.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantChar, chr.Handle)
			if tt.wantDesc == 0 {
				assert.Nil(t, desc)
			} else {
				require.NotNil(t, desc)
				assert.Equal(t, tt.wantDesc, desc.Handle)
			}
		})
	}
}

package goble

import (
	"strings"
	"time"
	"unicode"

	"github.com/go-ble/ble"
	"github.com/srg/gattkit/internal/device"
)

// txPowerUnavailable is what go-ble reports when the advertisement carries no TX power
const txPowerUnavailable = 127

// advertisement is the subset of ble.Advertisement the bridge reads
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// toDevice converts a scan report into a device.Device, re-encoding the scan record
// from the parsed fields since go-ble does not expose the raw bytes.
func toDevice(a advertisement, now time.Time) device.Device {
	adv := device.AdvertisementData{
		LocalName:        a.LocalName(),
		Connectable:      a.Connectable(),
		ManufacturerData: a.ManufacturerData(),
	}
	if tx := a.TxPowerLevel(); tx != txPowerUnavailable {
		adv.TxPowerLevel = &tx
	}
	for _, u := range a.Services() {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, uuidString(u))
	}
	for _, sd := range a.ServiceData() {
		adv.ServiceData = append(adv.ServiceData, device.ServiceData{UUID: uuidString(sd.UUID), Data: sd.Data})
	}

	name := adv.LocalName
	if name == "" {
		name = nameFromManufacturerData(adv.ManufacturerData)
	}

	return device.Device{
		Address:       a.Addr().String(),
		RSSI:          a.RSSI(),
		Name:          name,
		ScanRecord:    device.EncodeScanRecord(adv),
		Advertisement: adv,
		LastSeen:      now,
	}
}

// uuidString returns the canonical form of a go-ble UUID, falling back to its
// raw hex string when it is neither 16 nor 128 bits long.
func uuidString(u ble.UUID) string {
	if s, err := device.NormalizeUUID(u.String()); err == nil {
		return s
	}
	return u.String()
}

// matchesFilter reports whether d advertises one of the canonical service UUIDs
func matchesFilter(d *device.Device, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if d.HasService(f) {
			return true
		}
	}
	return false
}

// properties maps go-ble characteristic properties; the bit layout is the ATT one on both sides.
func properties(p ble.Property) device.Property {
	return device.Property(p)
}

// permissionsFor derives the attribute permissions implied by the declared properties.
// go-ble does not report ATT permissions to a central.
func permissionsFor(p device.Property) device.Permission {
	var perm device.Permission
	if p.Has(device.PropRead) {
		perm |= device.PermRead
	}
	if p&(device.PropWrite|device.PropWriteNoResponse) != 0 {
		perm |= device.PermWrite
	}
	if p.Has(device.PropSignedWrite) {
		perm |= device.PermWriteSigned
	}
	return perm
}

// nameFromManufacturerData looks for an embedded ASCII device name in manufacturer data
func nameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	for i := 0; i < len(data)-3; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		var nameBytes []byte
		for j := i; j < len(data) && j < i+32; j++ {
			if !isReadableASCII(data[j]) {
				break
			}
			nameBytes = append(nameBytes, data[j])
		}
		if name := strings.TrimSpace(string(nameBytes)); isValidDeviceName(name) {
			return name
		}
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126 && unicode.IsPrint(rune(b))
}

// isValidDeviceName checks if a string looks like a device name: 3..32 chars with at least one letter
func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

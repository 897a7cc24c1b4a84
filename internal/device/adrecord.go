package device

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

// AD structure types written by EncodeScanRecord.
const (
	adFlags            = 0x01
	adComplete16       = 0x03
	adComplete128      = 0x07
	adCompleteName     = 0x09
	adTxPower          = 0x0A
	adServiceData16    = 0x16
	adServiceData128   = 0x21
	adManufacturerData = 0xFF
)

// EncodeScanRecord renders adv as raw advertising data (length-type-value AD structures).
func EncodeScanRecord(adv AdvertisementData) []byte {
	var out []byte
	put := func(typ byte, data []byte) {
		if len(data) > 254 {
			data = data[:254]
		}
		out = append(out, byte(len(data)+1), typ)
		out = append(out, data...)
	}

	flags := byte(0x04) // BR/EDR not supported
	if adv.Connectable {
		flags |= 0x02 // LE general discoverable
	}
	put(adFlags, []byte{flags})

	var short, long []byte
	for _, u := range adv.ServiceUUIDs {
		if s, ok := short16(u); ok {
			short = append(short, s...)
		} else if b, ok := long128(u); ok {
			long = append(long, b...)
		}
	}
	if len(short) > 0 {
		put(adComplete16, short)
	}
	if len(long) > 0 {
		put(adComplete128, long)
	}

	if adv.LocalName != "" {
		put(adCompleteName, []byte(adv.LocalName))
	}
	if adv.TxPowerLevel != nil {
		put(adTxPower, []byte{byte(int8(*adv.TxPowerLevel))})
	}
	for _, sd := range adv.ServiceData {
		if s, ok := short16(sd.UUID); ok {
			put(adServiceData16, append(s, sd.Data...))
		} else if b, ok := long128(sd.UUID); ok {
			put(adServiceData128, append(b, sd.Data...))
		}
	}
	if len(adv.ManufacturerData) > 0 {
		put(adManufacturerData, adv.ManufacturerData)
	}
	return out
}

// short16 returns the little-endian 16-bit form of a SIG base UUID.
func short16(canonical string) ([]byte, bool) {
	s := ShortUUID(canonical)
	if len(s) != 4 || strings.Contains(s, "-") {
		return nil, false
	}
	u, err := uuid.Parse(canonical)
	if err != nil {
		return nil, false
	}
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, binary.BigEndian.Uint16(u[2:4]))
	return b, true
}

// long128 returns the little-endian 128-bit form of a UUID.
func long128(canonical string) ([]byte, bool) {
	u, err := uuid.Parse(canonical)
	if err != nil {
		return nil, false
	}
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = u[15-i]
	}
	return b, true
}

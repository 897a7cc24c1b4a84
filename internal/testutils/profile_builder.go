package testutils

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/srg/gattkit/internal/bridge/sim"
)

// ProfileBuilder builds a simulated environment fluently. Device-level calls apply
// to the last device, WithCharacteristic to the last service, and so on down.
//
//	profile := testutils.NewProfileBuilder().
//	    WithDevice("AA:BB:CC:DD:EE:FF", "HeartRate").
//	    WithService("180D").
//	    WithCharacteristic("2A37", "read,notify", []byte{80}).
//	    Build()
type ProfileBuilder struct {
	profile sim.Profile
}

// NewProfileBuilder creates an empty profile builder
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{}
}

// FromJSON replaces the profile with one decoded from JSON
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var p sim.Profile
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = p
	return b
}

func (b *ProfileBuilder) lastDevice(caller string) *sim.DeviceConfig {
	if len(b.profile.Devices) == 0 {
		panic(caller + ": no device added yet, call WithDevice first")
	}
	return &b.profile.Devices[len(b.profile.Devices)-1]
}

func (b *ProfileBuilder) lastService(caller string) *sim.ServiceConfig {
	d := b.lastDevice(caller)
	if len(d.Services) == 0 {
		panic(caller + ": no service added yet, call WithService first")
	}
	return &d.Services[len(d.Services)-1]
}

func (b *ProfileBuilder) lastCharacteristic(caller string) *sim.CharacteristicConfig {
	s := b.lastService(caller)
	if len(s.Characteristics) == 0 {
		panic(caller + ": no characteristic added yet, call WithCharacteristic first")
	}
	return &s.Characteristics[len(s.Characteristics)-1]
}

// WithDevice adds a connectable peripheral
func (b *ProfileBuilder) WithDevice(address, name string) *ProfileBuilder {
	b.profile.Devices = append(b.profile.Devices, sim.DeviceConfig{Address: address, Name: name})
	return b
}

func (b *ProfileBuilder) WithRSSI(rssi int) *ProfileBuilder {
	b.lastDevice("WithRSSI").RSSI = rssi
	return b
}

func (b *ProfileBuilder) WithTxPower(power int) *ProfileBuilder {
	b.lastDevice("WithTxPower").TxPower = &power
	return b
}

func (b *ProfileBuilder) WithConnectable(connectable bool) *ProfileBuilder {
	b.lastDevice("WithConnectable").Connectable = &connectable
	return b
}

// WithAdvertisedServices sets the service UUIDs the device advertises
func (b *ProfileBuilder) WithAdvertisedServices(uuids ...string) *ProfileBuilder {
	d := b.lastDevice("WithAdvertisedServices")
	d.Advertise = append(d.Advertise, uuids...)
	return b
}

func (b *ProfileBuilder) WithManufacturerData(data []byte) *ProfileBuilder {
	b.lastDevice("WithManufacturerData").ManufacturerData = hex.EncodeToString(data)
	return b
}

func (b *ProfileBuilder) WithServiceData(uuid string, data []byte) *ProfileBuilder {
	d := b.lastDevice("WithServiceData")
	if d.ServiceData == nil {
		d.ServiceData = map[string]string{}
	}
	d.ServiceData[uuid] = hex.EncodeToString(data)
	return b
}

// WithService adds a primary service to the last device
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	d := b.lastDevice("WithService")
	d.Services = append(d.Services, sim.ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	s := b.lastService("WithCharacteristic")
	s.Characteristics = append(s.Characteristics, sim.CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      hex.EncodeToString(value),
	})
	return b
}

// WithDescriptor adds a descriptor to the last characteristic
func (b *ProfileBuilder) WithDescriptor(uuid string, value []byte) *ProfileBuilder {
	c := b.lastCharacteristic("WithDescriptor")
	c.Descriptors = append(c.Descriptors, sim.DescriptorConfig{UUID: uuid, Value: hex.EncodeToString(value)})
	return b
}

// WithDeviceFailure makes op fail on the last device (connect, services, rssi)
func (b *ProfileBuilder) WithDeviceFailure(op, message string) *ProfileBuilder {
	d := b.lastDevice("WithDeviceFailure")
	if d.Fail == nil {
		d.Fail = sim.Failures{}
	}
	d.Fail[op] = message
	return b
}

// WithCharacteristicFailure makes op fail on the last characteristic (discover, read, write, notify)
func (b *ProfileBuilder) WithCharacteristicFailure(op, message string) *ProfileBuilder {
	c := b.lastCharacteristic("WithCharacteristicFailure")
	if c.Fail == nil {
		c.Fail = sim.Failures{}
	}
	c.Fail[op] = message
	return b
}

// Build validates and returns the profile; an invalid profile is a test bug and panics
func (b *ProfileBuilder) Build() *sim.Profile {
	p := b.profile
	if err := p.Validate(); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.Build: %v", err))
	}
	return &p
}

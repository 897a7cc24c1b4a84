package sim

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/srg/gattkit/internal/device"
	"gopkg.in/yaml.v3"
)

// Failures injects bridge errors. Keys name the operation, values are the error
// message the bridge reports.
//
// Device level keys: connect, services, rssi.
// Service level keys: discover (its characteristics query).
// Characteristic level keys: discover (its descriptors query), read, write, notify.
// Descriptor level keys: read, write.
type Failures map[string]string

// DescriptorConfig is one simulated descriptor
type DescriptorConfig struct {
	UUID        string   `yaml:"uuid" json:"uuid"`
	Permissions string   `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Value       string   `yaml:"value,omitempty" json:"value,omitempty"` // hex
	Fail        Failures `yaml:"fail,omitempty" json:"fail,omitempty"`
}

// CharacteristicConfig is one simulated characteristic
type CharacteristicConfig struct {
	UUID        string             `yaml:"uuid" json:"uuid"`
	Properties  string             `yaml:"properties,omitempty" json:"properties,omitempty"` // e.g. "read,write,notify"
	Permissions string             `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Value       string             `yaml:"value,omitempty" json:"value,omitempty"` // hex
	Text        string             `yaml:"text,omitempty" json:"text,omitempty"`   // UTF-8, used when value is empty
	Descriptors []DescriptorConfig `yaml:"descriptors,omitempty" json:"descriptors,omitempty"`
	Fail        Failures           `yaml:"fail,omitempty" json:"fail,omitempty"`
}

// ServiceConfig is one simulated service
type ServiceConfig struct {
	UUID            string                 `yaml:"uuid" json:"uuid"`
	Type            string                 `yaml:"type,omitempty" json:"type,omitempty"` // primary | secondary
	Characteristics []CharacteristicConfig `yaml:"characteristics,omitempty" json:"characteristics,omitempty"`
	Fail            Failures               `yaml:"fail,omitempty" json:"fail,omitempty"`
}

// DeviceConfig is one simulated peripheral
type DeviceConfig struct {
	Address          string            `yaml:"address" json:"address"`
	Name             string            `yaml:"name,omitempty" json:"name,omitempty"`
	RSSI             int               `yaml:"rssi,omitempty" json:"rssi,omitempty"`
	TxPower          *int              `yaml:"tx_power,omitempty" json:"tx_power,omitempty"`
	Connectable      *bool             `yaml:"connectable,omitempty" json:"connectable,omitempty"`
	Advertise        []string          `yaml:"advertise,omitempty" json:"advertise,omitempty"` // advertised service UUIDs
	ManufacturerData string            `yaml:"manufacturer_data,omitempty" json:"manufacturer_data,omitempty"`
	ServiceData      map[string]string `yaml:"service_data,omitempty" json:"service_data,omitempty"`
	Services         []ServiceConfig   `yaml:"services,omitempty" json:"services,omitempty"`
	Fail             Failures          `yaml:"fail,omitempty" json:"fail,omitempty"`
}

// Profile is the full simulated environment
type Profile struct {
	Devices []DeviceConfig `yaml:"devices" json:"devices"`
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks UUIDs, flag names and hex values of every node.
func (p *Profile) Validate() error {
	seen := map[string]bool{}
	for i, d := range p.Devices {
		if d.Address == "" {
			return fmt.Errorf("device %d: address is required", i)
		}
		addr := strings.ToUpper(d.Address)
		if seen[addr] {
			return fmt.Errorf("device %s: duplicate address", d.Address)
		}
		seen[addr] = true

		if _, err := decodeHex(d.ManufacturerData); err != nil {
			return fmt.Errorf("device %s: manufacturer_data: %w", d.Address, err)
		}
		for _, u := range d.Advertise {
			if _, err := device.NormalizeUUID(u); err != nil {
				return fmt.Errorf("device %s: advertise: %w", d.Address, err)
			}
		}
		for u, v := range d.ServiceData {
			if _, err := device.NormalizeUUID(u); err != nil {
				return fmt.Errorf("device %s: service_data: %w", d.Address, err)
			}
			if _, err := decodeHex(v); err != nil {
				return fmt.Errorf("device %s: service_data %s: %w", d.Address, u, err)
			}
		}
		for _, s := range d.Services {
			if err := s.validate(); err != nil {
				return fmt.Errorf("device %s: %w", d.Address, err)
			}
		}
	}
	return nil
}

func (s *ServiceConfig) validate() error {
	if _, err := device.NormalizeUUID(s.UUID); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if _, err := device.ParseServiceType(s.Type); err != nil {
		return fmt.Errorf("service %s: %w", s.UUID, err)
	}
	for _, c := range s.Characteristics {
		if _, err := device.NormalizeUUID(c.UUID); err != nil {
			return fmt.Errorf("service %s: characteristic: %w", s.UUID, err)
		}
		if _, err := device.ParseProperties(c.Properties); err != nil {
			return fmt.Errorf("characteristic %s: properties: %w", c.UUID, err)
		}
		if _, err := device.ParsePermissions(c.Permissions); err != nil {
			return fmt.Errorf("characteristic %s: permissions: %w", c.UUID, err)
		}
		if _, err := decodeHex(c.Value); err != nil {
			return fmt.Errorf("characteristic %s: value: %w", c.UUID, err)
		}
		for _, d := range c.Descriptors {
			if _, err := device.NormalizeUUID(d.UUID); err != nil {
				return fmt.Errorf("characteristic %s: descriptor: %w", c.UUID, err)
			}
			if _, err := device.ParsePermissions(d.Permissions); err != nil {
				return fmt.Errorf("descriptor %s: permissions: %w", d.UUID, err)
			}
			if _, err := decodeHex(d.Value); err != nil {
				return fmt.Errorf("descriptor %s: value: %w", d.UUID, err)
			}
		}
	}
	return nil
}

// decodeHex accepts "0a1b", "0a 1b", "0a:1b" and an optional 0x prefix.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

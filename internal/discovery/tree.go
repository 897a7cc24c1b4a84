package discovery

import "github.com/srg/gattkit/internal/device"

// Stats describes the work one discovery run processed.
type Stats struct {
	Queries     int `json:"queries"`     // bridge queries issued
	Completions int `json:"completions"` // completions processed: 1 + S + ΣC on success
	Decrements  int `json:"decrements"`  // pending counter decrements: S + ΣC on success
	Ignored     int `json:"ignored"`     // late or duplicate completions dropped
}

// Tree is the result of a successful discovery. Services, their characteristics and
// their descriptors appear in bridge result order.
type Tree struct {
	Conn     device.ConnHandle `json:"conn"`
	Services []*device.Service `json:"services"`
	Stats    Stats             `json:"-"`
}

// Counts returns the number of services, characteristics and descriptors.
func (t *Tree) Counts() (services, characteristics, descriptors int) {
	services = len(t.Services)
	for _, s := range t.Services {
		characteristics += len(s.Characteristics)
		for _, c := range s.Characteristics {
			descriptors += len(c.Descriptors)
		}
	}
	return
}

// Service returns the first service with the given canonical UUID.
func (t *Tree) Service(uuid string) *device.Service {
	for _, s := range t.Services {
		if s.UUID == uuid {
			return s
		}
	}
	return nil
}

// Characteristic returns the first characteristic with the given canonical UUID,
// searching services in order. A non-empty service UUID restricts the search.
func (t *Tree) Characteristic(service, uuid string) *device.Characteristic {
	for _, s := range t.Services {
		if service != "" && s.UUID != service {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID == uuid {
				return c
			}
		}
	}
	return nil
}

// Descriptor returns the descriptor with the given UUID under characteristic chr.
func (t *Tree) Descriptor(chr device.Handle, uuid string) *device.Descriptor {
	for _, s := range t.Services {
		for _, c := range s.Characteristics {
			if c.Handle != chr {
				continue
			}
			for _, d := range c.Descriptors {
				if d.UUID == uuid {
					return d
				}
			}
		}
	}
	return nil
}

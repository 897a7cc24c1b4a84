package device

import (
	"fmt"
	"time"
)

// ConnHandle identifies one connection session. Issued by the bridge on connect.
type ConnHandle int

// Handle identifies a service, characteristic or descriptor within one connection.
// Handle 0 is reserved for the connection root.
type Handle uint32

// RootHandle is the parent of every service.
const RootHandle Handle = 0

// NodeKind is the level of a node in the attribute hierarchy
type NodeKind int

const (
	KindService NodeKind = iota + 1
	KindCharacteristic
	KindDescriptor
)

func (k NodeKind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindCharacteristic:
		return "characteristic"
	case KindDescriptor:
		return "descriptor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParentKind returns the kind a node of kind k must be attached to; 0 means the connection root.
func (k NodeKind) ParentKind() NodeKind {
	switch k {
	case KindCharacteristic:
		return KindService
	case KindDescriptor:
		return KindCharacteristic
	default:
		return 0
	}
}

// Node is an element of the attribute hierarchy
type Node interface {
	NodeHandle() Handle
	NodeUUID() string
	Kind() NodeKind
}

// ----------------------------
// GATT hierarchy
// ----------------------------

// Service is a GATT service and, once discovered, its characteristics in bridge order.
type Service struct {
	Handle          Handle            `json:"handle"`
	UUID            string            `json:"uuid"`
	Type            ServiceType       `json:"type"`
	Characteristics []*Characteristic `json:"characteristics"`
}

func (s *Service) NodeHandle() Handle { return s.Handle }
func (s *Service) NodeUUID() string   { return s.UUID }
func (s *Service) Kind() NodeKind     { return KindService }

// Characteristic is a GATT characteristic and, once discovered, its descriptors in bridge order.
type Characteristic struct {
	Handle      Handle        `json:"handle"`
	UUID        string        `json:"uuid"`
	Permissions Permission    `json:"permissions"`
	Properties  Property      `json:"properties"`
	WriteType   WriteType     `json:"write_type"`
	Descriptors []*Descriptor `json:"descriptors"`
}

func (c *Characteristic) NodeHandle() Handle { return c.Handle }
func (c *Characteristic) NodeUUID() string   { return c.UUID }
func (c *Characteristic) Kind() NodeKind     { return KindCharacteristic }

// Descriptor is a GATT descriptor, the leaf of the hierarchy
type Descriptor struct {
	Handle      Handle     `json:"handle"`
	UUID        string     `json:"uuid"`
	Permissions Permission `json:"permissions"`
}

func (d *Descriptor) NodeHandle() Handle { return d.Handle }
func (d *Descriptor) NodeUUID() string   { return d.UUID }
func (d *Descriptor) Kind() NodeKind     { return KindDescriptor }

// ----------------------------
// Scan results
// ----------------------------

// ServiceData is one service-data entry of an advertisement
type ServiceData struct {
	UUID string `json:"uuid"`
	Data []byte `json:"data"`
}

// AdvertisementData holds the fields parsed out of a scan record. Any field may be empty.
type AdvertisementData struct {
	LocalName        string        `json:"local_name,omitempty"`
	TxPowerLevel     *int          `json:"tx_power_level,omitempty"`
	Connectable      bool          `json:"connectable"`
	ServiceUUIDs     []string      `json:"service_uuids,omitempty"`
	ServiceData      []ServiceData `json:"service_data,omitempty"`
	ManufacturerData []byte        `json:"manufacturer_data,omitempty"`
}

// Device is a peripheral seen while scanning. Address is platform specific and
// is what Connect expects.
type Device struct {
	Address       string            `json:"address"`
	RSSI          int               `json:"rssi"`
	Name          string            `json:"name,omitempty"`
	ScanRecord    []byte            `json:"scan_record,omitempty"`
	Advertisement AdvertisementData `json:"advertisement"`
	LastSeen      time.Time         `json:"last_seen"`
}

// HasService reports whether the advertisement lists the given canonical service UUID.
func (d *Device) HasService(uuid string) bool {
	for _, s := range d.Advertisement.ServiceUUIDs {
		if s == uuid {
			return true
		}
	}
	return false
}

// ----------------------------
// Events
// ----------------------------

// StateEvent is a connection state change reported by the bridge or produced locally.
type StateEvent struct {
	Conn  ConnHandle
	State ConnectionState
	Err   error // set when the bridge reports a failed connect or a link loss
}

// Notification is a value-change event for one characteristic
type Notification struct {
	Conn   ConnHandle
	Handle Handle
	Data   []byte
	TsUs   int64
	Seq    uint64
}

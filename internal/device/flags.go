package device

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ----------------------------
// Connection state
// ----------------------------

// ConnectionState is the lifecycle state of a connection. Values match the bridge wire encoding.
type ConnectionState int

const (
	StateDisconnected  ConnectionState = 0
	StateConnecting    ConnectionState = 1
	StateConnected     ConnectionState = 2
	StateDisconnecting ConnectionState = 3
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Valid reports whether s is one of the four defined states.
func (s ConnectionState) Valid() bool {
	return s >= StateDisconnected && s <= StateDisconnecting
}

// ----------------------------
// Service type
// ----------------------------

// ServiceType distinguishes primary from secondary services.
type ServiceType int

const (
	ServicePrimary   ServiceType = 0
	ServiceSecondary ServiceType = 1
)

func (t ServiceType) String() string {
	switch t {
	case ServicePrimary:
		return "primary"
	case ServiceSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseServiceType accepts "primary", "secondary" or an empty string (primary).
func ParseServiceType(s string) (ServiceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "primary":
		return ServicePrimary, nil
	case "secondary":
		return ServiceSecondary, nil
	default:
		return ServicePrimary, fmt.Errorf("unknown service type %q", s)
	}
}

func (t ServiceType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// ----------------------------
// Flag sets
// ----------------------------

type flagName[T ~uint8 | ~uint16] struct {
	bit  T
	name string
}

func flagNames[T ~uint8 | ~uint16](v T, table []flagName[T]) []string {
	names := make([]string, 0, len(table))
	for _, f := range table {
		if v&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// parseFlags parses a comma separated list of flag names, e.g. "read,notify".
func parseFlags[T ~uint8 | ~uint16](s string, table []flagName[T]) (T, error) {
	var v T
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		found := false
		for _, f := range table {
			if f.name == part {
				v |= f.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown flag %q", part)
		}
	}
	return v, nil
}

// Permission is a set of attribute permission flags.
type Permission uint16

const (
	PermRead               Permission = 1
	PermReadEncrypted      Permission = 2
	PermReadEncryptedMITM  Permission = 4
	PermWrite              Permission = 16
	PermWriteEncrypted     Permission = 32
	PermWriteEncryptedMITM Permission = 64
	PermWriteSigned        Permission = 128
	PermWriteSignedMITM    Permission = 256
)

var permissionNames = []flagName[Permission]{
	{PermRead, "read"},
	{PermReadEncrypted, "read-encrypted"},
	{PermReadEncryptedMITM, "read-encrypted-mitm"},
	{PermWrite, "write"},
	{PermWriteEncrypted, "write-encrypted"},
	{PermWriteEncryptedMITM, "write-encrypted-mitm"},
	{PermWriteSigned, "write-signed"},
	{PermWriteSignedMITM, "write-signed-mitm"},
}

func (p Permission) Has(flag Permission) bool { return p&flag == flag }
func (p Permission) Names() []string          { return flagNames(p, permissionNames) }
func (p Permission) String() string           { return strings.Join(p.Names(), ",") }

func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Names())
}

// ParsePermissions parses names like "read,write-signed".
func ParsePermissions(s string) (Permission, error) {
	return parseFlags(s, permissionNames)
}

// Property is a set of characteristic property flags, bit-compatible with the ATT declaration.
type Property uint8

const (
	PropBroadcast       Property = 1
	PropRead            Property = 2
	PropWriteNoResponse Property = 4
	PropWrite           Property = 8
	PropNotify          Property = 16
	PropIndicate        Property = 32
	PropSignedWrite     Property = 64
	PropExtendedProps   Property = 128
)

var propertyNames = []flagName[Property]{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNoResponse, "write-no-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtendedProps, "extended-props"},
}

func (p Property) Has(flag Property) bool { return p&flag == flag }
func (p Property) Names() []string        { return flagNames(p, propertyNames) }
func (p Property) String() string         { return strings.Join(p.Names(), ",") }

// CanNotify reports whether the characteristic supports notifications or indications.
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

func (p Property) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Names())
}

// ParseProperties parses names like "read,write,notify".
func ParseProperties(s string) (Property, error) {
	return parseFlags(s, propertyNames)
}

// WriteType selects how a characteristic write is performed.
type WriteType uint8

const (
	WriteNoResponse WriteType = 1
	WriteDefault    WriteType = 2
	WriteSigned     WriteType = 4
)

var writeTypeNames = []flagName[WriteType]{
	{WriteNoResponse, "no-response"},
	{WriteDefault, "default"},
	{WriteSigned, "signed"},
}

func (w WriteType) Has(flag WriteType) bool { return w&flag == flag }
func (w WriteType) Names() []string         { return flagNames(w, writeTypeNames) }
func (w WriteType) String() string          { return strings.Join(w.Names(), ",") }

func (w WriteType) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Names())
}

// ParseWriteType parses names like "default" or "no-response,default".
func ParseWriteType(s string) (WriteType, error) {
	return parseFlags(s, writeTypeNames)
}

// WriteTypeFor derives the write type a peripheral advertises through its properties.
func WriteTypeFor(props Property) WriteType {
	var w WriteType
	if props.Has(PropWriteNoResponse) {
		w |= WriteNoResponse
	}
	if props.Has(PropWrite) {
		w |= WriteDefault
	}
	if props.Has(PropSignedWrite) {
		w |= WriteSigned
	}
	return w
}

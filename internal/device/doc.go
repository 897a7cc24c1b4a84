// Package device defines the GATT attribute model shared by the engine and the
// bridge adapters.
//
// It contains:
//   - the hierarchy nodes (Service, Characteristic, Descriptor) and their handles
//   - typed flag sets for permissions, properties and write types with the
//     bit values used on the bridge wire
//   - the connection state enumeration and state/value events
//   - the engine error taxonomy (InvalidState, UnknownHandle, AlreadySubscribed,
//     NotSubscribed, DiscoveryInProgress, BridgeFailure)
//   - UUID canonicalisation
package device

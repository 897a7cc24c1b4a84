package main

import (
	"fmt"

	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/pkg/central"
)

// resolveTarget finds a characteristic, and optionally one of its descriptors,
// in a discovered tree.
//
// Resolution cases:
//  1. serviceUUID given: the characteristic is looked up in that service only
//  2. otherwise every service is searched; a characteristic UUID found more than
//     once is ambiguous
//
// descUUID selects a descriptor of the resolved characteristic.
func resolveTarget(tree *central.Tree, charUUID, serviceUUID, descUUID string) (*device.Characteristic, *device.Descriptor, error) {
	target, err := device.NormalizeUUID(charUUID)
	if err != nil {
		return nil, nil, err
	}

	var chr *device.Characteristic
	if serviceUUID != "" {
		svc, err := device.NormalizeUUID(serviceUUID)
		if err != nil {
			return nil, nil, err
		}
		if tree.Service(svc) == nil {
			return nil, nil, fmt.Errorf("service %s not found", serviceUUID)
		}
		if chr = tree.Characteristic(svc, target); chr == nil {
			return nil, nil, fmt.Errorf("characteristic %s not found in service %s", charUUID, serviceUUID)
		}
	} else {
		var found []*device.Characteristic
		for _, svc := range tree.Services {
			for _, c := range svc.Characteristics {
				if c.UUID == target {
					found = append(found, c)
				}
			}
		}
		switch len(found) {
		case 0:
			return nil, nil, fmt.Errorf("characteristic %s not found", charUUID)
		case 1:
			chr = found[0]
		default:
			return nil, nil, fmt.Errorf("characteristic %s found %d times, specify --service", charUUID, len(found))
		}
	}

	if descUUID == "" {
		return chr, nil, nil
	}
	desc, err := device.NormalizeUUID(descUUID)
	if err != nil {
		return nil, nil, err
	}
	d := tree.Descriptor(chr.Handle, desc)
	if d == nil {
		return nil, nil, fmt.Errorf("descriptor %s not found in characteristic %s", descUUID, charUUID)
	}
	return chr, d, nil
}

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/gattkit/internal/bledb"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/pkg/central"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// valueFormat selects how attribute values are printed
type valueFormat int

const (
	formatAuto valueFormat = iota // hex, plus the text when printable
	formatHex
	formatText
)

func formatValue(data []byte, f valueFormat) string {
	switch f {
	case formatHex:
		return strings.ToUpper(hex.EncodeToString(data))
	case formatText:
		return device.FromUTF8(data)
	}
	if len(data) == 0 {
		return "(empty)"
	}
	out := fmt.Sprintf("% X", data)
	if device.IsPrintable(data) {
		out += fmt.Sprintf("  %q", device.FromUTF8(data))
	}
	return out
}

// displayUUID shortens SIG UUIDs and appends the well-known name, if any
func displayUUID(kind device.NodeKind, uuid string) string {
	short := device.ShortUUID(uuid)
	if name := bledb.Lookup(kind, uuid); name != "" {
		return fmt.Sprintf("%s (%s)", short, name)
	}
	return short
}

// palette colours tree output; every printer is a no-op when colour is off
type palette struct {
	service, characteristic, descriptor, dim *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		service:        color.New(color.FgCyan, color.Bold),
		characteristic: color.New(color.FgGreen),
		descriptor:     color.New(color.FgYellow),
		dim:            color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.service, p.characteristic, p.descriptor, p.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// printTree renders the attribute hierarchy. values holds characteristic values
// read during inspection, keyed by handle.
func printTree(w io.Writer, address string, tree *central.Tree, values map[device.Handle][]byte, colored bool) {
	p := newPalette(colored)
	fmt.Fprintf(w, "Device %s (connection %d)\n", address, tree.Conn)

	for _, svc := range tree.Services {
		fmt.Fprintf(w, "%s %s\n",
			p.service.Sprintf("Service %s", displayUUID(device.KindService, svc.UUID)),
			p.dim.Sprintf("[handle %d, %s]", svc.Handle, svc.Type))

		for _, chr := range svc.Characteristics {
			fmt.Fprintf(w, "  %s %s\n",
				p.characteristic.Sprintf("Characteristic %s", displayUUID(device.KindCharacteristic, chr.UUID)),
				p.dim.Sprintf("[handle %d]", chr.Handle))
			fmt.Fprintf(w, "    Properties: %s\n", orNone(chr.Properties.String()))
			if v, ok := values[chr.Handle]; ok {
				fmt.Fprintf(w, "    Value: %s\n", formatValue(v, formatAuto))
			}

			for _, desc := range chr.Descriptors {
				fmt.Fprintf(w, "    %s %s\n",
					p.descriptor.Sprintf("Descriptor %s", displayUUID(device.KindDescriptor, desc.UUID)),
					p.dim.Sprintf("[handle %d]", desc.Handle))
			}
		}
	}

	services, chars, descs := tree.Counts()
	fmt.Fprintf(w, "\nSummary: %d services, %d characteristics, %d descriptors\n", services, chars, descs)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// treeDocument builds the JSON form of a tree. Ordered maps keyed by UUID keep
// bridge order; a UUID seen twice under one parent is keyed "uuid#handle".
func treeDocument(address string, tree *central.Tree, values map[device.Handle][]byte) *orderedmap.OrderedMap[string, any] {
	key := func(om *orderedmap.OrderedMap[string, any], uuid string, h device.Handle) string {
		k := device.ShortUUID(uuid)
		if _, exists := om.Get(k); exists {
			k = fmt.Sprintf("%s#%d", k, h)
		}
		return k
	}

	services := orderedmap.New[string, any]()
	for _, svc := range tree.Services {
		chars := orderedmap.New[string, any]()
		for _, chr := range svc.Characteristics {
			descs := orderedmap.New[string, any]()
			for _, d := range chr.Descriptors {
				descs.Set(key(descs, d.UUID, d.Handle), node(d.Handle, bledb.LookupDescriptor(d.UUID)))
			}

			c := node(chr.Handle, bledb.LookupCharacteristic(chr.UUID))
			c.Set("properties", chr.Properties.Names())
			c.Set("write_type", chr.WriteType.Names())
			if v, ok := values[chr.Handle]; ok {
				c.Set("value", strings.ToUpper(hex.EncodeToString(v)))
			}
			c.Set("descriptors", descs)
			chars.Set(key(chars, chr.UUID, chr.Handle), c)
		}

		s := node(svc.Handle, bledb.LookupService(svc.UUID))
		s.Set("type", svc.Type.String())
		s.Set("characteristics", chars)
		services.Set(key(services, svc.UUID, svc.Handle), s)
	}

	doc := orderedmap.New[string, any]()
	doc.Set("address", address)
	doc.Set("connection", tree.Conn)
	doc.Set("services", services)
	return doc
}

func node(h device.Handle, name string) *orderedmap.OrderedMap[string, any] {
	n := orderedmap.New[string, any]()
	n.Set("handle", h)
	if name != "" {
		n.Set("name", name)
	}
	return n
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// sortedDevices orders scan results by name, then address
func sortedDevices(devices map[string]device.Device) []device.Device {
	list := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Address < list[j].Address
	})
	return list
}

func displayDevicesTable(w io.Writer, devices []device.Device, now time.Time) error {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tCONNECTABLE\tSERVICES\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 80))

	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		uuids := make([]string, 0, len(d.Advertisement.ServiceUUIDs))
		for _, u := range d.Advertisement.ServiceUUIDs {
			uuids = append(uuids, device.ShortUUID(u))
		}
		services := strings.Join(uuids, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		connectable := "no"
		if d.Advertisement.Connectable {
			connectable = "yes"
		}

		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, d.Address, d.RSSI, connectable, services, now.Sub(d.LastSeen).Truncate(time.Second))
	}
	return tw.Flush()
}

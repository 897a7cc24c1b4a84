// Package sim is an in-memory bridge serving peripherals described by a YAML profile.
//
// Each connection gets its own handle table, numbered from 1 in profile order, so a
// second connection to the same device reuses the numeric handles of the first.
// Completions are delivered through a Scheduler: asynchronously for the CLI and
// most tests, or manually so a test can release them in any order.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/bridge"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/groutine"
)

// Options tunes the simulated adapter.
type Options struct {
	// ConfirmClose makes Close report a DISCONNECTED event; without it the engine
	// must assume the disconnect locally.
	ConfirmClose bool
	// ScanInterval re-reports every matching device at this interval until StopScan.
	// Zero reports each device once per StartScan.
	ScanInterval time.Duration
	// ReuseConnHandles hands out the lowest free connection number instead of a
	// fresh one, the way native stacks recycle their connection slots.
	ReuseConnHandles bool
}

type attr struct {
	kind   device.NodeKind
	handle device.Handle
	parent device.Handle
	node   device.Node
	value  []byte
	fail   Failures
}

type link struct {
	conn     device.ConnHandle
	dev      *DeviceConfig
	events   func(device.StateEvent)
	attrs    map[device.Handle]*attr
	services []device.Handle
	children map[device.Handle][]device.Handle
	subs     map[device.Handle]func(device.Notification)
	seq      uint64
}

// Bridge implements bridge.Bridge over a Profile.
type Bridge struct {
	mu       sync.Mutex
	profile  *Profile
	sched    Scheduler
	opts     Options
	links    map[device.ConnHandle]*link
	nextConn device.ConnHandle
	scanStop context.CancelFunc
	calls    []string
	logger   *logrus.Logger
}

var _ bridge.Bridge = (*Bridge)(nil)

// New creates a simulated bridge. A nil scheduler means asynchronous delivery.
func New(profile *Profile, sched Scheduler, opts Options, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	if sched == nil {
		sched = NewAsyncScheduler(0)
	}
	if profile == nil {
		profile = &Profile{}
	}
	return &Bridge{
		profile: profile,
		sched:   sched,
		opts:    opts,
		links:   make(map[device.ConnHandle]*link),
		logger:  logger,
	}
}

func bridgeErr(op string, code int, format string, args ...any) error {
	return &device.BridgeError{Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// record notes an operation for Calls.
func (b *Bridge) record(op string, args ...any) {
	b.calls = append(b.calls, op+"("+strings.TrimSuffix(fmt.Sprintln(args...), "\n")+")")
}

// Calls returns the operations issued so far, e.g. "services(1)", "characteristics(1 3)".
func (b *Bridge) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CountCalls returns how many issued operations start with prefix.
func (b *Bridge) CountCalls(prefix string) int {
	n := 0
	for _, c := range b.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// ----------------------------
// Scanning
// ----------------------------

func (b *Bridge) StartScan(serviceUUIDs []string, found func(device.Device)) error {
	filters := make([]string, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		n, err := device.NormalizeUUID(u)
		if err != nil {
			return bridgeErr("start_scan", device.CodeUnknown, "%v", err)
		}
		filters = append(filters, n)
	}

	b.mu.Lock()
	if b.scanStop != nil {
		b.mu.Unlock()
		return bridgeErr("start_scan", device.CodeAlreadyExists, "scan already in progress")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.scanStop = cancel
	b.record("start_scan", filters)
	devices := append([]DeviceConfig(nil), b.profile.Devices...)
	b.mu.Unlock()

	report := func() {
		for i := range devices {
			dev := advertisement(&devices[i])
			if !matches(dev, filters) {
				continue
			}
			b.sched.Schedule("scan", func() {
				if ctx.Err() == nil {
					found(dev)
				}
			})
		}
	}
	report()

	if b.opts.ScanInterval > 0 {
		groutine.Go(ctx, "sim-scan", func(ctx context.Context) {
			ticker := time.NewTicker(b.opts.ScanInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					report()
				}
			}
		})
	}
	return nil
}

func (b *Bridge) StopScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("stop_scan")
	if b.scanStop != nil {
		b.scanStop()
		b.scanStop = nil
	}
	return nil
}

func matches(dev device.Device, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if dev.HasService(f) {
			return true
		}
	}
	return false
}

// advertisement builds the scan result of a profile device.
func advertisement(cfg *DeviceConfig) device.Device {
	adv := device.AdvertisementData{
		LocalName:    cfg.Name,
		TxPowerLevel: cfg.TxPower,
		Connectable:  cfg.Connectable == nil || *cfg.Connectable,
	}
	for _, u := range cfg.Advertise {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, device.MustNormalizeUUID(u))
	}
	adv.ManufacturerData, _ = decodeHex(cfg.ManufacturerData)
	for u, v := range cfg.ServiceData {
		data, _ := decodeHex(v)
		adv.ServiceData = append(adv.ServiceData, device.ServiceData{UUID: device.MustNormalizeUUID(u), Data: data})
	}

	return device.Device{
		Address:       cfg.Address,
		RSSI:          cfg.RSSI,
		Name:          cfg.Name,
		ScanRecord:    device.EncodeScanRecord(adv),
		Advertisement: adv,
		LastSeen:      time.Now(),
	}
}

// ----------------------------
// Connections
// ----------------------------

func (b *Bridge) findDevice(address string) *DeviceConfig {
	for i := range b.profile.Devices {
		if strings.EqualFold(b.profile.Devices[i].Address, address) {
			return &b.profile.Devices[i]
		}
	}
	return nil
}

func (b *Bridge) Connect(address string, events func(device.StateEvent)) (device.ConnHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("connect", address)

	dev := b.findDevice(address)
	if dev == nil {
		return 0, bridgeErr("connect", device.CodeNotFound, "device %s not found", address)
	}
	if dev.Connectable != nil && !*dev.Connectable {
		return 0, bridgeErr("connect", device.CodeNotPermitted, "device %s is not connectable", address)
	}

	l := newLink(b.allocConn(), dev, events)
	conn := l.conn

	if msg, ok := dev.Fail["connect"]; ok {
		b.sched.Schedule("connect", func() {
			events(device.StateEvent{Conn: conn, State: device.StateDisconnected, Err: bridgeErr("connect", device.CodeUnknown, "%s", msg)})
		})
		return conn, nil
	}

	b.links[conn] = l
	b.logger.WithFields(logrus.Fields{
		"conn":    conn,
		"address": address,
		"handles": len(l.attrs),
	}).Debug("Simulated connection opened")

	b.sched.Schedule("connect", func() {
		events(device.StateEvent{Conn: conn, State: device.StateConnected})
	})
	return conn, nil
}

func (b *Bridge) allocConn() device.ConnHandle {
	if b.opts.ReuseConnHandles {
		for c := device.ConnHandle(1); ; c++ {
			if _, used := b.links[c]; !used {
				return c
			}
		}
	}
	b.nextConn++
	return b.nextConn
}

// newLink numbers every attribute of dev from 1 in profile order.
func newLink(conn device.ConnHandle, dev *DeviceConfig, events func(device.StateEvent)) *link {
	l := &link{
		conn:     conn,
		dev:      dev,
		events:   events,
		attrs:    make(map[device.Handle]*attr),
		children: make(map[device.Handle][]device.Handle),
		subs:     make(map[device.Handle]func(device.Notification)),
	}

	next := device.Handle(0)
	add := func(a *attr) {
		next++
		a.handle = next
		l.attrs[a.handle] = a
		if a.parent != device.RootHandle {
			l.children[a.parent] = append(l.children[a.parent], a.handle)
		}
	}

	for _, sc := range dev.Services {
		st, _ := device.ParseServiceType(sc.Type)
		svc := &attr{kind: device.KindService, fail: sc.Fail}
		add(svc)
		svc.node = &device.Service{Handle: svc.handle, UUID: device.MustNormalizeUUID(sc.UUID), Type: st}
		l.services = append(l.services, svc.handle)
		l.children[svc.handle] = []device.Handle{}

		for _, cc := range sc.Characteristics {
			props, _ := device.ParseProperties(cc.Properties)
			perms, _ := device.ParsePermissions(cc.Permissions)
			value, _ := decodeHex(cc.Value)
			if value == nil && cc.Text != "" {
				value = []byte(cc.Text)
			}
			chr := &attr{kind: device.KindCharacteristic, parent: svc.handle, value: value, fail: cc.Fail}
			add(chr)
			chr.node = &device.Characteristic{
				Handle:      chr.handle,
				UUID:        device.MustNormalizeUUID(cc.UUID),
				Permissions: perms,
				Properties:  props,
				WriteType:   device.WriteTypeFor(props),
			}
			l.children[chr.handle] = []device.Handle{}

			for _, dc := range cc.Descriptors {
				dperms, _ := device.ParsePermissions(dc.Permissions)
				dvalue, _ := decodeHex(dc.Value)
				dsc := &attr{kind: device.KindDescriptor, parent: chr.handle, value: dvalue, fail: dc.Fail}
				add(dsc)
				dsc.node = &device.Descriptor{Handle: dsc.handle, UUID: device.MustNormalizeUUID(dc.UUID), Permissions: dperms}
			}
		}
	}
	return l
}

func (b *Bridge) Close(conn device.ConnHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("close", conn)

	l, ok := b.links[conn]
	if !ok {
		return bridgeErr("close", device.CodeNotConnected, "connection %d not open", conn)
	}
	delete(b.links, conn)

	if b.opts.ConfirmClose {
		b.sched.Schedule("close", func() {
			l.events(device.StateEvent{Conn: conn, State: device.StateDisconnected})
		})
	}
	return nil
}

// Disconnect simulates a link loss: the connection drops and a DISCONNECTED event
// carrying cause is reported.
func (b *Bridge) Disconnect(conn device.ConnHandle, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("remote_disconnect", conn)

	l, ok := b.links[conn]
	if !ok {
		return bridgeErr("disconnect", device.CodeNotConnected, "connection %d not open", conn)
	}
	delete(b.links, conn)

	if cause == nil {
		cause = errors.New("link lost")
	}
	b.sched.Schedule("disconnect", func() {
		l.events(device.StateEvent{Conn: conn, State: device.StateDisconnected, Err: cause})
	})
	return nil
}

// SendState reports an arbitrary state event on conn without changing the simulated
// link, for exercising duplicate and out-of-order events.
func (b *Bridge) SendState(conn device.ConnHandle, state device.ConnectionState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.links[conn]
	if !ok {
		return bridgeErr("send_state", device.CodeNotConnected, "connection %d not open", conn)
	}
	b.sched.Schedule("state", func() {
		l.events(device.StateEvent{Conn: conn, State: state})
	})
	return nil
}

// Connections returns the open connection handles
func (b *Bridge) Connections() []device.ConnHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]device.ConnHandle, 0, len(b.links))
	for c := range b.links {
		out = append(out, c)
	}
	return out
}

func (b *Bridge) Reset(done func(error)) {
	b.mu.Lock()
	b.record("reset")
	links := b.links
	b.links = make(map[device.ConnHandle]*link)
	if b.scanStop != nil {
		b.scanStop()
		b.scanStop = nil
	}
	b.mu.Unlock()

	for _, l := range links {
		l := l
		b.sched.Schedule("reset", func() {
			l.events(device.StateEvent{Conn: l.conn, State: device.StateDisconnected, Err: errors.New("adapter reset")})
		})
	}
	b.sched.Schedule("reset", func() { done(nil) })
}

// ----------------------------
// Operations
// ----------------------------

// lookup resolves conn and, when kind is non-zero, a handle of that kind. It also
// applies injected failures for op. Must be called with b.mu held.
func (b *Bridge) lookup(op string, conn device.ConnHandle, h device.Handle, kind device.NodeKind, failKey string) (*link, *attr, error) {
	l, ok := b.links[conn]
	if !ok {
		return nil, nil, bridgeErr(op, device.CodeNotConnected, "connection %d not open", conn)
	}
	if kind == 0 {
		if msg, ok := l.dev.Fail[failKey]; ok && failKey != "" {
			return nil, nil, bridgeErr(op, device.CodeUnknown, "%s", msg)
		}
		return l, nil, nil
	}
	a, ok := l.attrs[h]
	if !ok || a.kind != kind {
		return nil, nil, bridgeErr(op, device.CodeNotFound, "%s %d not found", kind, h)
	}
	if msg, ok := a.fail[failKey]; ok && failKey != "" {
		return nil, nil, bridgeErr(op, device.CodeUnknown, "%s", msg)
	}
	return l, a, nil
}

func (b *Bridge) RSSI(conn device.ConnHandle, done func(int, error)) {
	b.mu.Lock()
	b.record("rssi", conn)
	l, _, err := b.lookup("rssi", conn, 0, 0, "rssi")
	rssi := 0
	if err == nil {
		rssi = l.dev.RSSI
	}
	b.mu.Unlock()

	b.sched.Schedule("rssi", func() { done(rssi, err) })
}

func (b *Bridge) Services(conn device.ConnHandle, done func([]*device.Service, error)) {
	b.mu.Lock()
	b.record("services", conn)
	var out []*device.Service
	l, _, err := b.lookup("services", conn, 0, 0, "services")
	if err == nil {
		out = make([]*device.Service, 0, len(l.services))
		for _, h := range l.services {
			s := *l.attrs[h].node.(*device.Service)
			out = append(out, &s)
		}
	}
	b.mu.Unlock()

	b.sched.Schedule("services", func() { done(out, err) })
}

func (b *Bridge) Characteristics(conn device.ConnHandle, service device.Handle, done func([]*device.Characteristic, error)) {
	b.mu.Lock()
	b.record("characteristics", conn, service)
	var out []*device.Characteristic
	l, _, err := b.lookup("characteristics", conn, service, device.KindService, "discover")
	if err == nil {
		out = make([]*device.Characteristic, 0, len(l.children[service]))
		for _, h := range l.children[service] {
			c := *l.attrs[h].node.(*device.Characteristic)
			out = append(out, &c)
		}
	}
	b.mu.Unlock()

	b.sched.Schedule("characteristics", func() { done(out, err) })
}

func (b *Bridge) Descriptors(conn device.ConnHandle, characteristic device.Handle, done func([]*device.Descriptor, error)) {
	b.mu.Lock()
	b.record("descriptors", conn, characteristic)
	var out []*device.Descriptor
	l, _, err := b.lookup("descriptors", conn, characteristic, device.KindCharacteristic, "discover")
	if err == nil {
		out = make([]*device.Descriptor, 0, len(l.children[characteristic]))
		for _, h := range l.children[characteristic] {
			d := *l.attrs[h].node.(*device.Descriptor)
			out = append(out, &d)
		}
	}
	b.mu.Unlock()

	b.sched.Schedule("descriptors", func() { done(out, err) })
}

func (b *Bridge) read(op string, conn device.ConnHandle, h device.Handle, kind device.NodeKind, done func([]byte, error)) {
	b.mu.Lock()
	b.record(op, conn, h)
	var out []byte
	_, a, err := b.lookup(op, conn, h, kind, "read")
	if err == nil {
		if c, ok := a.node.(*device.Characteristic); ok && !c.Properties.Has(device.PropRead) {
			err = bridgeErr(op, device.CodeNotPermitted, "characteristic %d is not readable", h)
		} else {
			out = append([]byte{}, a.value...)
		}
	}
	b.mu.Unlock()

	b.sched.Schedule(op, func() { done(out, err) })
}

func (b *Bridge) ReadCharacteristic(conn device.ConnHandle, h device.Handle, done func([]byte, error)) {
	b.read("read_characteristic", conn, h, device.KindCharacteristic, done)
}

func (b *Bridge) ReadDescriptor(conn device.ConnHandle, h device.Handle, done func([]byte, error)) {
	b.read("read_descriptor", conn, h, device.KindDescriptor, done)
}

func (b *Bridge) WriteCharacteristic(conn device.ConnHandle, h device.Handle, data []byte, wt device.WriteType, done func(error)) {
	b.mu.Lock()
	b.record("write_characteristic", conn, h)
	_, a, err := b.lookup("write_characteristic", conn, h, device.KindCharacteristic, "write")
	if err == nil {
		c := a.node.(*device.Characteristic)
		switch {
		case wt.Has(device.WriteNoResponse) && !c.Properties.Has(device.PropWriteNoResponse),
			wt.Has(device.WriteDefault) && !c.Properties.Has(device.PropWrite),
			wt.Has(device.WriteSigned) && !c.Properties.Has(device.PropSignedWrite),
			wt == 0:
			err = bridgeErr("write_characteristic", device.CodeNotPermitted, "characteristic %d does not support write type %s", h, wt)
		default:
			a.value = append([]byte{}, data...)
		}
	}
	b.mu.Unlock()

	b.sched.Schedule("write_characteristic", func() { done(err) })
}

func (b *Bridge) WriteDescriptor(conn device.ConnHandle, h device.Handle, data []byte, done func(error)) {
	b.mu.Lock()
	b.record("write_descriptor", conn, h)
	_, a, err := b.lookup("write_descriptor", conn, h, device.KindDescriptor, "write")
	if err == nil {
		a.value = append([]byte{}, data...)
	}
	b.mu.Unlock()

	b.sched.Schedule("write_descriptor", func() { done(err) })
}

func (b *Bridge) EnableNotification(conn device.ConnHandle, h device.Handle, values func(device.Notification), done func(error)) {
	b.mu.Lock()
	b.record("enable_notification", conn, h)
	l, a, err := b.lookup("enable_notification", conn, h, device.KindCharacteristic, "notify")
	if err == nil {
		if !a.node.(*device.Characteristic).Properties.CanNotify() {
			err = bridgeErr("enable_notification", device.CodeNotSupported, "characteristic %d does not notify", h)
		} else {
			// the bridge itself replaces; rejecting duplicates is the engine's job
			l.subs[h] = values
		}
	}
	b.mu.Unlock()

	b.sched.Schedule("enable_notification", func() { done(err) })
}

func (b *Bridge) DisableNotification(conn device.ConnHandle, h device.Handle, done func(error)) {
	b.mu.Lock()
	b.record("disable_notification", conn, h)
	l, _, err := b.lookup("disable_notification", conn, h, device.KindCharacteristic, "")
	if err == nil {
		delete(l.subs, h)
	}
	b.mu.Unlock()

	b.sched.Schedule("disable_notification", func() { done(err) })
}

// Notify simulates the peripheral changing the value of characteristic h. The value
// is stored and, when subscribed, reported as a value-change event.
func (b *Bridge) Notify(conn device.ConnHandle, h device.Handle, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, a, err := b.lookup("notify", conn, h, device.KindCharacteristic, "")
	if err != nil {
		return err
	}
	a.value = append([]byte{}, data...)

	sink, ok := l.subs[h]
	if !ok {
		return nil
	}
	l.seq++
	n := device.Notification{
		Conn:   conn,
		Handle: h,
		Data:   append([]byte{}, data...),
		TsUs:   time.Now().UnixMicro(),
		Seq:    l.seq,
	}
	b.sched.Schedule("notification", func() { sink(n) })
	return nil
}

// NotifyRaw reports a value event for any handle, subscribed or not, to exercise
// routing of unexpected events. It uses the first subscription of conn as carrier.
func (b *Bridge) NotifyRaw(conn device.ConnHandle, h device.Handle, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.links[conn]
	if !ok {
		return bridgeErr("notify", device.CodeNotConnected, "connection %d not open", conn)
	}
	for _, sink := range l.subs {
		l.seq++
		n := device.Notification{Conn: conn, Handle: h, Data: append([]byte{}, data...), TsUs: time.Now().UnixMicro(), Seq: l.seq}
		sink := sink
		b.sched.Schedule("notification", func() { sink(n) })
		return nil
	}
	return bridgeErr("notify", device.CodeNotFound, "connection %d has no subscriptions", conn)
}

// Handle returns the handle of the characteristic (or, with descriptor non-empty,
// the descriptor) with the given UUIDs on conn.
func (b *Bridge) Handle(conn device.ConnHandle, characteristic, descriptor string) (device.Handle, bool) {
	cu, err := device.NormalizeUUID(characteristic)
	if err != nil {
		return 0, false
	}
	var du string
	if descriptor != "" {
		if du, err = device.NormalizeUUID(descriptor); err != nil {
			return 0, false
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.links[conn]
	if !ok {
		return 0, false
	}
	for h := device.Handle(1); int(h) <= len(l.attrs); h++ {
		a := l.attrs[h]
		if a.kind != device.KindCharacteristic || a.node.NodeUUID() != cu {
			continue
		}
		if du == "" {
			return h, true
		}
		for _, dh := range l.children[h] {
			if l.attrs[dh].node.NodeUUID() == du {
				return dh, true
			}
		}
	}
	return 0, false
}

// Value returns the current value of attribute h on conn.
func (b *Bridge) Value(conn device.ConnHandle, h device.Handle) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.links[conn]
	if !ok {
		return nil, false
	}
	a, ok := l.attrs[h]
	if !ok {
		return nil, false
	}
	return append([]byte{}, a.value...), true
}

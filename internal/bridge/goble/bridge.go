// Package goble implements the bridge over a host Bluetooth adapter using go-ble.
//
// go-ble addresses attributes by object, not by number, so each connection keeps
// its own handle table. Handles are keyed by position under their parent, which
// keeps them stable when the same connection rediscovers an unchanged profile.
// GATT requests on one connection are serialised; go-ble clients are not safe
// for concurrent requests.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/bridge"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/groutine"
)

const (
	// WriteChunkSize bounds one write-without-response PDU: ATT_MTU 23 minus the
	// 3-byte header, which every BLE version accepts.
	WriteChunkSize = 20

	// WriteChunkDelay paces consecutive chunks so the peripheral's receive buffer keeps up.
	WriteChunkDelay = 10 * time.Millisecond

	DefaultConnectTimeout = 30 * time.Second
)

// Client is the subset of ble.Client the bridge uses
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	ReadRSSI() int
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DeviceFactory creates the host adapter; overridden in tests.
var DeviceFactory = newDevice

// Options tunes the adapter bridge.
type Options struct {
	ConnectTimeout time.Duration
	// Dial opens a connection. Nil dials through the host adapter.
	Dial func(ctx context.Context, address string) (Client, error)
}

type link struct {
	conn    device.ConnHandle
	address string
	events  func(device.StateEvent)
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	seq     atomic.Uint64

	// opMu serialises GATT requests
	opMu sync.Mutex

	mu       sync.Mutex
	client   Client
	next     device.Handle
	keys     map[string]device.Handle
	services map[device.Handle]*ble.Service
	chars    map[device.Handle]*ble.Characteristic
	descs    map[device.Handle]*ble.Descriptor
	subs     map[device.Handle]bool // value is the indication flag
}

// Bridge implements bridge.Bridge over go-ble.
type Bridge struct {
	mu       sync.Mutex
	dev      ble.Device
	opts     Options
	links    map[device.ConnHandle]*link
	nextConn device.ConnHandle
	scanStop context.CancelFunc
	logger   *logrus.Logger
}

var _ bridge.Bridge = (*Bridge)(nil)

// New creates a bridge. The host adapter is opened lazily on first scan or connect.
func New(opts Options, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	b := &Bridge{
		opts:   opts,
		links:  make(map[device.ConnHandle]*link),
		logger: logger,
	}
	if b.opts.Dial == nil {
		b.opts.Dial = b.dial
	}
	return b
}

// adapter returns the host device, creating it on first use
func (b *Bridge) adapter() (ble.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev != nil {
		return b.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		b.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, err
	}
	b.dev = dev
	return dev, nil
}

func (b *Bridge) dial(ctx context.Context, address string) (Client, error) {
	dev, err := b.adapter()
	if err != nil {
		return nil, err
	}
	return dev.Dial(ctx, ble.NewAddr(address))
}

// ----------------------------
// Scanning
// ----------------------------

func (b *Bridge) StartScan(serviceUUIDs []string, found func(device.Device)) error {
	filters, err := canonical(serviceUUIDs)
	if err != nil {
		return &device.BridgeError{Op: "start_scan", Code: device.CodeUnknown, Message: err.Error(), Err: err}
	}
	dev, err := b.adapter()
	if err != nil {
		return NormalizeError("start_scan", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	if b.scanStop != nil {
		b.scanStop()
	}
	b.scanStop = cancel
	b.mu.Unlock()

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, true, func(a ble.Advertisement) {
			d := toDevice(a, time.Now())
			if matchesFilter(&d, filters) {
				found(d)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.WithField("error", err).Warn("BLE scan stopped")
		}
	})
	return nil
}

func (b *Bridge) StopScan() error {
	b.mu.Lock()
	stop := b.scanStop
	b.scanStop = nil
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func canonical(uuids []string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	return device.ValidateUUID(uuids...)
}

// ----------------------------
// Connection lifecycle
// ----------------------------

func (b *Bridge) Connect(address string, events func(device.StateEvent)) (device.ConnHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.nextConn++
	l := &link{
		conn:     b.nextConn,
		address:  address,
		events:   events,
		ctx:      ctx,
		cancel:   cancel,
		keys:     make(map[string]device.Handle),
		services: make(map[device.Handle]*ble.Service),
		chars:    make(map[device.Handle]*ble.Characteristic),
		descs:    make(map[device.Handle]*ble.Descriptor),
		subs:     make(map[device.Handle]bool),
	}
	b.links[l.conn] = l
	b.mu.Unlock()

	log := b.logger.WithFields(logrus.Fields{"address": address, "conn": l.conn})
	log.Info("Connecting to BLE device...")

	groutine.Go(ctx, fmt.Sprintf("ble-connect-%d", l.conn), func(ctx context.Context) {
		dialCtx, dialCancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
		client, err := b.opts.Dial(dialCtx, address)
		dialCancel()

		if err != nil {
			if l.closing.Load() {
				return
			}
			b.drop(l.conn)
			log.WithField("error", err).Error("Failed to dial BLE device")
			events(device.StateEvent{Conn: l.conn, State: device.StateDisconnected, Err: NormalizeError("connect", err)})
			return
		}
		if l.closing.Load() {
			// Close or Reset won the race with the dial
			_ = client.CancelConnection()
			return
		}

		l.mu.Lock()
		l.client = client
		l.mu.Unlock()

		log.Info("BLE device connected")
		events(device.StateEvent{Conn: l.conn, State: device.StateConnected})
		b.monitor(l, client)
	})

	return l.conn, nil
}

// monitor reports a link loss once the client signals disconnection. Only the
// darwin client exposes Disconnected.
func (b *Bridge) monitor(l *link, client Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		b.logger.WithField("conn", l.conn).Debug("Client does not support Disconnected() channel")
		return
	}
	select {
	case <-dc.Disconnected():
		if l.closing.Swap(true) {
			return
		}
		b.drop(l.conn)
		b.logger.WithField("conn", l.conn).Warn("BLE link lost")
		l.events(device.StateEvent{
			Conn:  l.conn,
			State: device.StateDisconnected,
			Err:   &device.BridgeError{Op: "connection", Code: device.CodeNotConnected, Message: "link lost"},
		})
	case <-l.ctx.Done():
	}
}

func (b *Bridge) drop(conn device.ConnHandle) *link {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.links[conn]
	delete(b.links, conn)
	return l
}

func (b *Bridge) Close(conn device.ConnHandle) error {
	l := b.drop(conn)
	if l == nil {
		return &device.BridgeError{Op: "close", Code: device.CodeNotConnected, Message: fmt.Sprintf("connection %d not found", conn)}
	}
	if l.closing.Swap(true) {
		return nil
	}
	groutine.Go(context.Background(), fmt.Sprintf("ble-close-%d", conn), func(context.Context) {
		b.teardown(l, nil)
	})
	return nil
}

// teardown unsubscribes and cancels the connection, then confirms DISCONNECTED
func (b *Bridge) teardown(l *link, cause error) {
	l.cancel()

	l.opMu.Lock()
	l.mu.Lock()
	client := l.client
	subs := make(map[*ble.Characteristic]bool, len(l.subs))
	for h, ind := range l.subs {
		if c := l.chars[h]; c != nil {
			subs[c] = ind
		}
	}
	l.subs = make(map[device.Handle]bool)
	l.mu.Unlock()

	if client != nil {
		for c, ind := range subs {
			if err := client.Unsubscribe(c, ind); err != nil {
				b.logger.WithFields(logrus.Fields{"conn": l.conn, "char_uuid": c.UUID.String(), "error": err}).Debug("Unsubscribe during close failed")
			}
		}
		if err := client.CancelConnection(); err != nil {
			b.logger.WithFields(logrus.Fields{"conn": l.conn, "error": err}).Warn("Failed to cancel BLE connection")
		}
	}
	l.opMu.Unlock()

	l.events(device.StateEvent{Conn: l.conn, State: device.StateDisconnected, Err: cause})
}

func (b *Bridge) Reset(done func(error)) {
	_ = b.StopScan()

	b.mu.Lock()
	links := make([]*link, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.links = make(map[device.ConnHandle]*link)
	dev := b.dev
	b.dev = nil
	b.mu.Unlock()

	groutine.Go(context.Background(), "ble-reset", func(context.Context) {
		cause := &device.BridgeError{Op: "reset", Code: device.CodeNotConnected, Message: "adapter reset"}
		var wg sync.WaitGroup
		for _, l := range links {
			if l.closing.Swap(true) {
				continue
			}
			wg.Add(1)
			go func(l *link) {
				defer wg.Done()
				b.teardown(l, cause)
			}(l)
		}
		wg.Wait()

		var err error
		if dev != nil {
			err = NormalizeError("reset", dev.Stop())
		}
		done(err)
	})
}

// ----------------------------
// GATT operations
// ----------------------------

// do runs fn on a connected link in its own goroutine, one request at a time per link.
func do[T any](b *Bridge, op string, conn device.ConnHandle, done func(T, error), fn func(l *link, c Client) (T, error)) {
	b.mu.Lock()
	l := b.links[conn]
	b.mu.Unlock()

	groutine.Go(context.Background(), fmt.Sprintf("ble-%s-%d", op, conn), func(context.Context) {
		var zero T
		if l == nil || l.closing.Load() {
			done(zero, &device.BridgeError{Op: op, Code: device.CodeNotConnected, Message: fmt.Sprintf("connection %d not found", conn)})
			return
		}
		l.mu.Lock()
		client := l.client
		l.mu.Unlock()
		if client == nil {
			done(zero, &device.BridgeError{Op: op, Code: device.CodeNotConnected, Message: "connection not established"})
			return
		}

		l.opMu.Lock()
		v, err := fn(l, client)
		l.opMu.Unlock()
		done(v, NormalizeError(op, err))
	})
}

func notFound(op string, h device.Handle, kind device.NodeKind) error {
	return &device.BridgeError{Op: op, Code: device.CodeNotFound, Message: fmt.Sprintf("%s %d not found", kind, h)}
}

// assign returns the handle for the child at position i of parent, allocating one on first sight.
// Callers hold l.mu.
func (l *link) assign(parent device.Handle, i int) device.Handle {
	key := fmt.Sprintf("%d/%d", parent, i)
	if h, ok := l.keys[key]; ok {
		return h
	}
	l.next++
	l.keys[key] = l.next
	return l.next
}

func (b *Bridge) RSSI(conn device.ConnHandle, done func(int, error)) {
	do(b, "rssi", conn, done, func(_ *link, c Client) (int, error) {
		return c.ReadRSSI(), nil
	})
}

func (b *Bridge) Services(conn device.ConnHandle, done func([]*device.Service, error)) {
	do(b, "services", conn, done, func(l *link, c Client) ([]*device.Service, error) {
		svcs, err := c.DiscoverServices(nil)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		out := make([]*device.Service, 0, len(svcs))
		for i, s := range svcs {
			h := l.assign(device.RootHandle, i)
			l.services[h] = s
			out = append(out, &device.Service{Handle: h, UUID: uuidString(s.UUID), Type: device.ServicePrimary})
		}
		return out, nil
	})
}

func (b *Bridge) Characteristics(conn device.ConnHandle, service device.Handle, done func([]*device.Characteristic, error)) {
	do(b, "characteristics", conn, done, func(l *link, c Client) ([]*device.Characteristic, error) {
		l.mu.Lock()
		s := l.services[service]
		l.mu.Unlock()
		if s == nil {
			return nil, notFound("characteristics", service, device.KindService)
		}

		chars, err := c.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		out := make([]*device.Characteristic, 0, len(chars))
		for i, ch := range chars {
			h := l.assign(service, i)
			l.chars[h] = ch
			props := properties(ch.Property)
			out = append(out, &device.Characteristic{
				Handle:      h,
				UUID:        uuidString(ch.UUID),
				Properties:  props,
				Permissions: permissionsFor(props),
				WriteType:   device.WriteTypeFor(props),
			})
		}
		return out, nil
	})
}

func (b *Bridge) Descriptors(conn device.ConnHandle, characteristic device.Handle, done func([]*device.Descriptor, error)) {
	do(b, "descriptors", conn, done, func(l *link, c Client) ([]*device.Descriptor, error) {
		l.mu.Lock()
		ch := l.chars[characteristic]
		l.mu.Unlock()
		if ch == nil {
			return nil, notFound("descriptors", characteristic, device.KindCharacteristic)
		}

		descs, err := c.DiscoverDescriptors(nil, ch)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		out := make([]*device.Descriptor, 0, len(descs))
		for i, d := range descs {
			h := l.assign(characteristic, i)
			l.descs[h] = d
			out = append(out, &device.Descriptor{Handle: h, UUID: uuidString(d.UUID)})
		}
		return out, nil
	})
}

func (l *link) characteristic(op string, h device.Handle) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c := l.chars[h]; c != nil {
		return c, nil
	}
	return nil, notFound(op, h, device.KindCharacteristic)
}

func (l *link) descriptor(op string, h device.Handle) (*ble.Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := l.descs[h]; d != nil {
		return d, nil
	}
	return nil, notFound(op, h, device.KindDescriptor)
}

func (b *Bridge) ReadCharacteristic(conn device.ConnHandle, h device.Handle, done func([]byte, error)) {
	do(b, "read_characteristic", conn, done, func(l *link, c Client) ([]byte, error) {
		ch, err := l.characteristic("read_characteristic", h)
		if err != nil {
			return nil, err
		}
		return c.ReadCharacteristic(ch)
	})
}

func (b *Bridge) ReadDescriptor(conn device.ConnHandle, h device.Handle, done func([]byte, error)) {
	do(b, "read_descriptor", conn, done, func(l *link, c Client) ([]byte, error) {
		d, err := l.descriptor("read_descriptor", h)
		if err != nil {
			return nil, err
		}
		return c.ReadDescriptor(d)
	})
}

// WriteCharacteristic writes with response unless only no-response is requested.
// Unacknowledged writes are split into WriteChunkSize chunks.
func (b *Bridge) WriteCharacteristic(conn device.ConnHandle, h device.Handle, data []byte, wt device.WriteType, done func(error)) {
	do(b, "write_characteristic", conn, ignoreValue(done), func(l *link, c Client) (struct{}, error) {
		if wt.Has(device.WriteSigned) {
			return struct{}{}, &device.BridgeError{Op: "write_characteristic", Code: device.CodeNotSupported, Message: "signed writes are not supported"}
		}
		ch, err := l.characteristic("write_characteristic", h)
		if err != nil {
			return struct{}{}, err
		}

		noRsp := wt.Has(device.WriteNoResponse) && !wt.Has(device.WriteDefault)
		if !noRsp {
			return struct{}{}, c.WriteCharacteristic(ch, data, false)
		}
		for offset := 0; offset < len(data); offset += WriteChunkSize {
			end := min(offset+WriteChunkSize, len(data))
			if err := c.WriteCharacteristic(ch, data[offset:end], true); err != nil {
				return struct{}{}, err
			}
			if end < len(data) {
				time.Sleep(WriteChunkDelay)
			}
		}
		return struct{}{}, nil
	})
}

func (b *Bridge) WriteDescriptor(conn device.ConnHandle, h device.Handle, data []byte, done func(error)) {
	do(b, "write_descriptor", conn, ignoreValue(done), func(l *link, c Client) (struct{}, error) {
		d, err := l.descriptor("write_descriptor", h)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.WriteDescriptor(d, data)
	})
}

// EnableNotification subscribes with notifications when supported, otherwise with indications.
func (b *Bridge) EnableNotification(conn device.ConnHandle, h device.Handle, values func(device.Notification), done func(error)) {
	do(b, "enable_notification", conn, ignoreValue(done), func(l *link, c Client) (struct{}, error) {
		ch, err := l.characteristic("enable_notification", h)
		if err != nil {
			return struct{}{}, err
		}
		ind := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0

		err = c.Subscribe(ch, ind, func(data []byte) {
			values(device.Notification{
				Conn:   l.conn,
				Handle: h,
				Data:   append([]byte(nil), data...),
				TsUs:   time.Now().UnixMicro(),
				Seq:    l.seq.Add(1),
			})
		})
		if err != nil {
			return struct{}{}, err
		}
		l.mu.Lock()
		l.subs[h] = ind
		l.mu.Unlock()
		return struct{}{}, nil
	})
}

func (b *Bridge) DisableNotification(conn device.ConnHandle, h device.Handle, done func(error)) {
	do(b, "disable_notification", conn, ignoreValue(done), func(l *link, c Client) (struct{}, error) {
		ch, err := l.characteristic("disable_notification", h)
		if err != nil {
			return struct{}{}, err
		}
		l.mu.Lock()
		ind, ok := l.subs[h]
		delete(l.subs, h)
		l.mu.Unlock()
		if !ok {
			ind = ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0
		}
		return struct{}{}, c.Unsubscribe(ch, ind)
	})
}

func ignoreValue(done func(error)) func(struct{}, error) {
	return func(_ struct{}, err error) { done(err) }
}

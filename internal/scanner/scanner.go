package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// Event is one scan report after merging into the device table
type Event struct {
	Type   EventType
	Device device.Device
}

// Source is the scanning half of a bridge
type Source interface {
	StartScan(serviceUUIDs []string, found func(device.Device)) error
	StopScan() error
}

// Options configures scanning behavior
type Options struct {
	Duration     time.Duration
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
	// BufferSize bounds the event buffer; the oldest events are overwritten.
	BufferSize uint32
	// Watch, when set, receives the buffered events every WatchInterval while
	// the scan runs, and once more when it ends.
	Watch         func(events []Event)
	WatchInterval time.Duration
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:      10 * time.Second,
		BufferSize:    256,
		WatchInterval: time.Second,
	}
}

// MaxBufferSize caps Options.BufferSize.
const MaxBufferSize uint32 = 64 * 1024

// Scanner collects scan reports from a Source into a device table keyed by address
// and a bounded event buffer.
type Scanner struct {
	src    Source
	logger *logrus.Logger

	mu      sync.Mutex // one scan at a time
	tableMu sync.Mutex // serialises reports; the bridge may call found concurrently
	devices *hashmap.Map[string, device.Device]
	events  mpmc.RichOverlappedRingBuffer[Event]
	opts    *Options
	filters []string

	overwritten atomic.Uint64
	reports     atomic.Uint64
}

// New creates a scanner over src
func New(src Source, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		src:     src,
		logger:  logger,
		devices: hashmap.New[string, device.Device](),
	}
}

// Scan reports devices until ctx is done or opts.Duration elapses, and returns
// every device seen, keyed by address.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progress ProgressCallback) (map[string]device.Device, error) {
	if !s.mu.TryLock() {
		return nil, errors.New("scan already in progress")
	}
	defer s.mu.Unlock()

	if opts == nil {
		opts = DefaultOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.BufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", opts.BufferSize, MaxBufferSize)
	}

	var filters []string
	if len(opts.ServiceUUIDs) > 0 {
		var err error
		if filters, err = device.ValidateUUID(opts.ServiceUUIDs...); err != nil {
			return nil, fmt.Errorf("invalid service filter: %w", err)
		}
	}

	s.tableMu.Lock()
	s.devices = hashmap.New[string, device.Device]()
	s.events = mpmc.NewOverlappedRingBuffer[Event](opts.BufferSize)
	s.opts = opts
	s.filters = filters
	s.tableMu.Unlock()
	s.overwritten.Store(0)
	s.reports.Store(0)

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"filters":  filters,
	}).Info("Starting BLE scan...")
	progress("Scanning")

	if err := s.src.StartScan(filters, s.handle); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	s.wait(ctx, opts)
	if err := s.src.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop scan")
	}
	if opts.Watch != nil {
		opts.Watch(s.Drain())
	}

	s.logger.WithFields(logrus.Fields{
		"device_count": s.devices.Len(),
		"reports":      s.reports.Load(),
	}).Info("BLE scan completed")
	progress("Processing results")

	s.tableMu.Lock()
	out := make(map[string]device.Device, s.devices.Len())
	s.devices.Range(func(addr string, d device.Device) bool {
		out[addr] = d
		return true
	})
	s.tableMu.Unlock()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return out, err
	}
	return out, nil
}

// wait blocks until ctx is done, feeding opts.Watch on every interval
func (s *Scanner) wait(ctx context.Context, opts *Options) {
	if opts.Watch == nil {
		<-ctx.Done()
		return
	}

	interval := opts.WatchInterval
	if interval <= 0 {
		interval = DefaultOptions().WatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opts.Watch(s.Drain())
		}
	}
}

// handle merges one report. Reports for a device already in the table skip
// filtering: it matched when first seen.
func (s *Scanner) handle(d device.Device) {
	s.reports.Add(1)
	key := strings.ToUpper(d.Address)

	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	prev, existing := s.devices.Get(key)
	if !existing && !s.include(d) {
		return
	}

	event := Event{Type: EventNew, Device: d}
	if existing {
		event.Type = EventUpdated
		event.Device = merge(prev, d)
		s.devices.Set(key, event.Device)
	} else {
		s.devices.Set(key, d)
		s.logger.WithFields(logrus.Fields{
			"device":  d.Name,
			"address": d.Address,
			"rssi":    d.RSSI,
		}).Info("Discovered new device")
	}

	overwrites, err := s.events.EnqueueM(event)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to buffer scan event")
		return
	}
	if overwrites > 0 {
		s.overwritten.Add(uint64(overwrites))
	}
}

// merge keeps fields a newer report leaves empty
func merge(prev, next device.Device) device.Device {
	if next.Name == "" {
		next.Name = prev.Name
	}
	if next.Advertisement.LocalName == "" {
		next.Advertisement.LocalName = prev.Advertisement.LocalName
	}
	if len(next.Advertisement.ServiceUUIDs) == 0 {
		next.Advertisement.ServiceUUIDs = prev.Advertisement.ServiceUUIDs
	}
	if next.Advertisement.TxPowerLevel == nil {
		next.Advertisement.TxPowerLevel = prev.Advertisement.TxPowerLevel
	}
	return next
}

// include applies the block, allow and service filters
func (s *Scanner) include(d device.Device) bool {
	for _, blocked := range s.opts.BlockList {
		if strings.EqualFold(d.Address, blocked) {
			return false
		}
	}

	if len(s.opts.AllowList) > 0 {
		allowed := false
		for _, a := range s.opts.AllowList {
			if strings.EqualFold(d.Address, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(s.filters) > 0 {
		for _, f := range s.filters {
			if d.HasService(f) {
				return true
			}
		}
		return false
	}
	return true
}

// Drain removes and returns the buffered events, oldest first.
func (s *Scanner) Drain() []Event {
	if s.events == nil {
		return nil
	}
	var out []Event
	for !s.events.IsEmpty() {
		ev, err := s.events.Dequeue()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// Devices returns a snapshot of the device table ordered by address
func (s *Scanner) Devices() []device.Device {
	s.tableMu.Lock()
	devs := make([]device.Device, 0, s.devices.Len())
	s.devices.Range(func(_ string, d device.Device) bool {
		devs = append(devs, d)
		return true
	})
	s.tableMu.Unlock()
	sort.Slice(devs, func(i, j int) bool { return devs[i].Address < devs[j].Address })
	return devs
}

// Overwritten returns how many events the buffer dropped during the last scan
func (s *Scanner) Overwritten() uint64 {
	return s.overwritten.Load()
}

package notify

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

// Sink receives value-change events for one characteristic.
type Sink func(device.Notification)

// Manager keeps at most one sink per characteristic handle and routes incoming
// value events to it. Route is called from the session loop, so sinks see
// events in bridge order, one at a time.
type Manager struct {
	conn    device.ConnHandle
	sinks   *hashmap.Map[device.Handle, Sink]
	routed  atomic.Uint64
	dropped atomic.Uint64
	logger  *logrus.Logger
}

// NewManager creates an empty subscription table for conn.
func NewManager(conn device.ConnHandle, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		conn:   conn,
		sinks:  hashmap.New[device.Handle, Sink](),
		logger: logger,
	}
}

// Enable registers sink for h. A second Enable without Disable fails with
// AlreadySubscribed and keeps the original sink.
func (m *Manager) Enable(h device.Handle, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("enable notification on handle %d: nil sink", h)
	}
	if !m.sinks.Insert(h, sink) {
		return &device.Error{Kind: device.AlreadySubscribed, Op: "enable_notification", Handle: h}
	}

	m.logger.WithFields(logrus.Fields{
		"conn":   m.conn,
		"handle": h,
	}).Debug("Subscription added")
	return nil
}

// Disable removes the sink for h, failing with NotSubscribed when there is none.
func (m *Manager) Disable(h device.Handle) error {
	if !m.sinks.Del(h) {
		return &device.Error{Kind: device.NotSubscribed, Op: "disable_notification", Handle: h}
	}

	m.logger.WithFields(logrus.Fields{
		"conn":   m.conn,
		"handle": h,
	}).Debug("Subscription removed")
	return nil
}

// Active reports whether h has a sink
func (m *Manager) Active(h device.Handle) bool {
	_, ok := m.sinks.Get(h)
	return ok
}

// Handles returns the subscribed handles in ascending order.
func (m *Manager) Handles() []device.Handle {
	var hs []device.Handle
	m.sinks.Range(func(h device.Handle, _ Sink) bool {
		hs = append(hs, h)
		return true
	})
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Route delivers n to the sink registered for n.Handle. Events for handles with
// no sink are dropped and logged. Returns whether a sink was invoked.
func (m *Manager) Route(n device.Notification) bool {
	sink, ok := m.sinks.Get(n.Handle)
	if !ok {
		m.dropped.Add(1)
		m.logger.WithFields(logrus.Fields{
			"conn":   m.conn,
			"handle": n.Handle,
			"bytes":  len(n.Data),
		}).Warn("Dropping value event for unsubscribed handle")
		return false
	}

	m.routed.Add(1)
	m.deliver(sink, n)
	return true
}

// deliver invokes sink, recovering from a panicking subscriber so one bad sink
// cannot stop routing for the rest of the connection.
func (m *Manager) deliver(sink Sink, n device.Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"conn":   m.conn,
				"handle": n.Handle,
				"panic":  r,
			}).Error("Recovered from panic in notification sink")
		}
	}()
	sink(n)
}

// Clear drops every subscription and returns how many were removed.
func (m *Manager) Clear() int {
	hs := m.Handles()
	for _, h := range hs {
		m.sinks.Del(h)
	}
	return len(hs)
}

// Stats returns how many events were routed and dropped so far.
func (m *Manager) Stats() (routed, dropped uint64) {
	return m.routed.Load(), m.dropped.Load()
}

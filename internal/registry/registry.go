package registry

import (
	"fmt"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

type entry struct {
	node   device.Node
	parent device.Handle
}

// Registry maps bridge-issued handles of one connection to cached hierarchy nodes.
//
// Writes happen on the session loop; Resolve may be called from any goroutine.
// Once ReleaseAll has run, every lookup fails with UnknownHandle, no matter which
// numeric values a later connection reuses: a new connection always gets a new
// Registry.
type Registry struct {
	conn     device.ConnHandle
	nodes    *hashmap.Map[device.Handle, entry]
	released atomic.Bool
	logger   *logrus.Logger
}

// New creates an empty registry for conn.
func New(conn device.ConnHandle, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		conn:   conn,
		nodes:  hashmap.New[device.Handle, entry](),
		logger: logger,
	}
}

// Register caches node under parent and returns its handle. Services hang off
// device.RootHandle, characteristics off a service, descriptors off a characteristic.
func (r *Registry) Register(parent device.Handle, node device.Node) (device.Handle, error) {
	if node == nil {
		return 0, fmt.Errorf("register: nil node")
	}
	if r.released.Load() {
		return 0, &device.Error{Kind: device.InvalidState, Op: "register", State: device.StateDisconnected, Msg: "connection released"}
	}

	h := node.NodeHandle()
	if h == device.RootHandle {
		return 0, fmt.Errorf("register %s: handle 0 is reserved for the connection", node.Kind())
	}

	want := node.Kind().ParentKind()
	if want == 0 {
		if parent != device.RootHandle {
			return 0, fmt.Errorf("register %s %d: parent must be the connection, got %d", node.Kind(), h, parent)
		}
	} else {
		p, ok := r.nodes.Get(parent)
		if !ok {
			return 0, device.NewHandleError("register", parent, "parent not registered")
		}
		if p.node.Kind() != want {
			return 0, fmt.Errorf("register %s %d: parent %d is a %s, want %s", node.Kind(), h, parent, p.node.Kind(), want)
		}
	}

	e := entry{node: node, parent: parent}
	if !r.nodes.Insert(h, e) {
		// rediscovery of the same attribute refreshes the cached node
		old, _ := r.nodes.Get(h)
		if old.parent != parent || old.node.Kind() != node.Kind() || old.node.NodeUUID() != node.NodeUUID() {
			return 0, fmt.Errorf("register %s: handle %d already in use", node.Kind(), h)
		}
		r.nodes.Set(h, e)
	}

	r.logger.WithFields(logrus.Fields{
		"conn":   r.conn,
		"handle": h,
		"kind":   node.Kind().String(),
		"uuid":   node.NodeUUID(),
		"parent": parent,
	}).Debug("Registered node")

	return h, nil
}

// Resolve returns the node registered under h.
func (r *Registry) Resolve(h device.Handle) (device.Node, error) {
	if r.released.Load() {
		return nil, device.NewHandleError("resolve", h, "connection released")
	}
	e, ok := r.nodes.Get(h)
	if !ok {
		return nil, device.NewHandleError("resolve", h, "not registered")
	}
	return e.node, nil
}

// ResolveAs is Resolve restricted to one node kind. A handle of another kind is
// reported as UnknownHandle.
func (r *Registry) ResolveAs(h device.Handle, kind device.NodeKind) (device.Node, error) {
	n, err := r.Resolve(h)
	if err != nil {
		return nil, err
	}
	if n.Kind() != kind {
		return nil, device.NewHandleError("resolve", h, fmt.Sprintf("is a %s, not a %s", n.Kind(), kind))
	}
	return n, nil
}

// Parent returns the handle h was registered under.
func (r *Registry) Parent(h device.Handle) (device.Handle, error) {
	if r.released.Load() {
		return 0, device.NewHandleError("parent", h, "connection released")
	}
	e, ok := r.nodes.Get(h)
	if !ok {
		return 0, device.NewHandleError("parent", h, "not registered")
	}
	return e.parent, nil
}

// Characteristic resolves h as a characteristic.
func (r *Registry) Characteristic(h device.Handle) (*device.Characteristic, error) {
	n, err := r.ResolveAs(h, device.KindCharacteristic)
	if err != nil {
		return nil, err
	}
	return n.(*device.Characteristic), nil
}

// Descriptor resolves h as a descriptor.
func (r *Registry) Descriptor(h device.Handle) (*device.Descriptor, error) {
	n, err := r.ResolveAs(h, device.KindDescriptor)
	if err != nil {
		return nil, err
	}
	return n.(*device.Descriptor), nil
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	if r.released.Load() {
		return 0
	}
	return r.nodes.Len()
}

// Released reports whether ReleaseAll has run.
func (r *Registry) Released() bool {
	return r.released.Load()
}

// ReleaseAll invalidates every handle of the connection and returns how many were dropped.
// Lookups fail from the moment the released flag is set, before the table is emptied.
func (r *Registry) ReleaseAll() int {
	if r.released.Swap(true) {
		return 0
	}

	var handles []device.Handle
	r.nodes.Range(func(h device.Handle, _ entry) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		r.nodes.Del(h)
	}

	r.logger.WithFields(logrus.Fields{
		"conn":    r.conn,
		"handles": len(handles),
	}).Debug("Released connection handles")

	return len(handles)
}

package discovery

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
)

// Queries issues the three discovery queries of one connection. Each call returns
// immediately; done is invoked later, on any goroutine, possibly more than once
// by a faulty bridge.
type Queries interface {
	Services(done func([]*device.Service, error))
	Characteristics(service device.Handle, done func([]*device.Characteristic, error))
	Descriptors(characteristic device.Handle, done func([]*device.Descriptor, error))
}

// Registrar caches discovered nodes. Implemented by *registry.Registry.
type Registrar interface {
	Register(parent device.Handle, node device.Node) (device.Handle, error)
}

// Executor runs tasks one at a time. Implemented by *dispatch.Loop.
type Executor interface {
	Post(fn func()) bool
}

// Aggregator walks services → characteristics → descriptors and joins every
// completion into one Tree, or the first failure, per DiscoverAll call.
//
// All run state is touched only from tasks on the executor, so completions are
// processed one at a time in arrival order.
type Aggregator struct {
	conn    device.ConnHandle
	queries Queries
	reg     Registrar
	exec    Executor
	logger  *logrus.Logger

	current atomic.Pointer[run]
	runs    atomic.Uint64
}

// NewAggregator wires an aggregator for one connection.
func NewAggregator(conn device.ConnHandle, q Queries, reg Registrar, exec Executor, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Aggregator{
		conn:    conn,
		queries: q,
		reg:     reg,
		exec:    exec,
		logger:  logger,
	}
}

// DiscoverAll starts a full discovery and returns its single completion.
// A second call while one is in flight fails with DiscoveryInProgress.
func (a *Aggregator) DiscoverAll() *dispatch.Future[*Tree] {
	r := &run{
		id:     a.runs.Add(1),
		agg:    a,
		future: dispatch.NewFuture[*Tree](),
		chars:  make(map[device.Handle][]*device.Characteristic),
		descs:  make(map[device.Handle][]*device.Descriptor),
	}

	if !a.current.CompareAndSwap(nil, r) {
		return dispatch.Failed[*Tree](&device.Error{Kind: device.DiscoveryInProgress, Op: "discover_all"})
	}

	if !a.exec.Post(r.start) {
		a.current.CompareAndSwap(r, nil)
		return dispatch.Failed[*Tree](&device.Error{
			Kind: device.InvalidState, Op: "discover_all", State: device.StateDisconnected, Msg: "session closed",
		})
	}
	return r.future
}

// InProgress reports whether a discovery is running.
func (a *Aggregator) InProgress() bool {
	return a.current.Load() != nil
}

// Abort terminates the running discovery, if any, with err. Must run on the executor.
func (a *Aggregator) Abort(err error) {
	if r := a.current.Load(); r != nil {
		r.fail(err)
	}
}

// run is the state of one DiscoverAll invocation.
type run struct {
	id     uint64
	agg    *Aggregator
	future *dispatch.Future[*Tree]

	pending  int
	finished bool
	stats    Stats

	services []*device.Service
	chars    map[device.Handle][]*device.Characteristic
	descs    map[device.Handle][]*device.Descriptor
}

func (r *run) log() *logrus.Entry {
	return r.agg.logger.WithFields(logrus.Fields{
		"conn":    r.agg.conn,
		"run":     r.id,
		"pending": r.pending,
	})
}

// complete wraps a bridge completion so that it is processed on the executor and
// at most once. Completions arriving after the run finished are ignored.
func complete[T any](r *run, what string, handle device.Handle, fn func(T, error)) func(T, error) {
	fired := false
	return func(v T, err error) {
		posted := r.agg.exec.Post(func() {
			if fired {
				r.stats.Ignored++
				r.log().WithFields(logrus.Fields{"query": what, "handle": handle}).Warn("Ignoring duplicate discovery completion")
				return
			}
			fired = true
			if r.finished {
				r.stats.Ignored++
				r.log().WithFields(logrus.Fields{"query": what, "handle": handle}).Debug("Ignoring late discovery completion")
				return
			}
			r.stats.Completions++
			fn(v, err)
		})
		if !posted {
			r.agg.logger.WithFields(logrus.Fields{
				"conn":   r.agg.conn,
				"query":  what,
				"handle": handle,
			}).Debug("Discovery completion after session teardown dropped")
		}
	}
}

func (r *run) start() {
	if r.finished {
		return
	}
	r.log().Debug("Discovering services")
	r.stats.Queries++
	r.agg.queries.Services(complete(r, "services", device.RootHandle, r.onServices))
}

func (r *run) onServices(services []*device.Service, err error) {
	if err != nil {
		r.fail(device.AsBridgeError("services", err))
		return
	}

	r.services = make([]*device.Service, 0, len(services))
	for _, s := range services {
		cp := &device.Service{Handle: s.Handle, UUID: s.UUID, Type: s.Type}
		if _, err := r.agg.reg.Register(device.RootHandle, cp); err != nil {
			r.fail(err)
			return
		}
		r.services = append(r.services, cp)
	}

	if len(r.services) == 0 {
		r.succeed()
		return
	}

	r.pending = len(r.services)
	r.log().WithField("services", len(r.services)).Debug("Services discovered")

	for _, s := range r.services {
		svc := s.Handle
		r.stats.Queries++
		r.agg.queries.Characteristics(svc, complete(r, "characteristics", svc, func(chars []*device.Characteristic, err error) {
			r.onCharacteristics(svc, chars, err)
		}))
		if r.finished {
			return
		}
	}
}

func (r *run) onCharacteristics(svc device.Handle, chars []*device.Characteristic, err error) {
	if err != nil {
		r.fail(device.AsBridgeError("characteristics", err))
		return
	}

	list := make([]*device.Characteristic, 0, len(chars))
	for _, c := range chars {
		cp := &device.Characteristic{
			Handle:      c.Handle,
			UUID:        c.UUID,
			Permissions: c.Permissions,
			Properties:  c.Properties,
			WriteType:   c.WriteType,
		}
		if _, err := r.agg.reg.Register(svc, cp); err != nil {
			r.fail(err)
			return
		}
		list = append(list, cp)
	}
	r.chars[svc] = list

	// one service-level query resolved, len(list) descriptor queries now outstanding
	r.pending += len(list) - 1
	r.stats.Decrements++
	r.log().WithFields(logrus.Fields{"service": svc, "characteristics": len(list)}).Debug("Characteristics discovered")

	for _, c := range list {
		chr := c.Handle
		r.stats.Queries++
		r.agg.queries.Descriptors(chr, complete(r, "descriptors", chr, func(descs []*device.Descriptor, err error) {
			r.onDescriptors(chr, descs, err)
		}))
	}

	r.checkDone()
}

func (r *run) onDescriptors(chr device.Handle, descs []*device.Descriptor, err error) {
	if err != nil {
		r.fail(device.AsBridgeError("descriptors", err))
		return
	}

	list := make([]*device.Descriptor, 0, len(descs))
	for _, d := range descs {
		cp := &device.Descriptor{Handle: d.Handle, UUID: d.UUID, Permissions: d.Permissions}
		if _, err := r.agg.reg.Register(chr, cp); err != nil {
			r.fail(err)
			return
		}
		list = append(list, cp)
	}
	r.descs[chr] = list

	r.pending--
	r.stats.Decrements++
	r.log().WithFields(logrus.Fields{"characteristic": chr, "descriptors": len(list)}).Debug("Descriptors discovered")

	r.checkDone()
}

// checkDone runs after every decrement, branch-level ones included.
func (r *run) checkDone() {
	if r.finished || r.pending != 0 {
		return
	}
	r.succeed()
}

// succeed assembles the tree bottom-up: every node gets its children before it is
// attached to its parent, and is never touched afterwards.
func (r *run) succeed() {
	tree := &Tree{Conn: r.agg.conn, Services: make([]*device.Service, 0, len(r.services))}
	for _, s := range r.services {
		chars := r.chars[s.Handle]
		if chars == nil {
			chars = []*device.Characteristic{}
		}
		for _, c := range chars {
			c.Descriptors = r.descs[c.Handle]
			if c.Descriptors == nil {
				c.Descriptors = []*device.Descriptor{}
			}
		}
		s.Characteristics = chars
		tree.Services = append(tree.Services, s)
	}

	r.finish()
	tree.Stats = r.stats
	svcs, chars, descs := tree.Counts()
	r.log().WithFields(logrus.Fields{
		"services":        svcs,
		"characteristics": chars,
		"descriptors":     descs,
		"completions":     r.stats.Completions,
	}).Info("Discovery complete")

	r.future.Complete(tree, nil)
}

// fail delivers err as the terminal outcome and discards partial results.
func (r *run) fail(err error) {
	if r.finished {
		return
	}
	r.finish()
	r.services, r.chars, r.descs = nil, nil, nil

	r.log().WithError(err).Error("Discovery failed")
	r.future.Fail(err)
}

func (r *run) finish() {
	r.finished = true
	r.agg.current.CompareAndSwap(r, nil)
}

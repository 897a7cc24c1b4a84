package central

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/bridge"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/discovery"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/session"
)

type (
	// Session is one live connection; see session.Session.
	Session = session.Session
	// Tree is a discovered attribute hierarchy.
	Tree = discovery.Tree
)

// ErrStaleSession is the cause reported to a session whose connection number the
// bridge handed out again.
var ErrStaleSession = errors.New("connection handle reused by bridge")

// Options configures a Central
type Options struct {
	Logger              *logrus.Logger
	CloseConfirmTimeout time.Duration
}

// Central owns the bridge and the live sessions. There is no process-wide state:
// every Central is independent, and a session lives from Connect until its
// connection reaches DISCONNECTED.
type Central struct {
	br     bridge.Bridge
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex // serialises writes to the three tables below
	sessions *hashmap.Map[device.ConnHandle, *Session]

	// detached holds sessions torn down before Connect recorded them
	detached map[*Session]struct{}

	// superseded holds sessions replaced by a newer one on the same handle
	superseded map[*Session]struct{}
}

// New creates a central over br.
func New(br bridge.Bridge, opts Options) *Central {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Central{
		br:         br,
		opts:       opts,
		logger:     opts.Logger,
		sessions:   hashmap.New[device.ConnHandle, *Session](),
		detached:   make(map[*Session]struct{}),
		superseded: make(map[*Session]struct{}),
	}
}

// Bridge returns the underlying bridge
func (c *Central) Bridge() bridge.Bridge {
	return c.br
}

// StartScan forwards to the bridge. See scanner.Scanner for a buffered consumer.
func (c *Central) StartScan(serviceUUIDs []string, found func(device.Device)) error {
	if _, err := validateFilters(serviceUUIDs); err != nil {
		return err
	}
	return c.br.StartScan(serviceUUIDs, found)
}

// StopScan forwards to the bridge.
func (c *Central) StopScan() error {
	return c.br.StopScan()
}

func validateFilters(uuids []string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	return device.ValidateUUID(uuids...)
}

// Connect starts connecting to address. The session is returned at once in
// CONNECTING; wait on its Connected future for the outcome.
func (c *Central) Connect(address string) (*Session, error) {
	if address == "" {
		return nil, fmt.Errorf("connect: address is required")
	}

	s, err := session.Open(c.br, address, session.Options{
		CloseConfirmTimeout: c.opts.CloseConfirmTimeout,
		Logger:              c.logger,
		OnTeardown:          c.detach,
	})
	if err != nil {
		return nil, err
	}

	c.record(s)
	return s, nil
}

// record adds a freshly opened session to the table, unless its teardown
// already ran.
func (c *Central) record(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, gone := c.detached[s]; gone {
		delete(c.detached, s)
		return
	}
	if old, ok := c.sessions.Get(s.Conn()); ok && old != s {
		c.logger.WithFields(logrus.Fields{
			"conn":    s.Conn(),
			"address": old.Address(),
		}).Warn("Bridge reused a live connection handle, dropping the old session")
		c.superseded[old] = struct{}{}
		old.Abandon(ErrStaleSession)
	}
	c.sessions.Set(s.Conn(), s)
}

// detach forgets s once its connection is gone. Runs after the session released
// its handles, possibly before Connect had a chance to record it.
func (c *Central) detach(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions.Get(s.Conn()); ok && cur == s {
		c.sessions.Del(s.Conn())
		return
	}
	if _, ok := c.superseded[s]; ok {
		delete(c.superseded, s)
		return
	}
	c.detached[s] = struct{}{}
}

// Session returns the live session for conn
func (c *Central) Session(conn device.ConnHandle) (*Session, bool) {
	return c.sessions.Get(conn)
}

// Sessions returns the live sessions ordered by connection handle
func (c *Central) Sessions() []*Session {
	var out []*Session
	c.sessions.Range(func(_ device.ConnHandle, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Conn() < out[j].Conn() })
	return out
}

// Reset asks the bridge to drop every connection and return to its initial state.
// Sessions tear down as their DISCONNECTED events arrive; sessions the bridge does
// not report on are abandoned once the bridge acknowledges.
func (c *Central) Reset() *dispatch.Future[session.Empty] {
	f := dispatch.NewFuture[session.Empty]()
	live := c.Sessions()

	c.logger.WithField("sessions", len(live)).Info("Resetting adapter")
	c.br.Reset(func(err error) {
		if err != nil {
			f.Fail(device.AsBridgeError("reset", err))
			return
		}
		for _, s := range live {
			s.Abandon(errors.New("adapter reset"))
		}
		f.Complete(session.Empty{}, nil)
	})
	return f
}

// Shutdown closes every live session and waits for their teardown or ctx.
// Sessions still connecting are abandoned and the bridge is asked to drop them.
func (c *Central) Shutdown(ctx context.Context) error {
	var waits []*dispatch.Future[session.Empty]
	for _, s := range c.Sessions() {
		if s.State() == device.StateConnecting {
			if err := c.br.Close(s.Conn()); err != nil {
				c.logger.WithError(err).WithField("conn", s.Conn()).Debug("Bridge close of pending connection failed")
			}
			s.Abandon(errors.New("shutdown"))
			waits = append(waits, s.Closed())
			continue
		}
		waits = append(waits, s.Close())
	}

	for _, w := range waits {
		if _, err := w.Wait(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

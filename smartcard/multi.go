package smartcard

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// TransportEntry is a named transport for MultiTransport.
type TransportEntry struct {
	Name      string
	Transport Transport
}

// MultiTransport aggregates several transports behind one Platform.
// Device ids are prefixed with the transport name, "name:id", and events
// from event-driven children are re-tagged the same way.
//
// Example:
//
//	mt := smartcard.NewMultiTransport(
//	    smartcard.TransportEntry{Name: "pcsc", Transport: pcscTransport},
//	    smartcard.TransportEntry{Name: "phone", Transport: phoneTransport},
//	)
type MultiTransport struct {
	mu      sync.RWMutex
	entries map[string]Transport
	order   []string
	logger  *zap.Logger
}

// NewMultiTransport registers entries in order, skipping empty and
// duplicate names.
func NewMultiTransport(entries ...TransportEntry) *MultiTransport {
	mt := &MultiTransport{
		entries: make(map[string]Transport),
		logger:  Logger().Named("multi"),
	}
	for _, e := range entries {
		if err := mt.Add(e.Name, e.Transport); err != nil {
			mt.logger.Warn("Skipping transport entry", zap.String("name", e.Name), zap.Error(err))
		}
	}
	return mt
}

// Add registers a transport. It must be called before the owning
// Platform is initialized for its events to be routed.
func (mt *MultiTransport) Add(name string, t Transport) error {
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("invalid transport name %q", name)
	}
	if t == nil {
		return fmt.Errorf("transport %q is nil", name)
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, exists := mt.entries[name]; exists {
		return fmt.Errorf("transport %q already registered", name)
	}
	mt.entries[name] = t
	mt.order = append(mt.order, name)
	mt.logger.Debug("Transport registered", zap.String("name", name))
	return nil
}

// Get returns a registered transport by name.
func (mt *MultiTransport) Get(name string) (Transport, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	t, ok := mt.entries[name]
	return t, ok
}

// Names returns the registered transport names in registration order.
func (mt *MultiTransport) Names() []string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return append([]string(nil), mt.order...)
}

func (mt *MultiTransport) snapshot() []TransportEntry {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	out := make([]TransportEntry, 0, len(mt.order))
	for _, name := range mt.order {
		out = append(out, TransportEntry{Name: name, Transport: mt.entries[name]})
	}
	return out
}

// Name identifies the transport.
func (mt *MultiTransport) Name() string { return "multi" }

// ListDevices merges the children's devices. A failing child is logged and
// skipped unless every child fails.
func (mt *MultiTransport) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	entries := mt.snapshot()
	if len(entries) == 0 {
		return nil, NewError(KindNoReaders, "ListDevices", "no transports registered")
	}

	var all []DeviceInfo
	var firstErr error
	failed := 0
	for _, e := range entries {
		infos, err := e.Transport.ListDevices(ctx)
		if err != nil {
			mapped := MapTransportError(err, classifierOf(e.Transport))
			if mapped.Kind == KindNoReaders {
				continue
			}
			mt.logger.Warn("Transport failed to list devices", zap.String("transport", e.Name), zap.Error(mapped))
			failed++
			if firstErr == nil {
				firstErr = mapped
			}
			continue
		}
		for _, info := range infos {
			info.ID = e.Name + ":" + info.ID
			all = append(all, info)
		}
	}

	if failed == len(entries) {
		return nil, firstErr
	}
	return all, nil
}

// OpenReader opens "name:id" on the named child.
func (mt *MultiTransport) OpenReader(ctx context.Context, id string) (Reader, error) {
	name, childID, ok := strings.Cut(id, ":")
	if !ok {
		return nil, Errorf(KindReaderError, "OpenReader", "device id %q has no transport prefix", id)
	}
	t, exists := mt.Get(name)
	if !exists {
		return nil, Errorf(KindReaderError, "OpenReader", "no transport named %q", name)
	}

	r, err := t.OpenReader(ctx, childID)
	if err != nil {
		return nil, MapTransportError(err, classifierOf(t))
	}

	_, childEvents := t.(EventSource)
	notifies := childEvents
	if pn, ok := r.(PresenceNotifier); ok {
		notifies = pn.NotifiesPresence()
	}
	return &multiReader{Reader: r, notifies: notifies}, nil
}

// Subscribe fans in the events of every event-driven child.
func (mt *MultiTransport) Subscribe(fn func(Event)) func() {
	var unsubs []func()
	for _, e := range mt.snapshot() {
		es, ok := e.Transport.(EventSource)
		if !ok {
			continue
		}
		prefix := e.Name + ":"
		unsubs = append(unsubs, es.Subscribe(func(ev Event) {
			ev.Device = prefix + ev.Device
			fn(ev)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ClassifyError asks each child classifier in registration order.
func (mt *MultiTransport) ClassifyError(err error) (*Error, bool) {
	for _, e := range mt.snapshot() {
		c := classifierOf(e.Transport)
		if c == nil {
			continue
		}
		if mapped, ok := c.ClassifyError(err); ok && mapped != nil {
			return mapped, true
		}
	}
	return nil, false
}

func classifierOf(t Transport) ErrorClassifier {
	c, _ := t.(ErrorClassifier)
	return c
}

type multiReader struct {
	Reader
	notifies bool
}

func (r *multiReader) NotifiesPresence() bool { return r.notifies }

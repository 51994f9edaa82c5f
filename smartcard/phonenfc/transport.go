// Package phonenfc turns phones connected over websocket into event-driven
// contactless readers. The phone app registers, reports card presence and
// radio lifecycle as events, and answers connect/transceive requests.
package phonenfc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/smartcard"
)

var (
	// ErrPhoneGone is returned for requests to a phone whose connection
	// closed or that was never registered.
	ErrPhoneGone = errors.New("phone device disconnected")

	// ErrRequestTimeout is returned when a phone does not answer in time.
	ErrRequestTimeout = errors.New("phone request timed out")

	// ErrRadioOff is returned when the phone's NFC radio is disabled.
	ErrRadioOff = errors.New("phone NFC radio is disabled")
)

// Option configures a Transport.
type Option func(*Transport)

// WithInactivityTimeout sets how long a silent phone stays registered.
func WithInactivityTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.inactivityTimeout = d
		}
	}
}

// WithRequestTimeout bounds each agent to phone request.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.requestTimeout = d
		}
	}
}

// Transport manages registered phones. It serves their websocket
// connections through ServeHTTP and implements smartcard.Transport,
// smartcard.EventSource and smartcard.ErrorClassifier.
type Transport struct {
	logger            *zap.Logger
	inactivityTimeout time.Duration
	requestTimeout    time.Duration
	upgrader          websocket.Upgrader

	mu      sync.RWMutex
	phones  map[string]*phone
	subs    map[int]func(smartcard.Event)
	nextSub int

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a phone transport and starts its inactivity cleanup.
func New(logger *zap.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		logger:            logger.Named("phonenfc"),
		inactivityTimeout: DefaultInactivityTimeout,
		requestTimeout:    DefaultRequestTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		phones: make(map[string]*phone),
		subs:   make(map[int]func(smartcard.Event)),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.cleanupLoop()
	return t
}

// Name identifies the transport in device ids.
func (t *Transport) Name() string { return "phone" }

// ListDevices returns the registered phones.
func (t *Transport) ListDevices(ctx context.Context) ([]smartcard.DeviceInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]smartcard.DeviceInfo, 0, len(t.phones))
	for _, p := range t.phones {
		infos = append(infos, p.describe())
	}
	return infos, nil
}

// OpenReader enables reader mode on the phone.
func (t *Transport) OpenReader(ctx context.Context, id string) (smartcard.Reader, error) {
	p, ok := t.phone(id)
	if !ok {
		return nil, fmt.Errorf("open %s: %w", id, ErrPhoneGone)
	}
	if _, err := p.request(ctx, MessageTypeEnableReader, nil); err != nil {
		return nil, err
	}
	p.logger.Info("Reader mode enabled")
	return &reader{phone: p}, nil
}

// Subscribe registers fn for phone events. fn must not block.
func (t *Transport) Subscribe(fn func(smartcard.Event)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Transport) emit(ev smartcard.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	t.mu.RLock()
	subs := make([]func(smartcard.Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// ClassifyError maps the transport's own failures. Errors reported by the
// phone carry native exception names and fall through to the engine's
// signature table.
func (t *Transport) ClassifyError(err error) (*smartcard.Error, bool) {
	switch {
	case errors.Is(err, ErrPhoneGone):
		return &smartcard.Error{Kind: smartcard.KindReaderError, Reason: smartcard.ReasonDeviceGone,
			Message: "phone disconnected", Cause: err}, true
	case errors.Is(err, ErrRequestTimeout):
		return &smartcard.Error{Kind: smartcard.KindTimeout, Message: "phone did not answer", Cause: err}, true
	case errors.Is(err, ErrRadioOff):
		return &smartcard.Error{Kind: smartcard.KindReaderError, Message: "NFC radio is disabled", Cause: err}, true
	}
	return nil, false
}

func (t *Transport) phone(id string) (*phone, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.phones[id]
	return p, ok
}

// PhoneCount returns the number of registered phones.
func (t *Transport) PhoneCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.phones)
}

func (t *Transport) register(conn *websocket.Conn, req RegistrationRequest) *phone {
	id := uuid.NewString()
	p := &phone{
		id:             id,
		info:           req,
		conn:           conn,
		transport:      t,
		logger:         t.logger.With(zap.String("phone", id), zap.String("name", req.DeviceName)),
		requestTimeout: t.requestTimeout,
		pending:        make(map[string]*smartcard.Completion[json.RawMessage]),
		lastSeen:       time.Now(),
		radioOn:        true,
		closed:         make(chan struct{}),
	}

	t.mu.Lock()
	t.phones[id] = p
	t.mu.Unlock()

	p.logger.Info("Phone registered", zap.String("platform", req.Platform), zap.String("appVersion", req.AppVersion))
	t.emit(smartcard.Event{Kind: smartcard.EventDeviceAdded, Device: id})
	return p
}

// unregister drops a phone and fails its pending requests. Only the first
// call per phone emits DeviceRemoved.
func (t *Transport) unregister(id, reason string) {
	t.mu.Lock()
	p, ok := t.phones[id]
	if ok {
		delete(t.phones, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	p.close()
	p.logger.Info("Phone unregistered", zap.String("reason", reason))
	t.emit(smartcard.Event{Kind: smartcard.EventDeviceRemoved, Device: id, Detail: reason})
}

func (t *Transport) cleanupLoop() {
	interval := CleanupInterval
	if half := t.inactivityTimeout / 2; half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanupInactive()
		case <-t.stop:
			return
		}
	}
}

func (t *Transport) cleanupInactive() {
	now := time.Now()
	var stale []string

	t.mu.RLock()
	for id, p := range t.phones {
		if now.Sub(p.LastSeen()) > t.inactivityTimeout {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range stale {
		t.unregister(id, "inactive")
	}
}

// Close stops the cleanup routine and disconnects every phone.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })

	t.mu.RLock()
	ids := make([]string, 0, len(t.phones))
	for id := range t.phones {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		t.unregister(id, "agent shutting down")
	}
	return nil
}

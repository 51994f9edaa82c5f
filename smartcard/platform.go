package smartcard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval bounds the delay between presence probes on
	// poll-based transports.
	DefaultPollInterval = 100 * time.Millisecond

	// ReleaseTimeout bounds each native teardown call so release always
	// completes.
	ReleaseTimeout = 5 * time.Second
)

// Option configures a Platform.
type Option func(*Platform)

// WithLogger sets the logger used by the platform and its devices.
func WithLogger(l *zap.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces the real clock, for tests.
func WithClock(c Clock) Option {
	return func(p *Platform) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithPollInterval sets the presence probe interval for poll-based
// transports.
func WithPollInterval(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// Platform is the entry point to one transport. It owns the acquired
// devices and routes transport events to them. Several platforms may
// coexist; there is no global state.
type Platform struct {
	transport    Transport
	classifier   ErrorClassifier
	events       EventSource
	clock        Clock
	logger       *zap.Logger
	pollInterval time.Duration

	queue serialQueue

	mu          sync.Mutex
	initialized bool
	byID        map[string]*Device
	byHandle    map[string]*Device
	observers   map[int]func(Event)
	nextObs     int
	unsubscribe func()
	dispatcher  *dispatcher
}

// New creates an uninitialized platform over t.
func New(t Transport, opts ...Option) *Platform {
	p := &Platform{
		transport:    t,
		clock:        RealClock{},
		logger:       Logger(),
		pollInterval: DefaultPollInterval,
		queue:        newSerialQueue(),
		byID:         make(map[string]*Device),
		byHandle:     make(map[string]*Device),
		observers:    make(map[int]func(Event)),
	}
	if c, ok := t.(ErrorClassifier); ok {
		p.classifier = c
	}
	if es, ok := t.(EventSource); ok {
		p.events = es
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("transport", t.Name()))
	return p
}

// Transport returns the underlying transport.
func (p *Platform) Transport() Transport {
	return p.transport
}

// EventDriven reports whether the transport delivers asynchronous events.
func (p *Platform) EventDriven() bool {
	return p.events != nil
}

// mapError is the single native-call boundary mapping.
func (p *Platform) mapError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if p.classifier != nil {
		return withOp(MapTransportError(err, p.classifier), op)
	}
	return withOp(MapTransportError(err), op)
}

func (p *Platform) lock(ctx context.Context, op string) error {
	if err := p.queue.acquire(ctx); err != nil {
		return p.mapError(op, err)
	}
	return nil
}

// Initialized reports the platform state.
func (p *Platform) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Init moves the platform to the initialized state and starts event
// routing. It fails AlreadyInitialized unless force is set, in which case
// any acquired devices are released and the platform starts over.
func (p *Platform) Init(ctx context.Context, force bool) error {
	const op = "Init"
	if err := p.lock(ctx, op); err != nil {
		return err
	}
	defer p.queue.release()

	if p.Initialized() {
		if !force {
			return NewError(KindAlreadyInitialized, op, "platform already initialized")
		}
		p.logger.Info("Forcing platform re-initialization")
		p.teardown()
	}

	d := newDispatcher(p.route)
	d.start()

	p.mu.Lock()
	p.dispatcher = d
	p.initialized = true
	p.mu.Unlock()

	if p.events != nil {
		unsub := p.events.Subscribe(d.enqueue)
		p.mu.Lock()
		p.unsubscribe = unsub
		p.mu.Unlock()
	}

	p.logger.Info("Platform initialized", zap.Bool("eventDriven", p.events != nil))
	return nil
}

// Release releases every acquired device in parallel and returns the
// platform to the uninitialized state. Individual device failures are
// logged and never returned.
func (p *Platform) Release(ctx context.Context, force bool) error {
	const op = "Release"
	if err := p.lock(ctx, op); err != nil {
		return err
	}
	defer p.queue.release()

	if !p.Initialized() && !force {
		return NewError(KindNotInitialized, op, "platform not initialized")
	}

	p.teardown()
	p.logger.Info("Platform released")
	return nil
}

// teardown runs with the platform queue held.
func (p *Platform) teardown() {
	devices := p.Devices()

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			if err := d.Release(); err != nil {
				p.logger.Warn("Device release failed during platform release",
					zap.String("device", d.info.ID), zap.Error(err))
			}
		}(d)
	}
	wg.Wait()

	p.mu.Lock()
	unsub := p.unsubscribe
	disp := p.dispatcher
	p.unsubscribe = nil
	p.dispatcher = nil
	p.initialized = false
	p.byID = make(map[string]*Device)
	p.byHandle = make(map[string]*Device)
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if disp != nil {
		disp.stop()
	}
}

// DeviceInfo enumerates the devices currently attached. No devices is an
// empty result, not an error.
func (p *Platform) DeviceInfo(ctx context.Context) ([]DeviceInfo, error) {
	const op = "DeviceInfo"
	if err := p.lock(ctx, op); err != nil {
		return nil, err
	}
	defer p.queue.release()

	if !p.Initialized() {
		return nil, NewError(KindNotInitialized, op, "platform not initialized")
	}
	return p.listDevices(ctx, op)
}

func (p *Platform) listDevices(ctx context.Context, op string) ([]DeviceInfo, error) {
	c := Go(func() ([]DeviceInfo, error) {
		return p.transport.ListDevices(ctx)
	})

	select {
	case <-c.Done():
	case <-ctx.Done():
		return nil, p.mapError(op, ctx.Err())
	}

	infos, err := c.Result()
	if err != nil {
		mapped := p.mapError(op, err)
		if mapped.Kind == KindNoReaders {
			return []DeviceInfo{}, nil
		}
		return nil, mapped
	}
	if infos == nil {
		infos = []DeviceInfo{}
	}
	return infos, nil
}

// AcquireDevice opens the device with the given id for exclusive use by
// this platform.
func (p *Platform) AcquireDevice(ctx context.Context, id string) (*Device, error) {
	const op = "AcquireDevice"
	if err := p.lock(ctx, op); err != nil {
		return nil, err
	}
	defer p.queue.release()

	if !p.Initialized() {
		return nil, NewError(KindNotInitialized, op, "platform not initialized")
	}

	p.mu.Lock()
	_, taken := p.byID[id]
	p.mu.Unlock()
	if taken {
		return nil, Errorf(KindAlreadyConnected, op, "device %q already acquired", id)
	}

	infos, err := p.listDevices(ctx, op)
	if err != nil {
		return nil, err
	}
	var info *DeviceInfo
	for i := range infos {
		if infos[i].ID == id {
			info = &infos[i]
			break
		}
	}
	if info == nil {
		return nil, Errorf(KindReaderError, op, "no device with id %q", id)
	}

	c := Go(func() (Reader, error) {
		return p.transport.OpenReader(ctx, id)
	})
	select {
	case <-c.Done():
	case <-ctx.Done():
		// The reader may still open after we give up; close it then.
		go func() {
			if r, err := c.Result(); err == nil && r != nil {
				_ = r.Close()
			}
		}()
		return nil, p.mapError(op, ctx.Err())
	}
	reader, err := c.Result()
	if err != nil {
		return nil, p.mapError(op, err)
	}

	d := newDevice(p, *info, uuid.NewString(), reader)

	// Registered before the initial probe so events routed meanwhile reach it.
	p.mu.Lock()
	p.byID[id] = d
	p.byHandle[d.handle] = d
	p.mu.Unlock()

	d.primePresence(ctx)

	d.logger.Info("Device acquired", zap.String("name", info.Name))
	return d, nil
}

// Device looks up an acquired device by handle.
func (p *Platform) Device(handle string) (*Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.byHandle[handle]
	return d, ok
}

// Devices returns the acquired devices.
func (p *Platform) Devices() []*Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Device, 0, len(p.byID))
	for _, d := range p.byID {
		out = append(out, d)
	}
	return out
}

// Interrupt forces a lifecycle interruption on every acquired device, as
// when the host is about to sleep.
func (p *Platform) Interrupt(reason string) {
	for _, d := range p.Devices() {
		d.Interrupt(reason)
	}
}

// Subscribe registers fn to observe every transport event the platform
// receives, routed or not. fn runs on the dispatcher goroutine and must
// not block.
func (p *Platform) Subscribe(fn func(Event)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

// forget drops d from the acquired set. Only the device calls it, after
// its own release.
func (p *Platform) forget(d *Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.byID[d.info.ID]; ok && cur == d {
		delete(p.byID, d.info.ID)
	}
	if cur, ok := p.byHandle[d.handle]; ok && cur == d {
		delete(p.byHandle, d.handle)
	}
}

// route delivers one event: first to observers, then to the device whose
// id matches, which in turn looks up the session.
func (p *Platform) route(ev Event) {
	p.mu.Lock()
	obs := make([]func(Event), 0, len(p.observers))
	for _, fn := range p.observers {
		obs = append(obs, fn)
	}
	d := p.byID[ev.Device]
	p.mu.Unlock()

	for _, fn := range obs {
		fn(ev)
	}

	if d == nil {
		p.logger.Debug("Dropping event for unacquired device",
			zap.String("kind", string(ev.Kind)), zap.String("device", ev.Device))
		return
	}
	d.handleEvent(ev)
}

package smartcard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Device is one acquired reader or radio. It owns at most one CardSession
// and the transport's activation resource. Lifecycle operations, and every
// operation of its session, run one at a time in arrival order.
type Device struct {
	platform    *Platform
	info        DeviceInfo
	handle      string
	reader      Reader
	eventDriven bool
	logger      *zap.Logger

	queue serialQueue

	// native serializes calls into the reader and its channels; a probe
	// must never overlap a transceive on the same handle.
	native sync.Mutex

	mu       sync.Mutex
	session  *CardSession
	present  bool
	notified bool // a presence event has been applied
	waiters  map[*Completion[struct{}]]struct{}
	released bool

	interrupt     chan struct{}
	interruptOnce sync.Once

	releaseOnce sync.Once
	releaseErr  error
	releasedCh  chan struct{}
}

func newDevice(p *Platform, info DeviceInfo, handle string, reader Reader) *Device {
	eventDriven := p.events != nil
	if pn, ok := reader.(PresenceNotifier); ok {
		eventDriven = pn.NotifiesPresence()
	}
	return &Device{
		platform:    p,
		info:        info,
		handle:      handle,
		reader:      reader,
		eventDriven: eventDriven,
		logger:      p.logger.With(zap.String("device", info.ID), zap.String("handle", handle)),
		queue:       newSerialQueue(),
		waiters:     make(map[*Completion[struct{}]]struct{}),
		interrupt:   make(chan struct{}),
		releasedCh:  make(chan struct{}),
	}
}

// Info returns the descriptor the device was acquired with.
func (d *Device) Info() DeviceInfo { return d.info }

// Handle is the opaque identifier of this acquisition.
func (d *Device) Handle() string { return d.handle }

// Released is closed once the device has been released.
func (d *Device) Released() <-chan struct{} { return d.releasedCh }

// Session returns the active session, if any.
func (d *Device) Session() (*CardSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil || d.session.isDisposed() {
		return nil, false
	}
	return d.session, true
}

// callNative runs fn on its own goroutine under the native lock and waits
// for it, for ctx, or for cancel. fn is never started once cancel or ctx
// has fired. A nil cancel channel never fires. Errors
// are mapped at this boundary; cancellation resolves as cancelKind. The
// context passed to fn is cancelled once callNative returns.
func callNative[T any](ctx context.Context, d *Device, op string, cancel <-chan struct{}, cancelKind Kind, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	select {
	case <-cancel:
		return zero, errInterrupted(op, cancelKind)
	case <-ctx.Done():
		return zero, d.platform.mapError(op, ctx.Err())
	default:
	}

	nctx, abort := context.WithCancel(ctx)
	defer abort()
	c := Go(func() (T, error) {
		d.native.Lock()
		defer d.native.Unlock()
		if err := nctx.Err(); err != nil {
			return zero, err
		}
		return fn(nctx)
	})

	select {
	case <-c.Done():
		v, err := c.Result()
		if err != nil {
			return zero, d.platform.mapError(op, err)
		}
		return v, nil
	case <-ctx.Done():
		return zero, d.platform.mapError(op, ctx.Err())
	case <-cancel:
		return zero, errInterrupted(op, cancelKind)
	}
}

// lock takes the device queue and checks the device is still live.
func (d *Device) lock(ctx context.Context, op string) error {
	if err := d.queue.acquire(ctx); err != nil {
		return d.platform.mapError(op, err)
	}
	if d.isReleased() {
		d.queue.release()
		return errDeviceReleased(op)
	}
	if d.interrupted() {
		d.queue.release()
		return errInterrupted(op, KindPlatformError)
	}
	return nil
}

func (d *Device) isReleased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

func (d *Device) interrupted() bool {
	select {
	case <-d.interrupt:
		return true
	default:
		return false
	}
}

// IsAvailable reports whether the device can currently reach cards, e.g.
// the radio is enabled. It never blocks.
func (d *Device) IsAvailable() bool {
	if d.isReleased() || d.interrupted() {
		return false
	}
	return d.reader.Available()
}

// IsCardPresent returns a best-effort snapshot. Poll-based devices probe
// when no native call is in flight and otherwise report the last observed
// state; event-driven devices report the last routed notification.
func (d *Device) IsCardPresent() bool {
	if d.isReleased() {
		return false
	}
	if !d.eventDriven && d.native.TryLock() {
		present, err := d.reader.CardPresent(context.Background())
		d.native.Unlock()
		if err == nil {
			d.setPresent(present)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present
}

func (d *Device) setPresent(present bool) {
	d.mu.Lock()
	d.present = present
	d.mu.Unlock()
}

// primePresence records the initial card state right after acquisition,
// unless a presence event already arrived while probing.
func (d *Device) primePresence(ctx context.Context) {
	present, err := callNative(ctx, d, "AcquireDevice", nil, KindPlatformError, d.reader.CardPresent)
	if err != nil {
		d.logger.Debug("Initial presence probe failed", zap.Error(err))
		return
	}
	d.mu.Lock()
	if !d.notified {
		d.present = present
	}
	d.mu.Unlock()
}

// WaitForCardPresence returns once a card is in the field. It fails
// Timeout when timeout elapses, when ctx is done, or when the device is
// interrupted, and terminates within timeout plus at most one probe.
func (d *Device) WaitForCardPresence(ctx context.Context, timeout time.Duration) error {
	const op = "WaitForCardPresence"
	if timeout < 0 {
		return Errorf(KindInvalidParameter, op, "negative timeout %s", timeout)
	}

	timer := d.platform.clock.NewTimer(timeout)
	defer timer.Stop()

	expired := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-timer.C():
			close(expired)
		case <-stop:
		}
	}()

	if err := d.lockUntil(ctx, expired, op, timeout); err != nil {
		return err
	}
	defer d.queue.release()

	if d.eventDriven {
		return d.awaitPresenceEvent(ctx, expired, op, timeout)
	}
	return d.pollPresence(ctx, expired, op, timeout)
}

// lockUntil takes the device queue, giving up at the wait deadline.
func (d *Device) lockUntil(ctx context.Context, expired <-chan struct{}, op string, timeout time.Duration) error {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-expired:
			cancel()
		case <-d.interrupt:
			cancel()
		case <-qctx.Done():
		}
	}()
	if err := d.queue.acquire(qctx); err != nil {
		return d.timeoutError(op, timeout)
	}
	switch {
	case d.isReleased():
		d.queue.release()
		return errDeviceReleased(op)
	case d.interrupted():
		d.queue.release()
		return errInterrupted(op, KindTimeout)
	}
	return nil
}

func (d *Device) timeoutError(op string, timeout time.Duration) error {
	if d.interrupted() {
		return errInterrupted(op, KindTimeout)
	}
	return Errorf(KindTimeout, op, "no card detected within %s", timeout)
}

func (d *Device) awaitPresenceEvent(ctx context.Context, expired <-chan struct{}, op string, timeout time.Duration) error {
	w := NewCompletion[struct{}]()

	d.mu.Lock()
	if d.present {
		d.mu.Unlock()
		return nil
	}
	d.waiters[w] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiters, w)
		d.mu.Unlock()
	}()

	// A notification may have been routed before the waiter was registered.
	present, err := callNative(ctx, d, op, d.interrupt, KindTimeout, d.reader.CardPresent)
	if IsInterrupted(err) {
		return err
	}
	if err == nil && present {
		d.setPresent(true)
		return nil
	}

	select {
	case <-w.Done():
		return nil
	case <-expired:
		return d.timeoutError(op, timeout)
	case <-ctx.Done():
		return d.timeoutError(op, timeout)
	case <-d.interrupt:
		return errInterrupted(op, KindTimeout)
	}
}

func (d *Device) pollPresence(ctx context.Context, expired <-chan struct{}, op string, timeout time.Duration) error {
	ticker := d.platform.clock.NewTicker(d.platform.pollInterval)
	defer ticker.Stop()

	for {
		probe := Go(func() (bool, error) {
			d.native.Lock()
			defer d.native.Unlock()
			return d.reader.CardPresent(ctx)
		})

		select {
		case <-probe.Done():
			present, err := probe.Result()
			if err != nil {
				mapped := d.platform.mapError(op, err)
				if mapped.Reason == ReasonDeviceGone {
					return mapped
				}
				d.logger.Debug("Presence probe failed", zap.Error(mapped))
			} else {
				d.setPresent(present)
				if present {
					return nil
				}
			}
		case <-expired:
			return d.timeoutError(op, timeout)
		case <-ctx.Done():
			return d.timeoutError(op, timeout)
		case <-d.interrupt:
			return errInterrupted(op, KindTimeout)
		}

		select {
		case <-ticker.C():
		case <-expired:
			return d.timeoutError(op, timeout)
		case <-ctx.Done():
			return d.timeoutError(op, timeout)
		case <-d.interrupt:
			return errInterrupted(op, KindTimeout)
		}
	}
}

// StartSession connects to the card in the field. It fails CardNotPresent
// without a card and AlreadyConnected while another session is active.
func (d *Device) StartSession(ctx context.Context) (*CardSession, error) {
	const op = "StartSession"
	if err := d.lock(ctx, op); err != nil {
		return nil, err
	}
	defer d.queue.release()

	if d.interrupted() {
		return nil, errInterrupted(op, KindPlatformError)
	}

	d.mu.Lock()
	if d.session != nil && !d.session.isDisposed() {
		d.mu.Unlock()
		return nil, NewError(KindAlreadyConnected, op, "a session is already active on this device")
	}
	d.mu.Unlock()

	present, err := callNative(ctx, d, op, d.interrupt, KindPlatformError, d.reader.CardPresent)
	if err != nil {
		return nil, err
	}
	d.setPresent(present)
	if !present {
		return nil, NewError(KindCardNotPresent, op, "no card in the field")
	}

	ch, err := callNative(ctx, d, op, d.interrupt, KindPlatformError, d.reader.Connect)
	if err != nil {
		if IsCardRemoved(err) {
			d.setPresent(false)
			return nil, WrapError(KindCardNotPresent, op, "card left the field while connecting", err)
		}
		return nil, err
	}

	s := newSession(d, ch)

	d.mu.Lock()
	prev := d.session
	d.session = s
	d.mu.Unlock()

	if prev != nil {
		// Disposed but not yet reaped; its channel is closed here.
		_ = prev.closeChannelLocked(ctx)
	}

	s.logger.Info("Session started")
	return s, nil
}

// Release releases the active session, closes the activation resource
// and drops the device from its platform. It is idempotent; only the first
// call can fail.
func (d *Device) Release() error {
	first := false
	d.releaseOnce.Do(func() {
		first = true
		d.signalInterrupt()
		d.releaseErr = d.release()
	})
	if !first {
		<-d.releasedCh
		return nil
	}
	return d.releaseErr
}

func (d *Device) release() error {
	const op = "Release"

	ctx, cancel := context.WithTimeout(context.Background(), ReleaseTimeout)
	defer cancel()

	locked := d.queue.acquire(ctx) == nil
	if !locked {
		d.logger.Warn("Releasing device without its queue; an operation did not exit")
	}

	var firstErr error

	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s != nil {
		if err := s.releaseLocked(ctx); err != nil && !IsBenign(err) {
			d.logger.Warn("Session release failed", zap.Error(err))
			firstErr = err
		}
	}

	_, err := callNative(ctx, d, op, nil, KindPlatformError, func(context.Context) (struct{}, error) {
		return struct{}{}, d.reader.Close()
	})
	if err != nil && !IsBenign(err) {
		d.logger.Warn("Reader close failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	d.mu.Lock()
	d.released = true
	d.present = false
	d.mu.Unlock()

	if locked {
		d.queue.release()
	}

	d.platform.forget(d)
	close(d.releasedCh)
	d.logger.Info("Device released")
	return firstErr
}

// signalInterrupt cancels in-flight waits and transmits. It is the
// broadcast half of both Release and Interrupt.
func (d *Device) signalInterrupt() {
	d.interruptOnce.Do(func() {
		close(d.interrupt)
		d.mu.Lock()
		s := d.session
		d.mu.Unlock()
		if s != nil {
			s.cancel()
		}
	})
}

// Interrupt forces a lifecycle interruption: pending waits resolve
// Timeout, pending transmits resolve PlatformError, and the device is
// released in the background.
func (d *Device) Interrupt(reason string) {
	if d.isReleased() {
		return
	}
	d.logger.Info("Device interrupted", zap.String("reason", reason))
	d.signalInterrupt()
	go func() {
		if err := d.Release(); err != nil {
			d.logger.Warn("Release after interruption failed", zap.Error(err))
		}
	}()
}

// clearSession empties the active-session slot if it still holds s.
func (d *Device) clearSession(s *CardSession) {
	d.mu.Lock()
	if d.session == s {
		d.session = nil
	}
	d.mu.Unlock()
}

// reap closes the channel of a session disposed by a transport event.
func (d *Device) reap(s *CardSession) {
	ctx, cancel := context.WithTimeout(context.Background(), ReleaseTimeout)
	defer cancel()
	if err := d.queue.acquire(ctx); err != nil {
		d.logger.Warn("Could not reap disposed session", zap.Error(err))
		return
	}
	defer d.queue.release()
	if err := s.releaseLocked(ctx); err != nil && !IsBenign(err) {
		d.logger.Debug("Reaping session failed", zap.Error(err))
	}
}

// handleEvent applies a routed transport event. Session-scoped events for
// an unknown session are dropped.
func (d *Device) handleEvent(ev Event) {
	switch ev.Kind {
	case EventCardPresent:
		d.mu.Lock()
		d.present = true
		d.notified = true
		for w := range d.waiters {
			w.Resolve(struct{}{}, nil)
		}
		d.mu.Unlock()

	case EventCardLost, EventSessionReset:
		d.mu.Lock()
		if ev.Kind == EventCardLost {
			d.present = false
			d.notified = true
		}
		s := d.session
		d.mu.Unlock()

		if s == nil || (ev.Session != "" && s.channelHandle() != ev.Session) {
			if ev.Session != "" {
				d.logger.Debug("Dropping event for unknown session",
					zap.String("kind", string(ev.Kind)), zap.String("session", ev.Session))
			}
			return
		}
		if s.dispose() {
			s.logger.Info("Session disposed by transport", zap.String("kind", string(ev.Kind)))
			go d.reap(s)
		}

	case EventSuspended:
		d.Interrupt(eventReason(ev, "suspended"))

	case EventDeviceRemoved:
		d.Interrupt(eventReason(ev, "device removed"))

	case EventRadioState:
		d.logger.Info("Radio state changed", zap.String("detail", ev.Detail))

	default:
		d.logger.Debug("Ignoring event", zap.String("kind", string(ev.Kind)))
	}
}

func eventReason(ev Event, fallback string) string {
	if ev.Detail != "" {
		return ev.Detail
	}
	return fallback
}

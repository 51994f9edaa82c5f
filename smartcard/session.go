package smartcard

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CardSession is one conversation with the card over a connected channel.
// Its operations share the owning Device's queue.
type CardSession struct {
	device *Device
	handle string
	logger *zap.Logger

	mu       sync.Mutex
	channel  Channel
	disposed bool
	closed   bool

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(d *Device, ch Channel) *CardSession {
	handle := ch.Handle()
	if handle == "" {
		handle = uuid.NewString()
	}
	return &CardSession{
		device:  d,
		handle:  handle,
		logger:  d.logger.With(zap.String("session", handle)),
		channel: ch,
		done:    make(chan struct{}),
	}
}

// Handle identifies the session.
func (s *CardSession) Handle() string { return s.handle }

// Device returns the owning device.
func (s *CardSession) Device() *Device { return s.device }

// Disposed reports whether the session has ended.
func (s *CardSession) Disposed() bool { return s.isDisposed() }

func (s *CardSession) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *CardSession) currentChannel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *CardSession) channelHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return ""
	}
	return s.channel.Handle()
}

// cancel aborts in-flight operations without disposing the session.
func (s *CardSession) cancel() {
	s.doneOnce.Do(func() { close(s.done) })
}

// dispose marks the session ended and aborts in-flight operations. It
// reports whether this call performed the transition.
func (s *CardSession) dispose() bool {
	s.mu.Lock()
	first := !s.disposed
	s.disposed = true
	s.mu.Unlock()
	s.cancel()
	return first
}

// lock takes the device queue and checks the session is still live.
func (s *CardSession) lock(ctx context.Context, op string) error {
	if err := s.device.queue.acquire(ctx); err != nil {
		return s.device.platform.mapError(op, err)
	}
	if s.isDisposed() {
		s.device.queue.release()
		return errSessionReleased(op)
	}
	select {
	case <-s.done:
		s.device.queue.release()
		return errInterrupted(op, KindPlatformError)
	default:
	}
	return nil
}

// ATR returns the answer-to-reset (contact) or answer-to-select
// (contactless) bytes of the card.
func (s *CardSession) ATR(ctx context.Context) ([]byte, error) {
	const op = "ATR"
	if err := s.lock(ctx, op); err != nil {
		return nil, err
	}
	defer s.device.queue.release()

	ch := s.currentChannel()
	atr, err := callNative(ctx, s.device, op, s.done, KindPlatformError, ch.Attributes)
	if err != nil {
		return nil, s.afterFailure(err)
	}
	if len(atr) == 0 {
		return nil, NewError(KindProtocolError, op, "transport returned an empty ATR")
	}
	return atr, nil
}

// Transmit sends one command and returns the card's response.
func (s *CardSession) Transmit(ctx context.Context, cmd CommandAPDU) (ResponseAPDU, error) {
	const op = "Transmit"

	raw, err := EncodeCommand(cmd)
	if err != nil {
		return ResponseAPDU{}, withOp(MapTransportError(err), op)
	}

	if err := s.lock(ctx, op); err != nil {
		return ResponseAPDU{}, err
	}
	defer s.device.queue.release()

	ch := s.currentChannel()
	if max := ch.MaxCommandLength(); max > 0 && len(raw) > max {
		return ResponseAPDU{}, Errorf(KindInvalidParameter, op, "encoded command is %d bytes, link accepts %d", len(raw), max)
	}

	reply, err := callNative(ctx, s.device, op, s.done, KindPlatformError, func(ctx context.Context) ([]byte, error) {
		return ch.Transceive(ctx, raw)
	})
	if err != nil {
		s.logger.Debug("Transmit failed", zap.Stringer("command", cmd), zap.Error(err))
		return ResponseAPDU{}, s.afterFailure(err)
	}

	resp, err := DecodeResponse(reply)
	if err != nil {
		return ResponseAPDU{}, withOp(MapTransportError(err), op)
	}

	s.logger.Debug("APDU exchanged", zap.Stringer("command", cmd), zap.Stringer("response", resp))
	return resp, nil
}

// TransmitRaw sends pre-encoded command bytes after checking they parse as
// a command APDU, and returns the raw response.
func (s *CardSession) TransmitRaw(ctx context.Context, command []byte) ([]byte, error) {
	cmd, err := DecodeCommand(command)
	if err != nil {
		return nil, withOp(MapTransportError(err), "TransmitRaw")
	}
	resp, err := s.Transmit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// afterFailure disposes the session when the card left mid-operation and
// reports the removal as a PlatformError. It runs with the device queue
// held.
func (s *CardSession) afterFailure(err error) error {
	if !IsCardRemoved(err) {
		return err
	}
	s.device.setPresent(false)
	if s.dispose() {
		s.logger.Info("Card removed, session disposed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), ReleaseTimeout)
	defer cancel()
	_ = s.closeChannelLocked(ctx)
	s.device.clearSession(s)

	if e, ok := AsError(err); ok && e.Kind != KindPlatformError {
		return &Error{Kind: KindPlatformError, Reason: ReasonCardRemoved, Op: e.Op, Message: e.Message, Cause: e.Cause}
	}
	return err
}

// Reset resets the card, in place when the channel supports it and
// otherwise by closing and re-establishing the channel. The device's
// activation is left untouched. It fails CardNotPresent when the card is gone, in
// which case the session is disposed.
func (s *CardSession) Reset(ctx context.Context) error {
	const op = "Reset"
	if err := s.lock(ctx, op); err != nil {
		return err
	}
	defer s.device.queue.release()

	d := s.device
	old := s.currentChannel()
	if r, ok := old.(ChannelResetter); ok {
		_, err := callNative(ctx, d, op, s.done, KindPlatformError, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.ResetCard(ctx)
		})
		if err == nil {
			s.logger.Info("Session reset in place")
			return nil
		}
		if IsInterrupted(err) {
			return err
		}
		s.logger.Debug("In-place reset failed, reconnecting", zap.Error(err))
	}

	if _, err := callNative(ctx, d, op, s.done, KindPlatformError, func(context.Context) (struct{}, error) {
		return struct{}{}, old.Disconnect()
	}); err != nil {
		if IsInterrupted(err) {
			return err
		}
		s.logger.Debug("Disconnect during reset failed", zap.Error(err))
	}

	present, err := callNative(ctx, d, op, s.done, KindPlatformError, d.reader.CardPresent)
	if err == nil && !present {
		err = NewError(KindCardNotPresent, op, "card no longer in the field")
	}
	var ch Channel
	if err == nil {
		ch, err = callNative(ctx, d, op, s.done, KindPlatformError, d.reader.Connect)
	}
	if err != nil {
		if IsInterrupted(err) {
			return err
		}
		d.setPresent(present)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.dispose()
		d.clearSession(s)
		if IsKind(err, KindCardNotPresent) {
			return err
		}
		if IsCardRemoved(err) {
			return WrapError(KindCardNotPresent, op, "card left the field during reset", err)
		}
		return err
	}

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
	s.logger.Info("Session reset")
	return nil
}

// Release ends the session, closes its channel and frees the device's
// session slot. It is idempotent.
func (s *CardSession) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), ReleaseTimeout)
	defer cancel()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	if err := s.device.queue.acquire(ctx); err != nil {
		return s.device.platform.mapError("Release", err)
	}
	defer s.device.queue.release()
	return s.releaseLocked(ctx)
}

// releaseLocked runs with the device queue held.
func (s *CardSession) releaseLocked(ctx context.Context) error {
	first := s.dispose()
	err := s.closeChannelLocked(ctx)
	s.device.clearSession(s)
	if first {
		s.logger.Info("Session released")
	}
	if err != nil && !IsBenign(err) {
		return err
	}
	return nil
}

// closeChannelLocked disconnects the channel once.
func (s *CardSession) closeChannelLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.channel == nil {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.channel
	s.mu.Unlock()

	_, err := callNative(ctx, s.device, "Release", nil, KindPlatformError, func(context.Context) (struct{}, error) {
		return struct{}{}, ch.Disconnect()
	})
	return err
}

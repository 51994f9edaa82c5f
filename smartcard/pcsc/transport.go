// Package pcsc drives contact and dual-interface readers through the
// platform PC/SC service (pcsc-lite, winscard).
package pcsc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/smartcard"
)

const (
	// enumRetries bounds context re-establishment when the service restarts.
	enumRetries = 3

	maxShortCommand    = 4 + 1 + smartcard.MaxShortLc + 1
	maxExtendedCommand = 4 + 3 + smartcard.MaxExtendedLc + 2
)

// Transport enumerates readers through one shared PC/SC context. Each
// opened Reader owns a context of its own, so closing it cancels only its
// calls.
type Transport struct {
	logger *zap.Logger

	mu  sync.Mutex
	ctx *scard.Context
}

// New creates a PC/SC transport. The service is contacted lazily.
func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{logger: logger.Named("pcsc")}
}

// Name identifies the transport in device ids.
func (t *Transport) Name() string { return "pcsc" }

// ensureContext returns a live enumeration context, re-establishing it when
// the service went away underneath it.
func (t *Transport) ensureContext() (*scard.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx != nil {
		_, err := t.ctx.ListReaders()
		if err == nil || errors.Is(err, scard.ErrNoReadersAvailable) {
			return t.ctx, nil
		}
		_ = t.ctx.Release()
		t.ctx = nil
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	t.ctx = ctx
	return ctx, nil
}

// ListDevices lists the attached PC/SC readers. No readers is an empty list.
func (t *Transport) ListDevices(ctx context.Context) ([]smartcard.DeviceInfo, error) {
	var lastErr error
	for i := 0; i < enumRetries; i++ {
		sctx, err := t.ensureContext()
		if err == nil {
			var readers []string
			readers, err = sctx.ListReaders()
			if err == nil {
				return describe(readers), nil
			}
		}
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, err
		}
		lastErr = err
		t.logger.Debug("Listing readers failed, retrying", zap.Int("attempt", i+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("listing PC/SC readers after %d attempts: %w", enumRetries, lastErr)
}

func describe(readers []string) []smartcard.DeviceInfo {
	infos := make([]smartcard.DeviceInfo, 0, len(readers))
	for _, name := range readers {
		// SAM slots never hold a user card.
		if strings.Contains(strings.ToUpper(name), "SAM") {
			continue
		}
		infos = append(infos, smartcard.DeviceInfo{
			ID:           name,
			Name:         name,
			SupportsAPDU: true,
			Protocol:     guessProtocol(name),
			Transport:    smartcard.TransportUSB,
		})
	}
	return infos
}

var contactlessPatterns = []string{"PICC", "CONTACTLESS", "NFC", "ACR122", "ACR1252", "ACR1255", " CL ", "5022", "SCL"}

// guessProtocol infers the card link from the reader name. Dual-interface
// readers expose separate contact and PICC slots.
func guessProtocol(name string) smartcard.Protocol {
	upper := " " + strings.ToUpper(name) + " "
	for _, p := range contactlessPatterns {
		if strings.Contains(upper, p) {
			return smartcard.ProtocolContactless
		}
	}
	return smartcard.ProtocolContact
}

// OpenReader gives the reader its own context so Close can cancel its calls.
func (t *Transport) OpenReader(ctx context.Context, id string) (smartcard.Reader, error) {
	sctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	r := &reader{ctx: sctx, name: id, logger: t.logger.With(zap.String("reader", id))}

	// Fail now, not on the first probe, if the reader is gone.
	if _, err := r.status(); err != nil {
		_ = sctx.Release()
		return nil, err
	}
	return r, nil
}

// Close releases the enumeration context.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return nil
	}
	err := t.ctx.Release()
	t.ctx = nil
	return err
}

type reader struct {
	ctx    *scard.Context
	name   string
	logger *zap.Logger
}

func (r *reader) status() (scard.StateFlag, error) {
	states := []scard.ReaderState{{Reader: r.name, CurrentState: scard.StateUnaware}}
	if err := r.ctx.GetStatusChange(states, 0); err != nil && !errors.Is(err, scard.ErrTimeout) {
		return 0, err
	}
	state := states[0].EventState
	if state&(scard.StateUnavailable|scard.StateUnknown|scard.StateIgnore) != 0 {
		return state, scard.ErrReaderUnavailable
	}
	return state, nil
}

func (r *reader) Available() bool {
	_, err := r.status()
	return err == nil
}

func (r *reader) CardPresent(ctx context.Context) (bool, error) {
	state, err := r.status()
	if err != nil {
		return false, err
	}
	return state&scard.StatePresent != 0 && state&scard.StateMute == 0, nil
}

func (r *reader) Connect(ctx context.Context) (smartcard.Channel, error) {
	card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, err
	}

	// scard panics on transmit with an unknown protocol.
	proto := card.ActiveProtocol()
	if proto != scard.ProtocolT0 && proto != scard.ProtocolT1 {
		_ = card.Disconnect(scard.LeaveCard)
		return nil, fmt.Errorf("unsupported card protocol %d: %w", proto, scard.ErrProtoMismatch)
	}

	r.logger.Debug("Card connected", zap.Uint32("protocol", uint32(proto)))
	return &channel{card: card, protocol: proto}, nil
}

// Close cancels any blocking call on the reader's context and releases it.
func (r *reader) Close() error {
	_ = r.ctx.Cancel()
	return r.ctx.Release()
}

type channel struct {
	card     *scard.Card
	protocol scard.Protocol
}

// Handle is empty: PC/SC emits no session-scoped events.
func (c *channel) Handle() string { return "" }

func (c *channel) Transceive(ctx context.Context, command []byte) ([]byte, error) {
	return c.card.Transmit(command)
}

func (c *channel) Attributes(ctx context.Context) ([]byte, error) {
	st, err := c.card.Status()
	if err != nil {
		return nil, err
	}
	return st.Atr, nil
}

// MaxCommandLength allows extended APDUs on T=1 only; T=0 cannot carry them
// without ENVELOPE chaining.
func (c *channel) MaxCommandLength() int {
	if c.protocol == scard.ProtocolT1 {
		return maxExtendedCommand
	}
	return maxShortCommand
}

// ResetCard warm-resets the card over the existing handle.
func (c *channel) ResetCard(ctx context.Context) error {
	if err := c.card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.ResetCard); err != nil {
		return err
	}
	proto := c.card.ActiveProtocol()
	if proto != scard.ProtocolT0 && proto != scard.ProtocolT1 {
		return fmt.Errorf("unsupported card protocol %d after reset: %w", proto, scard.ErrProtoMismatch)
	}
	c.protocol = proto
	return nil
}

var _ smartcard.ChannelResetter = (*channel)(nil)

func (c *channel) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}

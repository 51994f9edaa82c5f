// Package libnfc drives contactless readers (PN53x, ACR122 in direct mode,
// UART modules) through libnfc. Cards are reached as ISO 14443-4 targets.
package libnfc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/smartcard"
)

const (
	enumRetries = 3

	// PN53x frames carry short APDUs only.
	maxCommand = 4 + 1 + smartcard.MaxShortLc + 1
	rxBuffer   = 262
)

var modulation = nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}

// Transport enumerates libnfc connection strings.
type Transport struct {
	logger *zap.Logger
}

// New creates a libnfc transport.
func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{logger: logger.Named("libnfc")}
}

// Name identifies the transport in device ids.
func (t *Transport) Name() string { return "libnfc" }

// ListDevices enumerates the libnfc devices that can be opened.
func (t *Transport) ListDevices(ctx context.Context) ([]smartcard.DeviceInfo, error) {
	var conns []string
	var err error
	for i := 0; i < enumRetries; i++ {
		conns, err = nfc.ListDevices()
		if err == nil {
			break
		}
		t.logger.Debug("Listing devices failed, retrying", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("listing NFC devices after %d attempts: %w", enumRetries, err)
	}

	infos := make([]smartcard.DeviceInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, smartcard.DeviceInfo{
			ID:           conn,
			Name:         conn,
			SupportsAPDU: true,
			Protocol:     smartcard.ProtocolContactless,
			Transport:    transportKind(conn),
		})
	}
	return infos, nil
}

// transportKind reads the driver prefix of a connection string such as
// "pn532_uart:/dev/ttyUSB0" or "pn53x_usb:001:004".
func transportKind(conn string) smartcard.TransportKind {
	driver, _, _ := strings.Cut(strings.ToLower(conn), ":")
	switch {
	case strings.HasSuffix(driver, "_uart"), strings.HasSuffix(driver, "_i2c"), strings.HasSuffix(driver, "_spi"):
		return smartcard.TransportSerial
	case strings.HasSuffix(driver, "_usb"), driver == "acr122_pcsc", driver == "acr122_usb":
		return smartcard.TransportUSB
	default:
		return smartcard.TransportUnknown
	}
}

// OpenReader opens the device and puts it in initiator mode.
func (t *Transport) OpenReader(ctx context.Context, id string) (smartcard.Reader, error) {
	dev, err := nfc.Open(id)
	if err != nil {
		return nil, err
	}
	if err := dev.InitiatorInit(); err != nil {
		_ = dev.Close()
		return nil, err
	}
	t.logger.Info("Device opened", zap.String("connection", id), zap.String("name", dev.String()))
	return &reader{dev: dev, logger: t.logger.With(zap.String("connection", id))}, nil
}

type reader struct {
	dev    nfc.Device
	logger *zap.Logger

	mu     sync.Mutex
	target nfc.Target
	lost   bool
}

// Available reports false once the device stopped answering.
func (r *reader) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lost
}

func (r *reader) noteErr(err error) error {
	if code, ok := err.(nfc.Error); ok && (code == nfc.EIO || code == nfc.ENOTSUCHDEV) {
		r.mu.Lock()
		r.lost = true
		r.mu.Unlock()
	}
	return err
}

// CardPresent checks the selected target while a channel is open, and
// polls the field otherwise.
func (r *reader) CardPresent(ctx context.Context) (bool, error) {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()

	if target != nil {
		if err := r.dev.InitiatorTargetIsPresent(target); err != nil {
			if code, ok := err.(nfc.Error); ok && code == nfc.ETGRELEASED {
				return false, nil
			}
			return false, r.noteErr(err)
		}
		return true, nil
	}

	targets, err := r.dev.InitiatorListPassiveTargets(modulation)
	if err != nil {
		return false, r.noteErr(err)
	}
	for _, tg := range targets {
		if a, ok := tg.(*nfc.ISO14443aTarget); ok && a.Sak&0x20 != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (r *reader) Connect(ctx context.Context) (smartcard.Channel, error) {
	cardType := r.identify()

	tg, err := r.dev.InitiatorSelectPassiveTarget(modulation, nil)
	if err != nil {
		return nil, r.noteErr(err)
	}
	a, ok := tg.(*nfc.ISO14443aTarget)
	if !ok || a.Sak&0x20 == 0 {
		_ = r.dev.InitiatorDeselectTarget()
		return nil, smartcard.Errorf(smartcard.KindUnsupportedOperation, "Connect",
			"target %s does not speak ISO 14443-4", cardType)
	}

	r.mu.Lock()
	r.target = tg
	r.mu.Unlock()

	ats := append([]byte(nil), a.Ats[:a.AtsLen]...)
	r.logger.Debug("Target selected", zap.String("cardType", cardType), zap.Binary("ats", ats))
	return &channel{reader: r, ats: ats, cardType: cardType}, nil
}

// identify names the card family through freefare. It is best effort.
func (r *reader) identify() string {
	tags, err := freefare.GetTags(r.dev)
	if err != nil || len(tags) == 0 {
		return "ISO 14443-4"
	}
	return cardTypeName(tags[0].Type())
}

func cardTypeName(t int) string {
	switch t {
	case freefare.Classic1k:
		return "MIFARE Classic 1K"
	case freefare.Classic4k:
		return "MIFARE Classic 4K"
	case freefare.Ultralight:
		return "MIFARE Ultralight"
	case freefare.UltralightC:
		return "MIFARE Ultralight C"
	case freefare.DESFire:
		return "MIFARE DESFire"
	default:
		return "ISO 14443-4"
	}
}

func (r *reader) Close() error {
	r.mu.Lock()
	r.target = nil
	r.mu.Unlock()
	return r.dev.Close()
}

type channel struct {
	reader   *reader
	ats      []byte
	cardType string
}

// Handle is empty: libnfc emits no session-scoped events.
func (c *channel) Handle() string { return "" }

// CardType names the card family detected at connect time.
func (c *channel) CardType() string { return c.cardType }

func (c *channel) Transceive(ctx context.Context, command []byte) ([]byte, error) {
	timeout := -1
	if deadline, ok := ctx.Deadline(); ok {
		timeout = int(time.Until(deadline) / time.Millisecond)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	var rx [rxBuffer]byte
	n, err := c.reader.dev.InitiatorTransceiveBytes(command, rx[:], timeout)
	if err != nil {
		return nil, c.reader.noteErr(err)
	}
	return append([]byte(nil), rx[:n]...), nil
}

func (c *channel) Attributes(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), c.ats...), nil
}

func (c *channel) MaxCommandLength() int { return maxCommand }

func (c *channel) Disconnect() error {
	c.reader.mu.Lock()
	c.reader.target = nil
	c.reader.mu.Unlock()
	return c.reader.noteErr(c.reader.dev.InitiatorDeselectTarget())
}

package pcsc

import (
	"errors"

	"github.com/ebfe/scard"

	"github.com/nedpals/davi-card-agent/smartcard"
)

type classification struct {
	kind    smartcard.Kind
	reason  smartcard.Reason
	message string
}

// codes maps PC/SC return codes onto the canonical taxonomy.
var codes = map[scard.Error]classification{
	scard.ErrRemovedCard:        {smartcard.KindPlatformError, smartcard.ReasonCardRemoved, "card removed during operation"},
	scard.ErrResetCard:          {smartcard.KindPlatformError, smartcard.ReasonCardRemoved, "card was reset by another application"},
	scard.ErrUnpoweredCard:      {smartcard.KindPlatformError, smartcard.ReasonCardRemoved, "card is unpowered"},
	scard.ErrNoSmartcard:        {smartcard.KindCardNotPresent, smartcard.ReasonCardRemoved, "no card in the reader"},
	scard.ErrUnresponsiveCard:   {smartcard.KindCardNotPresent, smartcard.ReasonNone, "card does not respond to reset"},
	scard.ErrNoReadersAvailable: {smartcard.KindNoReaders, smartcard.ReasonNone, "no readers available"},
	scard.ErrReaderUnavailable:  {smartcard.KindReaderError, smartcard.ReasonDeviceGone, "reader is no longer available"},
	scard.ErrUnknownReader:      {smartcard.KindReaderError, smartcard.ReasonDeviceGone, "unknown reader"},
	scard.ErrSharingViolation:   {smartcard.KindReaderError, smartcard.ReasonPermissionDenied, "reader in exclusive use elsewhere"},
	scard.ErrSecurityViolation:  {smartcard.KindPlatformError, smartcard.ReasonPermissionDenied, "security violation"},
	scard.ErrInvalidHandle:      {smartcard.KindPlatformError, smartcard.ReasonChannelClosed, "card handle no longer valid"},
	scard.ErrTimeout:            {smartcard.KindTimeout, smartcard.ReasonNone, "PC/SC timeout"},
	scard.ErrCancelled:          {smartcard.KindPlatformError, smartcard.ReasonInterrupted, "call cancelled"},
	scard.ErrCommError:          {smartcard.KindTransmissionError, smartcard.ReasonNone, "reader communication error"},
	scard.ErrCommDataLost:       {smartcard.KindTransmissionError, smartcard.ReasonNone, "communication data lost"},
	scard.ErrNotTransacted:      {smartcard.KindTransmissionError, smartcard.ReasonNone, "transaction failed"},
	scard.ErrProtoMismatch:      {smartcard.KindProtocolError, smartcard.ReasonNone, "card protocol mismatch"},
	scard.ErrInvalidAtr:         {smartcard.KindProtocolError, smartcard.ReasonNone, "invalid ATR"},
	scard.ErrInvalidParameter:   {smartcard.KindInvalidParameter, smartcard.ReasonNone, "invalid parameter"},
	scard.ErrInvalidValue:       {smartcard.KindInvalidParameter, smartcard.ReasonNone, "invalid value"},
	scard.ErrInsufficientBuffer: {smartcard.KindResourceLimit, smartcard.ReasonNone, "receive buffer too small"},
	scard.ErrNoMemory:           {smartcard.KindResourceLimit, smartcard.ReasonNone, "out of memory"},
	scard.ErrUnsupportedFeature: {smartcard.KindUnsupportedOperation, smartcard.ReasonNone, "feature not supported by reader"},
	scard.ErrUnsupportedCard:    {smartcard.KindUnsupportedOperation, smartcard.ReasonNone, "card not supported"},
	scard.ErrNoService:          {smartcard.KindPlatformError, smartcard.ReasonNone, "PC/SC service not running"},
	scard.ErrServiceStopped:     {smartcard.KindPlatformError, smartcard.ReasonDeviceGone, "PC/SC service stopped"},
}

// ClassifyError maps scard return codes. Other errors fall through to the
// engine's signature table.
func (t *Transport) ClassifyError(err error) (*smartcard.Error, bool) {
	return classify(err)
}

func classify(err error) (*smartcard.Error, bool) {
	var code scard.Error
	if !errors.As(err, &code) {
		return nil, false
	}
	c, ok := codes[code]
	if !ok {
		return nil, false
	}
	return &smartcard.Error{Kind: c.kind, Reason: c.reason, Message: c.message, Cause: err}, true
}

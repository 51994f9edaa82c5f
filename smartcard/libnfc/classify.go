package libnfc

import (
	"errors"

	"github.com/clausecker/nfc/v2"

	"github.com/nedpals/davi-card-agent/smartcard"
)

type classification struct {
	kind    smartcard.Kind
	reason  smartcard.Reason
	message string
}

var codes = map[nfc.Error]classification{
	nfc.EIO:          {smartcard.KindReaderError, smartcard.ReasonDeviceGone, "device input/output error"},
	nfc.ENOTSUCHDEV:  {smartcard.KindReaderError, smartcard.ReasonDeviceGone, "no such device"},
	nfc.EINVARG:      {smartcard.KindInvalidParameter, smartcard.ReasonNone, "invalid argument"},
	nfc.EDEVNOTSUPP:  {smartcard.KindUnsupportedOperation, smartcard.ReasonNone, "operation not supported by device"},
	nfc.ENOTIMPL:     {smartcard.KindUnsupportedOperation, smartcard.ReasonNone, "not implemented"},
	nfc.EOVFLOW:      {smartcard.KindResourceLimit, smartcard.ReasonNone, "buffer overflow"},
	nfc.ETIMEOUT:     {smartcard.KindTimeout, smartcard.ReasonNone, "operation timed out"},
	nfc.EOPABORTED:   {smartcard.KindPlatformError, smartcard.ReasonInterrupted, "operation aborted"},
	nfc.ETGRELEASED:  {smartcard.KindPlatformError, smartcard.ReasonCardRemoved, "target released"},
	nfc.ERFTRANS:     {smartcard.KindTransmissionError, smartcard.ReasonNone, "RF transmission error"},
	nfc.EMFCAUTHFAIL: {smartcard.KindPlatformError, smartcard.ReasonPermissionDenied, "MIFARE authentication failed"},
	nfc.ECHIP:        {smartcard.KindReaderError, smartcard.ReasonNone, "device chip error"},
}

// ClassifyError maps libnfc error codes onto the canonical taxonomy.
func (t *Transport) ClassifyError(err error) (*smartcard.Error, bool) {
	var code nfc.Error
	if !errors.As(err, &code) {
		return nil, false
	}
	c, ok := codes[code]
	if !ok {
		return nil, false
	}
	return &smartcard.Error{Kind: c.kind, Reason: c.reason, Message: c.message, Cause: err}, true
}

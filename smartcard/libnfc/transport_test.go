package libnfc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"

	"github.com/nedpals/davi-card-agent/smartcard"
)

func TestTransportKind(t *testing.T) {
	tests := []struct {
		conn string
		want smartcard.TransportKind
	}{
		{"pn532_uart:/dev/ttyUSB0", smartcard.TransportSerial},
		{"pn532_i2c:/dev/i2c-1", smartcard.TransportSerial},
		{"pn53x_usb:001:004", smartcard.TransportUSB},
		{"ACR122_USB:002:003", smartcard.TransportUSB},
		{"acr122_pcsc:ACS ACR122U", smartcard.TransportUSB},
		{"something", smartcard.TransportUnknown},
	}
	for _, tt := range tests {
		if got := transportKind(tt.conn); got != tt.want {
			t.Errorf("transportKind(%q) = %v, want %v", tt.conn, got, tt.want)
		}
	}
}

func TestCardTypeName(t *testing.T) {
	if got := cardTypeName(freefare.DESFire); got != "MIFARE DESFire" {
		t.Errorf("cardTypeName(DESFire) = %q", got)
	}
	if got := cardTypeName(-1); got != "ISO 14443-4" {
		t.Errorf("cardTypeName(-1) = %q", got)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		kind   smartcard.Kind
		reason smartcard.Reason
	}{
		{nfc.Error(nfc.ENOTSUCHDEV), smartcard.KindReaderError, smartcard.ReasonDeviceGone},
		{fmt.Errorf("transceive: %w", nfc.Error(nfc.ETGRELEASED)), smartcard.KindPlatformError, smartcard.ReasonCardRemoved},
		{nfc.Error(nfc.ETIMEOUT), smartcard.KindTimeout, smartcard.ReasonNone},
		{nfc.Error(nfc.ERFTRANS), smartcard.KindTransmissionError, smartcard.ReasonNone},
		{nfc.Error(nfc.EOVFLOW), smartcard.KindResourceLimit, smartcard.ReasonNone},
	}

	tr := New(nil)
	for _, tt := range tests {
		got, ok := tr.ClassifyError(tt.err)
		if !ok {
			t.Errorf("ClassifyError(%v) not classified", tt.err)
			continue
		}
		if got.Kind != tt.kind || got.Reason != tt.reason {
			t.Errorf("ClassifyError(%v) = %v/%v, want %v/%v", tt.err, got.Kind, got.Reason, tt.kind, tt.reason)
		}
	}

	if _, ok := tr.ClassifyError(errors.New("plain")); ok {
		t.Error("ClassifyError() classified a non-libnfc error")
	}
}

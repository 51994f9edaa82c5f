package pcsc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ebfe/scard"
	"github.com/google/go-cmp/cmp"

	"github.com/nedpals/davi-card-agent/smartcard"
)

func TestGuessProtocol(t *testing.T) {
	tests := []struct {
		name string
		want smartcard.Protocol
	}{
		{"ACS ACR122U PICC Interface 00 00", smartcard.ProtocolContactless},
		{"Identiv uTrust 3700 F CL Reader 00 00", smartcard.ProtocolContactless},
		{"HID Global OMNIKEY 5022 Smart Card Reader 00 00", smartcard.ProtocolContactless},
		{"Alcor Micro AU9540 00 00", smartcard.ProtocolContact},
		{"Gemalto PC Twin Reader 00 00", smartcard.ProtocolContact},
	}

	for _, tt := range tests {
		if got := guessProtocol(tt.name); got != tt.want {
			t.Errorf("guessProtocol(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	got := describe([]string{
		"ACS ACR1252 1S CL Reader PICC 00 00",
		"ACS ACR1252 1S CL Reader SAM 00 01",
		"Gemalto PC Twin Reader 00 00",
	})
	want := []smartcard.DeviceInfo{
		{
			ID:           "ACS ACR1252 1S CL Reader PICC 00 00",
			Name:         "ACS ACR1252 1S CL Reader PICC 00 00",
			SupportsAPDU: true,
			Protocol:     smartcard.ProtocolContactless,
			Transport:    smartcard.TransportUSB,
		},
		{
			ID:           "Gemalto PC Twin Reader 00 00",
			Name:         "Gemalto PC Twin Reader 00 00",
			SupportsAPDU: true,
			Protocol:     smartcard.ProtocolContact,
			Transport:    smartcard.TransportUSB,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("describe() mismatch (-want +got):\n%s", diff)
	}

	if got := describe(nil); got == nil || len(got) != 0 {
		t.Errorf("describe(nil) = %#v, want empty slice", got)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		kind   smartcard.Kind
		reason smartcard.Reason
	}{
		{scard.ErrRemovedCard, smartcard.KindPlatformError, smartcard.ReasonCardRemoved},
		{fmt.Errorf("transmit: %w", scard.ErrResetCard), smartcard.KindPlatformError, smartcard.ReasonCardRemoved},
		{scard.ErrNoSmartcard, smartcard.KindCardNotPresent, smartcard.ReasonCardRemoved},
		{scard.ErrNoReadersAvailable, smartcard.KindNoReaders, smartcard.ReasonNone},
		{scard.ErrReaderUnavailable, smartcard.KindReaderError, smartcard.ReasonDeviceGone},
		{scard.ErrTimeout, smartcard.KindTimeout, smartcard.ReasonNone},
		{scard.ErrCommError, smartcard.KindTransmissionError, smartcard.ReasonNone},
		{scard.ErrInsufficientBuffer, smartcard.KindResourceLimit, smartcard.ReasonNone},
		{scard.ErrSharingViolation, smartcard.KindReaderError, smartcard.ReasonPermissionDenied},
	}

	tr := New(nil)
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, ok := tr.ClassifyError(tt.err)
			if !ok {
				t.Fatalf("ClassifyError(%v) not classified", tt.err)
			}
			if got.Kind != tt.kind || got.Reason != tt.reason {
				t.Errorf("ClassifyError(%v) = %v/%v, want %v/%v", tt.err, got.Kind, got.Reason, tt.kind, tt.reason)
			}
		})
	}

	if _, ok := tr.ClassifyError(errors.New("plain")); ok {
		t.Error("ClassifyError() classified a non-scard error")
	}
}

func TestClassifyError_ThroughEngine(t *testing.T) {
	mapped := smartcard.MapTransportError(scard.ErrRemovedCard, New(nil))
	if !smartcard.IsCardRemoved(mapped) || !smartcard.IsBenign(mapped) {
		t.Errorf("MapTransportError(ErrRemovedCard) = %v, want benign card removal", mapped)
	}
}

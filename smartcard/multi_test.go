package smartcard

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMultiTransport_Registration(t *testing.T) {
	a := NewMockTransport("r0")
	mt := NewMultiTransport(
		TransportEntry{Name: "usb", Transport: a},
		TransportEntry{Name: "", Transport: a},
		TransportEntry{Name: "usb", Transport: NewMockTransport("r1")},
		TransportEntry{Name: "bad:name", Transport: a},
	)

	if diff := cmp.Diff([]string{"usb"}, mt.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	if err := mt.Add("phone", nil); err == nil {
		t.Error("Add(nil transport) succeeded")
	}
	if got, ok := mt.Get("usb"); !ok || got != a {
		t.Errorf("Get(usb) = %v, %v", got, ok)
	}
}

func TestMultiTransport_ListDevices(t *testing.T) {
	ctx := context.Background()
	broken := NewMockTransport("x")
	broken.ListDevicesError = errors.New("service stopped")
	empty := NewMockTransport()
	empty.ListDevicesError = errors.New("no readers available")

	mt := NewMultiTransport(
		TransportEntry{Name: "usb", Transport: NewMockTransport("r0", "r1")},
		TransportEntry{Name: "phone", Transport: NewMockEventTransport("pixel")},
		TransportEntry{Name: "broken", Transport: broken},
		TransportEntry{Name: "empty", Transport: empty},
	)

	infos, err := mt.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	var ids []string
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"phone:pixel", "usb:r0", "usb:r1"}, ids); diff != "" {
		t.Errorf("ListDevices() ids mismatch (-want +got):\n%s", diff)
	}

	only := NewMultiTransport(TransportEntry{Name: "broken", Transport: broken})
	if _, err := only.ListDevices(ctx); err == nil {
		t.Error("ListDevices() with every child failing returned no error")
	}
}

func TestMultiTransport_MixedPlatform(t *testing.T) {
	ctx := context.Background()
	usb := NewMockTransport("r0")
	phone := NewMockEventTransport("pixel")
	mt := NewMultiTransport(
		TransportEntry{Name: "usb", Transport: usb},
		TransportEntry{Name: "phone", Transport: phone},
	)
	p := newTestPlatform(t, mt, WithPollInterval(10*time.Millisecond))

	if !p.EventDriven() {
		t.Fatal("EventDriven() = false for a transport set with an event source")
	}

	if _, err := p.AcquireDevice(ctx, "r0"); !errors.Is(err, ErrReader) {
		t.Errorf("AcquireDevice(unprefixed) error = %v, want ReaderError", err)
	}

	polled := mustAcquire(t, p, "usb:r0")
	evented := mustAcquire(t, p, "phone:pixel")

	waits := make(chan error, 2)
	go func() { waits <- polled.WaitForCardPresence(ctx, 3*time.Second) }()
	go func() { waits <- evented.WaitForCardPresence(ctx, 3*time.Second) }()

	time.Sleep(30 * time.Millisecond)
	usb.InsertCard("r0")
	phone.InsertCard("pixel")

	for i := 0; i < 2; i++ {
		select {
		case err := <-waits:
			if err != nil {
				t.Errorf("WaitForCardPresence() error = %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("WaitForCardPresence() did not resolve")
		}
	}

	s, err := evented.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	phone.RemoveCard("pixel")
	waitFor(t, "re-tagged card-lost event", s.Disposed)
}

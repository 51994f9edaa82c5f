package smartcard

import (
	"context"
	"time"
)

// Protocol is the device-to-card link.
type Protocol string

const (
	ProtocolContact     Protocol = "contact"
	ProtocolContactless Protocol = "contactless"
)

// TransportKind is the platform-to-device link.
type TransportKind string

const (
	TransportUSB        TransportKind = "usb"
	TransportSerial     TransportKind = "serial"
	TransportIntegrated TransportKind = "integrated"
	TransportNetwork    TransportKind = "network"
	TransportUnknown    TransportKind = "unknown"
)

// DeviceInfo describes one enumerated reader or radio. It is re-derived on
// every enumeration and has no lifecycle of its own.
type DeviceInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	SupportsAPDU bool          `json:"supportsApdu"`
	SupportsHCE  bool          `json:"supportsHce"`
	Protocol     Protocol      `json:"protocol"`
	Transport    TransportKind `json:"transport"`
}

// Transport is a backend driver: PC/SC, libnfc, phone radios or the mock.
type Transport interface {
	Name() string

	// ListDevices enumerates the devices currently attached.
	ListDevices(ctx context.Context) ([]DeviceInfo, error)

	// OpenReader takes the device's activation resource (the reader
	// handle, or the phone's reader mode) for exclusive use.
	OpenReader(ctx context.Context, id string) (Reader, error)
}

// Reader is an opened device. Implementations need not be safe for
// concurrent use; the engine serializes every call on one Reader and on
// the Channels it returns.
type Reader interface {
	// Available is a cheap capability check, e.g. radio enabled.
	Available() bool

	// CardPresent probes for a card without waiting for one.
	CardPresent(ctx context.Context) (bool, error)

	// Connect establishes a channel to the card in the field.
	Connect(ctx context.Context) (Channel, error)

	// Close releases the activation resource.
	Close() error
}

// Channel is a live link to one card.
type Channel interface {
	// Handle identifies the channel in transport events. It may be empty
	// for transports that never emit session-scoped events.
	Handle() string
	Transceive(ctx context.Context, command []byte) ([]byte, error)
	// Attributes returns the ATR (contact) or ATS (contactless).
	Attributes(ctx context.Context) ([]byte, error)
	// MaxCommandLength is the largest encoded command the link accepts.
	MaxCommandLength() int
	Disconnect() error
}

// ChannelResetter is implemented by channels that can reset the card
// without closing the link, as PC/SC does with a warm reconnect.
type ChannelResetter interface {
	ResetCard(ctx context.Context) error
}

// PresenceNotifier is implemented by readers that report card presence
// through transport events instead of being polled. Readers that do not
// implement it follow their transport: event-driven if it is an
// EventSource.
type PresenceNotifier interface {
	NotifiesPresence() bool
}

// EventSource is implemented by event-driven transports.
type EventSource interface {
	// Subscribe registers fn for every transport event. fn must not block.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// EventKind classifies asynchronous transport notifications.
type EventKind string

const (
	EventCardPresent   EventKind = "cardPresent"
	EventCardLost      EventKind = "cardLost"
	EventSessionReset  EventKind = "sessionReset"
	EventSuspended     EventKind = "suspended"
	EventRadioState    EventKind = "radioState"
	EventDeviceAdded   EventKind = "deviceAdded"
	EventDeviceRemoved EventKind = "deviceRemoved"
)

// Event is a transport notification tagged with the device id and,
// optionally, the channel handle it concerns.
type Event struct {
	Kind    EventKind `json:"kind"`
	Device  string    `json:"device"`
	Session string    `json:"session,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

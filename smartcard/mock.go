package smartcard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMockATR is the ATR the emulated card reports: a PC/SC
// contactless storage card header.
var DefaultMockATR = []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x68}

// MockTransport is an in-memory transport with one emulated card per
// device. It is poll-based; NewMockEventTransport wraps it as an
// event-driven transport.
//
// Example:
//
//	mt := smartcard.NewMockTransport("r0")
//	mt.InsertCard("r0")
//	p := smartcard.New(mt)
type MockTransport struct {
	// DeviceList is returned by ListDevices.
	DeviceList []DeviceInfo

	// ListDevicesError, if set, is returned by ListDevices.
	ListDevicesError error

	// OpenReaderError, if set, is returned by OpenReader.
	OpenReaderError error

	// TransceiveError, if set, is returned by every Transceive.
	TransceiveError error

	// TransceiveGate, if set, makes Transceive wait until it is closed.
	TransceiveGate chan struct{}

	// ATR is returned by Attributes. Defaults to DefaultMockATR.
	ATR []byte

	// MaxCommand bounds the encoded command length. Zero means 261.
	MaxCommand int

	// Responder answers commands. Defaults to EmulatedCard.
	Responder func(command []byte) ([]byte, error)

	// RadioOff makes every reader report unavailable.
	RadioOff bool

	// CallLog records every primitive invoked, for verification.
	CallLog []string

	mu        sync.Mutex
	eventMode bool
	cards     map[string]bool
	channels  map[string]*mockChannel
	nextCh    int
	subs      map[int]func(Event)
	nextSub   int
}

// NewMockTransport creates a transport with one contactless device per id.
func NewMockTransport(ids ...string) *MockTransport {
	m := &MockTransport{
		cards:    make(map[string]bool),
		channels: make(map[string]*mockChannel),
		subs:     make(map[int]func(Event)),
	}
	for _, id := range ids {
		m.DeviceList = append(m.DeviceList, DeviceInfo{
			ID:           id,
			Name:         "Emulated reader " + id,
			SupportsAPDU: true,
			Protocol:     ProtocolContactless,
			Transport:    TransportIntegrated,
		})
	}
	return m
}

// Name identifies the transport in device ids.
func (m *MockTransport) Name() string { return "mock" }

func (m *MockTransport) log(format string, args ...any) {
	m.CallLog = append(m.CallLog, fmt.Sprintf(format, args...))
}

// GetCallLog returns a copy of the call log.
func (m *MockTransport) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CallLog))
	copy(out, m.CallLog)
	return out
}

// ListDevices returns DeviceList, or ListDevicesError.
func (m *MockTransport) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("ListDevices")
	if m.ListDevicesError != nil {
		return nil, m.ListDevicesError
	}
	out := make([]DeviceInfo, len(m.DeviceList))
	copy(out, m.DeviceList)
	return out, nil
}

// OpenReader returns a reader for id, or OpenReaderError.
func (m *MockTransport) OpenReader(ctx context.Context, id string) (Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("OpenReader(%s)", id)
	if m.OpenReaderError != nil {
		return nil, m.OpenReaderError
	}
	return &mockReader{t: m, id: id}, nil
}

// InsertCard places a card on device id.
func (m *MockTransport) InsertCard(id string) {
	m.mu.Lock()
	m.cards[id] = true
	m.mu.Unlock()
	m.Emit(Event{Kind: EventCardPresent, Device: id})
}

// RemoveCard takes the card off device id. The open channel, if any,
// starts failing with a removal error.
func (m *MockTransport) RemoveCard(id string) {
	m.mu.Lock()
	m.cards[id] = false
	handle := ""
	if ch := m.channels[id]; ch != nil {
		handle = ch.handle
	}
	m.mu.Unlock()
	m.Emit(Event{Kind: EventCardLost, Device: id, Session: handle})
}

// Suspend emits a forced lifecycle interruption for device id.
func (m *MockTransport) Suspend(id string) {
	m.Emit(Event{Kind: EventSuspended, Device: id, Detail: "host suspended"})
}

// Emit delivers ev to every subscriber.
func (m *MockTransport) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (m *MockTransport) subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// MockEventTransport is MockTransport delivering presence through events.
type MockEventTransport struct {
	*MockTransport
}

// NewMockEventTransport creates an event-driven mock transport.
func NewMockEventTransport(ids ...string) *MockEventTransport {
	m := NewMockTransport(ids...)
	m.eventMode = true
	return &MockEventTransport{MockTransport: m}
}

// Subscribe registers fn for emitted events.
func (m *MockEventTransport) Subscribe(fn func(Event)) func() {
	return m.subscribe(fn)
}

type mockReader struct {
	t  *MockTransport
	id string
}

func (r *mockReader) Available() bool {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	return !r.t.RadioOff
}

func (r *mockReader) NotifiesPresence() bool {
	return r.t.eventMode
}

func (r *mockReader) CardPresent(ctx context.Context) (bool, error) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.log("CardPresent(%s)", r.id)
	return r.t.cards[r.id], nil
}

func (r *mockReader) Connect(ctx context.Context) (Channel, error) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.log("Connect(%s)", r.id)
	if !r.t.cards[r.id] {
		return nil, errors.New("no smart card inserted")
	}
	r.t.nextCh++
	ch := &mockChannel{reader: r, handle: fmt.Sprintf("%s-ch%d", r.id, r.t.nextCh)}
	r.t.channels[r.id] = ch
	return ch, nil
}

func (r *mockReader) Close() error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.log("Close(%s)", r.id)
	return nil
}

type mockChannel struct {
	reader *mockReader
	handle string
	closed bool
}

func (c *mockChannel) Handle() string { return c.handle }

func (c *mockChannel) Transceive(ctx context.Context, command []byte) ([]byte, error) {
	t := c.reader.t
	t.mu.Lock()
	t.log("Transceive(%s, % X)", c.handle, command)
	gate := t.TransceiveGate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	switch {
	case c.closed:
		t.mu.Unlock()
		return nil, errors.New("channel closed")
	case !t.cards[c.reader.id]:
		t.mu.Unlock()
		return nil, errors.New("card was removed")
	case t.TransceiveError != nil:
		err := t.TransceiveError
		t.mu.Unlock()
		return nil, err
	}
	respond := t.Responder
	t.mu.Unlock()

	if respond == nil {
		respond = EmulatedCard
	}
	return respond(command)
}

func (c *mockChannel) Attributes(ctx context.Context) ([]byte, error) {
	t := c.reader.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.closed {
		return nil, errors.New("channel closed")
	}
	if t.ATR != nil {
		return append([]byte(nil), t.ATR...), nil
	}
	return append([]byte(nil), DefaultMockATR...), nil
}

func (c *mockChannel) MaxCommandLength() int {
	t := c.reader.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.MaxCommand > 0 {
		return t.MaxCommand
	}
	return headerLen + 1 + MaxShortLc + 1
}

func (c *mockChannel) Disconnect() error {
	t := c.reader.t
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log("Disconnect(%s)", c.handle)
	c.closed = true
	if t.channels[c.reader.id] == c {
		delete(t.channels, c.reader.id)
	}
	return nil
}

// EmulatedCard is a minimal card: it accepts SELECT, answers GET
// CHALLENGE with eight fixed bytes, and rejects anything else with 6D00.
func EmulatedCard(command []byte) ([]byte, error) {
	cmd, err := DecodeCommand(command)
	if err != nil {
		return []byte{0x67, 0x00}, nil
	}
	switch cmd.INS {
	case 0xA4:
		return []byte{0x90, 0x00}, nil
	case 0x84:
		return []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x90, 0x00}, nil
	default:
		return []byte{0x6D, 0x00}, nil
	}
}

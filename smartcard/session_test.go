package smartcard

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func startSession(t *testing.T, mt Transport, opts ...Option) (*Platform, *Device, *CardSession) {
	t.Helper()
	p := newTestPlatform(t, mt, opts...)
	d := mustAcquire(t, p, "r0")
	s, err := d.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return p, d, s
}

func cardIn(mt *MockTransport) *MockTransport {
	mt.InsertCard("r0")
	return mt
}

func TestSession_ATR(t *testing.T) {
	_, _, s := startSession(t, cardIn(NewMockTransport("r0")))

	atr, err := s.ATR(context.Background())
	if err != nil {
		t.Fatalf("ATR() error = %v", err)
	}
	if !bytes.Equal(atr, DefaultMockATR) {
		t.Errorf("ATR() = % X, want % X", atr, DefaultMockATR)
	}
}

func TestSession_ATREmpty(t *testing.T) {
	mt := cardIn(NewMockTransport("r0"))
	mt.ATR = []byte{}
	_, _, s := startSession(t, mt)

	if _, err := s.ATR(context.Background()); !errors.Is(err, ErrProtocol) {
		t.Errorf("ATR() error = %v, want ProtocolError", err)
	}
}

func TestSession_Transmit(t *testing.T) {
	_, _, s := startSession(t, cardIn(NewMockTransport("r0")))
	ctx := context.Background()

	resp, err := s.Transmit(ctx, CommandAPDU{INS: 0x84}.WithLe(8))
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if len(resp.Data) != 8 || !resp.IsSuccess() {
		t.Errorf("GET CHALLENGE = %v, want 8 bytes and 9000", resp)
	}

	resp, err = s.Transmit(ctx, CommandAPDU{CLA: 0x80, INS: 0x50})
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if resp.StatusWord() != 0x6D00 {
		t.Errorf("unknown instruction SW = %04X, want 6D00", resp.StatusWord())
	}

	raw, err := s.TransmitRaw(ctx, []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	if err != nil {
		t.Fatalf("TransmitRaw() error = %v", err)
	}
	if !bytes.Equal(raw, []byte{0x90, 0x00}) {
		t.Errorf("TransmitRaw() = % X, want 90 00", raw)
	}

	if _, err := s.TransmitRaw(ctx, []byte{0x00, 0xA4}); !errors.Is(err, ErrProtocol) {
		t.Errorf("TransmitRaw(short) error = %v, want ProtocolError", err)
	}
}

func TestSession_TransmitFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(mt *MockTransport)
		cmd   CommandAPDU
		want  *Error
	}{
		{
			name:  "command longer than the link",
			setup: func(mt *MockTransport) { mt.MaxCommand = 10 },
			cmd:   CommandAPDU{INS: 0xD6, Data: make([]byte, 20)},
			want:  ErrInvalidParameter,
		},
		{
			name: "undecodable reply",
			setup: func(mt *MockTransport) {
				mt.Responder = func([]byte) ([]byte, error) { return []byte{0x90}, nil }
			},
			cmd:  CommandAPDU{INS: 0xA4},
			want: ErrProtocol,
		},
		{
			name:  "I/O failure",
			setup: func(mt *MockTransport) { mt.TransceiveError = errors.New("java.io.IOException: Transceive failed") },
			cmd:   CommandAPDU{INS: 0xA4},
			want:  ErrPlatform,
		},
		{
			name:  "RF error",
			setup: func(mt *MockTransport) { mt.TransceiveError = errors.New("RF transmission error") },
			cmd:   CommandAPDU{INS: 0xA4},
			want:  ErrTransmission,
		},
		{
			name:  "invalid Le",
			setup: func(mt *MockTransport) {},
			cmd:   CommandAPDU{INS: 0xA4}.WithLe(MaxExtendedLe + 1),
			want:  ErrInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := cardIn(NewMockTransport("r0"))
			tt.setup(mt)
			_, _, s := startSession(t, mt)

			_, err := s.Transmit(context.Background(), tt.cmd)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Transmit() error = %v, want %v", err, tt.want.Kind)
			}
			if s.Disposed() {
				t.Error("a non-removal failure disposed the session")
			}
		})
	}
}

func TestSession_CardRemovedDuringTransmit(t *testing.T) {
	mt := cardIn(NewMockTransport("r0"))
	_, d, s := startSession(t, mt)
	ctx := context.Background()

	mt.RemoveCard("r0")
	_, err := s.Transmit(ctx, CommandAPDU{INS: 0xA4})
	if !errors.Is(err, ErrPlatform) || !IsCardRemoved(err) {
		t.Fatalf("Transmit() error = %v, want PlatformError (card removed)", err)
	}
	if !s.Disposed() {
		t.Error("session still active after card removal")
	}
	if _, ok := d.Session(); ok {
		t.Error("device still holds the removed session")
	}

	if _, err := s.Transmit(ctx, CommandAPDU{INS: 0xA4}); ReasonOf(err) != ReasonAlreadyReleased {
		t.Errorf("Transmit() after removal error = %v, want already released", err)
	}
	if _, err := d.StartSession(ctx); !errors.Is(err, ErrCardNotPresent) {
		t.Errorf("StartSession() without card error = %v, want CardNotPresent", err)
	}
}

func TestSession_RemovalReportedAsPlatformError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"card not present code", &Error{Kind: KindCardNotPresent, Reason: ReasonCardRemoved, Message: "no card in the reader"}},
		{"platform removal", &Error{Kind: KindPlatformError, Reason: ReasonCardRemoved, Message: "card removed during operation"}},
		{"native text", errors.New("android.nfc.TagLostException: Tag was lost.")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := cardIn(NewMockTransport("r0"))
			_, _, s := startSession(t, mt)
			mt.TransceiveError = tt.err

			_, err := s.Transmit(context.Background(), CommandAPDU{INS: 0xB0})
			if KindOf(err) != KindPlatformError || !IsCardRemoved(err) {
				t.Fatalf("Transmit() error = %v, want PlatformError (card removed)", err)
			}
			if !s.Disposed() {
				t.Error("session still active after card removal")
			}
		})
	}
}

func TestSession_CardLostEvent(t *testing.T) {
	mt := NewMockEventTransport("r0")
	mt.InsertCard("r0")
	_, d, s := startSession(t, mt)

	mt.RemoveCard("r0")
	waitFor(t, "session disposal", s.Disposed)

	if d.IsCardPresent() {
		t.Error("IsCardPresent() = true after card-lost event")
	}
	if _, err := s.ATR(context.Background()); ReasonOf(err) != ReasonAlreadyReleased {
		t.Errorf("ATR() after card lost error = %v, want already released", err)
	}
	if err := s.Release(); err != nil {
		t.Errorf("Release() of a disposed session error = %v", err)
	}
}

func TestSession_Reset(t *testing.T) {
	mt := cardIn(NewMockTransport("r0"))
	_, d, s := startSession(t, mt)
	ctx := context.Background()

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, err := s.ATR(ctx); err != nil {
		t.Errorf("ATR() after Reset error = %v", err)
	}
	if _, err := s.Transmit(ctx, CommandAPDU{INS: 0xA4}); err != nil {
		t.Errorf("Transmit() after Reset error = %v", err)
	}
	if got, ok := d.Session(); !ok || got != s {
		t.Error("Reset replaced the device's session")
	}

	var disconnects, connects int
	for _, call := range mt.GetCallLog() {
		switch {
		case strings.HasPrefix(call, "Disconnect("):
			disconnects++
		case strings.HasPrefix(call, "Connect("):
			connects++
		case strings.HasPrefix(call, "Close("):
			t.Errorf("Reset touched the activation resource: %s", call)
		}
	}
	if disconnects != 1 || connects != 2 {
		t.Errorf("disconnects = %d, connects = %d, want 1 and 2", disconnects, connects)
	}

	mt.RemoveCard("r0")
	if err := s.Reset(ctx); !errors.Is(err, ErrCardNotPresent) {
		t.Errorf("Reset() without card error = %v, want CardNotPresent", err)
	}
	if !s.Disposed() {
		t.Error("failed Reset left the session active")
	}
}

func TestSession_IdempotentRelease(t *testing.T) {
	mt := cardIn(NewMockTransport("r0"))
	_, d, s := startSession(t, mt)

	if err := s.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := s.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	_, err := s.Transmit(context.Background(), CommandAPDU{INS: 0xA4})
	if !errors.Is(err, ErrPlatform) || ReasonOf(err) != ReasonAlreadyReleased {
		t.Errorf("Transmit() after release error = %v, want session already released", err)
	}
	if err := s.Reset(context.Background()); ReasonOf(err) != ReasonAlreadyReleased {
		t.Errorf("Reset() after release error = %v, want session already released", err)
	}

	disconnects := 0
	for _, call := range mt.GetCallLog() {
		if strings.HasPrefix(call, "Disconnect(") {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("channel disconnected %d times, want 1", disconnects)
	}
	if err := d.Release(); err != nil {
		t.Errorf("device Release() after session release error = %v", err)
	}
}

func TestSession_InterruptedTransmit(t *testing.T) {
	mt := cardIn(NewMockTransport("r0"))
	gate := make(chan struct{})
	defer close(gate)
	mt.TransceiveGate = gate
	p, d, s := startSession(t, mt)

	result := make(chan error, 1)
	go func() {
		_, err := s.Transmit(context.Background(), CommandAPDU{INS: 0xA4})
		result <- err
	}()

	waitFor(t, "transceive in flight", func() bool {
		for _, call := range mt.GetCallLog() {
			if strings.HasPrefix(call, "Transceive(") {
				return true
			}
		}
		return false
	})
	p.Interrupt("host sleeping")

	select {
	case err := <-result:
		if !errors.Is(err, ErrPlatform) || !IsInterrupted(err) {
			t.Fatalf("Transmit() error = %v, want interrupted PlatformError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Transmit() still pending after interruption")
	}

	select {
	case <-d.Released():
	case <-time.After(2 * time.Second):
		t.Fatal("device not released after interruption")
	}
	if !s.Disposed() {
		t.Error("session active on a released device")
	}
}

func TestSession_QueuedTransmitNotSentAfterInterrupt(t *testing.T) {
	mt := cardIn(NewMockTransport("r0"))
	gate := make(chan struct{})
	defer close(gate)
	mt.TransceiveGate = gate
	_, d, s := startSession(t, mt)

	transceives := func() int {
		n := 0
		for _, call := range mt.GetCallLog() {
			if strings.HasPrefix(call, "Transceive(") {
				n++
			}
		}
		return n
	}

	results := make(chan error, 2)
	go func() {
		_, err := s.Transmit(context.Background(), CommandAPDU{INS: 0xA4, P1: 0x04})
		results <- err
	}()
	waitFor(t, "first transceive in flight", func() bool { return transceives() == 1 })

	go func() {
		_, err := s.Transmit(context.Background(), CommandAPDU{INS: 0xB0})
		results <- err
	}()
	time.Sleep(20 * time.Millisecond)

	d.Interrupt("host sleeping")

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrPlatform) {
				t.Errorf("Transmit() error = %v, want PlatformError", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Transmit() still pending after interruption")
		}
	}

	select {
	case <-d.Released():
	case <-time.After(2 * time.Second):
		t.Fatal("device not released after interruption")
	}
	if got := transceives(); got != 1 {
		t.Errorf("transport saw %d transceives, want 1; log = %v", got, mt.GetCallLog())
	}
}

// resettingTransport hands out channels that can reset the card in place.
type resettingTransport struct {
	*MockTransport
	resets   atomic.Int32
	resetErr error
}

func (t *resettingTransport) OpenReader(ctx context.Context, id string) (Reader, error) {
	r, err := t.MockTransport.OpenReader(ctx, id)
	if err != nil {
		return nil, err
	}
	return &resettingReader{Reader: r, t: t}, nil
}

type resettingReader struct {
	Reader
	t *resettingTransport
}

func (r *resettingReader) Connect(ctx context.Context) (Channel, error) {
	ch, err := r.Reader.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &resettingChannel{Channel: ch, t: r.t}, nil
}

type resettingChannel struct {
	Channel
	t *resettingTransport
}

func (c *resettingChannel) ResetCard(ctx context.Context) error {
	c.t.resets.Add(1)
	return c.t.resetErr
}

func TestSession_ResetInPlace(t *testing.T) {
	tests := []struct {
		name         string
		resetErr     error
		wantConnects int
	}{
		{"channel reset succeeds", nil, 1},
		{"channel reset fails, reconnects", errors.New("reset failed"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &resettingTransport{MockTransport: cardIn(NewMockTransport("r0")), resetErr: tt.resetErr}
			_, _, s := startSession(t, tr)
			ctx := context.Background()

			if err := s.Reset(ctx); err != nil {
				t.Fatalf("Reset() error = %v", err)
			}
			if got := tr.resets.Load(); got != 1 {
				t.Errorf("ResetCard calls = %d, want 1", got)
			}
			if _, err := s.Transmit(ctx, CommandAPDU{INS: 0xA4}); err != nil {
				t.Errorf("Transmit() after Reset error = %v", err)
			}

			connects := 0
			for _, call := range tr.GetCallLog() {
				if strings.HasPrefix(call, "Connect(") {
					connects++
				}
			}
			if connects != tt.wantConnects {
				t.Errorf("connects = %d, want %d", connects, tt.wantConnects)
			}
		})
	}
}

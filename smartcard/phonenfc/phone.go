package phonenfc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/smartcard"
)

// phone is one registered websocket connection.
type phone struct {
	id             string
	info           RegistrationRequest
	conn           *websocket.Conn
	transport      *Transport
	logger         *zap.Logger
	requestTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*smartcard.Completion[json.RawMessage]
	lastSeen time.Time
	radioOn  bool
	present  bool

	closed    chan struct{}
	closeOnce sync.Once
}

func (p *phone) describe() smartcard.DeviceInfo {
	return smartcard.DeviceInfo{
		ID:           p.id,
		Name:         p.info.DeviceName,
		SupportsAPDU: p.info.Capabilities.IsoDep,
		SupportsHCE:  p.info.Capabilities.HCE,
		Protocol:     smartcard.ProtocolContactless,
		Transport:    smartcard.TransportIntegrated,
	}
}

func (p *phone) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *phone) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

func (p *phone) state() (radioOn, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.radioOn, p.present
}

func (p *phone) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *phone) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(msg)
}

func (p *phone) sendError(requestID, code, message string) {
	payload, _ := json.Marshal(map[string]string{"code": code})
	if err := p.send(Message{ID: requestID, Type: MessageTypeError, Error: message, Payload: payload}); err != nil {
		p.logger.Debug("Failed to send error", zap.Error(err))
	}
}

// request sends one agent to phone request and waits for the response
// with the same id.
func (p *phone) request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	if p.isClosed() {
		return nil, ErrPhoneGone
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		raw = b
	}

	id := uuid.NewString()
	c := smartcard.NewCompletion[json.RawMessage]()
	p.mu.Lock()
	p.pending[id] = c
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.send(Message{ID: id, Type: typ, Payload: raw}); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", typ, err, ErrPhoneGone)
	}

	timer := time.NewTimer(p.requestTimeout)
	defer timer.Stop()

	select {
	case <-c.Done():
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s after %v: %w", typ, p.requestTimeout, ErrRequestTimeout)
	case <-p.closed:
		return nil, fmt.Errorf("%s: %w", typ, ErrPhoneGone)
	}
}

// resolve completes the pending request a response answers.
func (p *phone) resolve(msg Message) {
	p.mu.Lock()
	c, ok := p.pending[msg.ID]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("Dropping response for unknown request", zap.String("id", msg.ID))
		return
	}

	if !msg.Success {
		c.Resolve(nil, &RemoteError{Class: msg.ErrorClass, Message: msg.Error})
		return
	}
	c.Resolve(msg.Payload, nil)
}

// handleEvent updates cached radio state and forwards the event.
func (p *phone) handleEvent(msg Message) {
	var payload EventPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			p.sendError(msg.ID, "INVALID_PAYLOAD", "invalid event payload")
			return
		}
	}

	ev := smartcard.Event{Device: p.id, Session: payload.Session, Detail: payload.Detail}

	p.mu.Lock()
	switch msg.Type {
	case MessageTypeCardPresent:
		ev.Kind = smartcard.EventCardPresent
		p.present = true
	case MessageTypeCardLost:
		ev.Kind = smartcard.EventCardLost
		p.present = false
	case MessageTypeSessionReset:
		ev.Kind = smartcard.EventSessionReset
	case MessageTypeSuspended:
		ev.Kind = smartcard.EventSuspended
		p.present = false
	case MessageTypeRadioState:
		ev.Kind = smartcard.EventRadioState
		p.radioOn = payload.Enabled
		if !payload.Enabled {
			p.present = false
		}
		if ev.Detail == "" {
			ev.Detail = "off"
			if payload.Enabled {
				ev.Detail = "on"
			}
		}
	}
	p.mu.Unlock()

	p.logger.Debug("Phone event", zap.String("kind", string(ev.Kind)), zap.String("session", ev.Session))
	p.transport.emit(ev)
}

func (p *phone) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

package phonenfc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/buildinfo"
)

// IsDeviceConnection reports whether a websocket request comes from the
// phone app rather than an API client.
func IsDeviceConnection(r *http.Request) bool {
	if r.Header.Get("X-Device-Mode") == "true" {
		return true
	}
	return r.URL.Query().Get("mode") == "device"
}

// ServeHTTP upgrades a phone connection, runs the registration handshake
// and then reads events and responses until the phone disconnects.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)
	t.logger.Debug("Phone connected", zap.String("remote", r.RemoteAddr))

	p, err := t.handshake(conn)
	if err != nil {
		t.logger.Warn("Phone registration failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer t.unregister(p.id, "disconnected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("Read failed", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.sendError("", "PARSE_ERROR", "invalid message format")
			continue
		}
		p.touch()

		switch msg.Type {
		case MessageTypeDeviceHeartbeat:
		case MessageTypeResponse:
			p.resolve(msg)
		case MessageTypeCardPresent, MessageTypeCardLost, MessageTypeSessionReset,
			MessageTypeSuspended, MessageTypeRadioState:
			p.handleEvent(msg)
		default:
			p.logger.Debug("Unknown message type", zap.String("type", msg.Type))
			p.sendError(msg.ID, "UNKNOWN_TYPE", fmt.Sprintf("unknown message type: %s", msg.Type))
		}
	}
}

// handshake reads the registerDevice message and answers it.
func (t *Transport) handshake(conn *websocket.Conn) (*phone, error) {
	fail := func(id, code, message string) {
		payload, _ := json.Marshal(map[string]string{"code": code})
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(Message{ID: id, Type: MessageTypeError, Error: message, Payload: payload})
	}

	_ = conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		fail("", "PARSE_ERROR", "invalid message format")
		return nil, fmt.Errorf("reading registration: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Type != MessageTypeRegisterDevice {
		fail(msg.ID, "INVALID_MESSAGE_TYPE", fmt.Sprintf("expected '%s' message", MessageTypeRegisterDevice))
		return nil, fmt.Errorf("expected %s, got %q", MessageTypeRegisterDevice, msg.Type)
	}

	var req RegistrationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		fail(msg.ID, "INVALID_PAYLOAD", "invalid registration request format")
		return nil, fmt.Errorf("parsing registration: %w", err)
	}
	if err := req.validate(); err != nil {
		fail(msg.ID, "INVALID_REQUEST", err.Error())
		return nil, err
	}

	p := t.register(conn, req)
	payload, _ := json.Marshal(RegistrationResponse{
		DeviceID:   p.id,
		ServerInfo: ServerInfo{Name: buildinfo.DisplayName, Version: buildinfo.Version},
	})
	if err := p.send(Message{ID: msg.ID, Type: MessageTypeRegisterDeviceResponse, Success: true, Payload: payload}); err != nil {
		t.unregister(p.id, "registration reply failed")
		return nil, fmt.Errorf("sending registration response: %w", err)
	}
	return p, nil
}

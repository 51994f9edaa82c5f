package phonenfc

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope for every frame in both directions. Requests from
// the agent carry an ID that the phone echoes in its "response".
type Message struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Success    bool            `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorClass string          `json:"errorClass,omitempty"`
}

// Capabilities is what the phone's radio can do.
type Capabilities struct {
	IsoDep       bool     `json:"isoDep"`
	HCE          bool     `json:"hce"`
	Technologies []string `json:"technologies,omitempty"` // "nfca", "nfcb", "isodep", ...
}

// RegistrationRequest is the first message a phone sends.
type RegistrationRequest struct {
	DeviceName   string            `json:"deviceName"`
	Platform     string            `json:"platform"` // "ios" or "android"
	AppVersion   string            `json:"appVersion"`
	Capabilities Capabilities      `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (r RegistrationRequest) validate() error {
	if r.DeviceName == "" {
		return fmt.Errorf("device name is required")
	}
	if r.Platform != "ios" && r.Platform != "android" {
		return fmt.Errorf("invalid platform: %q (must be 'ios' or 'android')", r.Platform)
	}
	return nil
}

// RegistrationResponse acknowledges registerDevice.
type RegistrationResponse struct {
	DeviceID   string     `json:"deviceID"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

// ServerInfo describes the agent to a registering phone.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// EventPayload accompanies cardPresent, cardLost, sessionReset, suspended
// and radioState.
type EventPayload struct {
	Session string `json:"session,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Enabled bool   `json:"enabled,omitempty"` // radioState only
}

// SessionRequest names a card session on the phone.
type SessionRequest struct {
	Session string `json:"session"`
}

// ConnectResult answers a connect request. ATS is hex.
type ConnectResult struct {
	Session          string `json:"session"`
	ATS              string `json:"ats"`
	MaxTransceiveLen int    `json:"maxTransceiveLength,omitempty"`
	CardType         string `json:"cardType,omitempty"`
}

// TransceiveRequest carries one hex-encoded command.
type TransceiveRequest struct {
	Session string `json:"session"`
	Command string `json:"command"`
}

// TransceiveResult carries the card response to a transceive request.
type TransceiveResult struct {
	Response string `json:"response"`
}

// RemoteError is a failure reported by the phone. Class is the native
// exception class, e.g. "android.nfc.TagLostException".
type RemoteError struct {
	Class   string
	Message string
}

func (e *RemoteError) Error() string {
	switch {
	case e.Class == "":
		return e.Message
	case e.Message == "":
		return e.Class
	default:
		return e.Class + ": " + e.Message
	}
}

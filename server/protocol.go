package server

import "encoding/json"

// WebsocketRequest is an incoming client request.
type WebsocketRequest struct {
	ID      string          `json:"id,omitempty"` // client-generated, echoed in the response
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebsocketResponse answers one request.
type WebsocketResponse struct {
	ID      string     `json:"id,omitempty"`
	Type    string     `json:"type"`
	Success bool       `json:"success"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the wire form of a failure. Code is the smartcard Kind name,
// e.g. "Timeout", or one of the server's own codes.
type ErrorInfo struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// WebsocketMessage is an unsolicited server push.
type WebsocketMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// DeviceRequest names a device by id.
type DeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

// HandleRequest names an acquired device by handle.
type HandleRequest struct {
	Handle string `json:"handle"`
}

// WaitForCardRequest is the payload of waitForCard.
type WaitForCardRequest struct {
	Handle    string `json:"handle"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// SessionRequest names a session by handle.
type SessionRequest struct {
	Session string `json:"session"`
}

// TransmitRequest carries either a raw hex APDU or its structured fields.
type TransmitRequest struct {
	Session string `json:"session"`
	APDU    string `json:"apdu,omitempty"`

	CLA  int    `json:"cla"`
	INS  int    `json:"ins"`
	P1   int    `json:"p1"`
	P2   int    `json:"p2"`
	Data string `json:"data,omitempty"`
	Le   *int   `json:"le,omitempty"`
}

// AcquireResult is returned by acquireDevice.
type AcquireResult struct {
	Handle string `json:"handle"`
	Info   any    `json:"info"`
}

// DeviceStatusResult is returned by deviceStatus.
type DeviceStatusResult struct {
	Handle      string `json:"handle"`
	Available   bool   `json:"available"`
	CardPresent bool   `json:"cardPresent"`
	Session     string `json:"session,omitempty"`
}

// TransmitResult is the decoded card response to transmit.
type TransmitResult struct {
	Response string `json:"response"`
	Data     string `json:"data"`
	SW       string `json:"sw"`
}

package phonenfc

import "time"

// Timing defaults.
const (
	DefaultInactivityTimeout = 2 * time.Minute
	DefaultRequestTimeout    = 5 * time.Second
	HeartbeatInterval        = 10 * time.Second // expected phone heartbeat frequency
	CleanupInterval          = 15 * time.Second

	registrationTimeout = 10 * time.Second
	writeTimeout        = 5 * time.Second
	maxMessageSize      = 1 << 20
)

// Phone to agent messages.
const (
	MessageTypeRegisterDevice  = "registerDevice"
	MessageTypeDeviceHeartbeat = "deviceHeartbeat"
	MessageTypeResponse        = "response"
	MessageTypeCardPresent     = "cardPresent"
	MessageTypeCardLost        = "cardLost"
	MessageTypeSessionReset    = "sessionReset"
	MessageTypeSuspended       = "suspended"
	MessageTypeRadioState      = "radioState"
)

// Agent to phone messages.
const (
	MessageTypeRegisterDeviceResponse = "registerDeviceResponse"
	MessageTypeEnableReader           = "enableReader"
	MessageTypeDisableReader          = "disableReader"
	MessageTypeConnect                = "connect"
	MessageTypeTransceive             = "transceive"
	MessageTypeDisconnect             = "disconnect"
	MessageTypeError                  = "error"
)

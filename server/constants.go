package server

import "github.com/nedpals/davi-card-agent/buildinfo"

// mDNS service discovery.
var (
	MDNSServiceType = "_davi-card._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// Client request types.
const (
	MessageTypeListDevices    = "listDevices"
	MessageTypeAcquireDevice  = "acquireDevice"
	MessageTypeReleaseDevice  = "releaseDevice"
	MessageTypeDeviceStatus   = "deviceStatus"
	MessageTypeWaitForCard    = "waitForCard"
	MessageTypeStartSession   = "startSession"
	MessageTypeGetATR         = "getATR"
	MessageTypeTransmit       = "transmit"
	MessageTypeResetSession   = "resetSession"
	MessageTypeReleaseSession = "releaseSession"
)

// Server pushed types.
const (
	MessageTypeEvent = "event"
	MessageTypeError = "error"
)

// Error codes that do not come from the smartcard taxonomy.
const (
	CodeParseError     = "PARSE_ERROR"
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeInvalidPayload = "INVALID_PAYLOAD"
)

const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)

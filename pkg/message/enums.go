package message

import (
	"strings"

	"github.com/sessamekesh/spanreed-message-hub/pkg/errors"
)

type TransportType uint8

const (
	TransportType_WebSocket TransportType = iota
	TransportType_WebTransport
	TransportType_NATS
	TransportType_UDP
	TransportType_Local

	TransportType_NONE
)

var transportTypeNames = map[TransportType]string{
	TransportType_WebSocket:    "WebSocket",
	TransportType_WebTransport: "WebTransport",
	TransportType_NATS:         "NATS",
	TransportType_UDP:          "UDP",
	TransportType_Local:        "Local",
}

func (t TransportType) String() string {
	if name, has := transportTypeNames[t]; has {
		return name
	}
	return "NONE"
}

func (t TransportType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TransportType) UnmarshalText(text []byte) error {
	for value, name := range transportTypeNames {
		if strings.EqualFold(name, string(text)) {
			*t = value
			return nil
		}
	}
	return &errors.InvalidEnumValue{EnumName: "TransportType", Value: string(text)}
}

type ConnectionState uint8

const (
	ConnectionState_Connecting ConnectionState = iota
	ConnectionState_Connected
	ConnectionState_Disconnected
	ConnectionState_Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_Connecting:
		return "Connecting"
	case ConnectionState_Connected:
		return "Connected"
	case ConnectionState_Disconnected:
		return "Disconnected"
	case ConnectionState_Reconnecting:
		return "Reconnecting"
	}
	return "Unknown"
}

// BaseMessageType decides the fan-out semantics of a message. Commands and
// inspections name their targets explicitly and expect answers; notifications
// and alerts go to every registered handler of the type.
type BaseMessageType uint8

const (
	BaseMessageType_Command BaseMessageType = iota
	BaseMessageType_Notification
	BaseMessageType_Alert
	BaseMessageType_Inspection
)

var baseMessageTypeNames = map[BaseMessageType]string{
	BaseMessageType_Command:      "Command",
	BaseMessageType_Notification: "Notification",
	BaseMessageType_Alert:        "Alert",
	BaseMessageType_Inspection:   "Inspection",
}

func (t BaseMessageType) String() string {
	if name, has := baseMessageTypeNames[t]; has {
		return name
	}
	return "Unknown"
}

func (t BaseMessageType) IsBroadcast() bool {
	return t == BaseMessageType_Notification || t == BaseMessageType_Alert
}

func (t BaseMessageType) ExpectsResponse() bool {
	return t == BaseMessageType_Command || t == BaseMessageType_Inspection
}

func (t BaseMessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *BaseMessageType) UnmarshalText(text []byte) error {
	for value, name := range baseMessageTypeNames {
		if strings.EqualFold(name, string(text)) {
			*t = value
			return nil
		}
	}
	return &errors.InvalidEnumValue{EnumName: "BaseMessageType", Value: string(text)}
}

type MessagePriority uint8

const (
	MessagePriority_Low MessagePriority = iota
	MessagePriority_Normal
	MessagePriority_High
	MessagePriority_Critical
)

var messagePriorityNames = map[MessagePriority]string{
	MessagePriority_Low:      "Low",
	MessagePriority_Normal:   "Normal",
	MessagePriority_High:     "High",
	MessagePriority_Critical: "Critical",
}

func (p MessagePriority) String() string {
	if name, has := messagePriorityNames[p]; has {
		return name
	}
	return "Unknown"
}

func (p MessagePriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *MessagePriority) UnmarshalText(text []byte) error {
	parsed, err := ParseMessagePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParseMessagePriority(s string) (MessagePriority, error) {
	for value, name := range messagePriorityNames {
		if strings.EqualFold(name, s) {
			return value, nil
		}
	}
	return MessagePriority_Normal, &errors.InvalidEnumValue{EnumName: "MessagePriority", Value: s}
}

type ErrorType uint8

const (
	ErrorType_NetworkError ErrorType = iota
	ErrorType_ServerError
	ErrorType_ClientError
	ErrorType_Other
)

var errorTypeNames = map[ErrorType]string{
	ErrorType_NetworkError: "NetworkError",
	ErrorType_ServerError:  "ServerError",
	ErrorType_ClientError:  "ClientError",
	ErrorType_Other:        "Other",
}

func (t ErrorType) String() string {
	if name, has := errorTypeNames[t]; has {
		return name
	}
	return "Other"
}

func (t ErrorType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ErrorType) UnmarshalText(text []byte) error {
	for value, name := range errorTypeNames {
		if strings.EqualFold(name, string(text)) {
			*t = value
			return nil
		}
	}
	return &errors.InvalidEnumValue{EnumName: "ErrorType", Value: string(text)}
}

type ResponseState uint8

const (
	ResponseState_ResponseReceived ResponseState = iota
	ResponseState_AcknowledgementReceived
	ResponseState_Failed
)

func (s ResponseState) String() string {
	switch s {
	case ResponseState_ResponseReceived:
		return "ResponseReceived"
	case ResponseState_AcknowledgementReceived:
		return "AcknowledgementReceived"
	case ResponseState_Failed:
		return "Failed"
	}
	return "Unknown"
}

package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/errors"
)

// ClientConnection is one active logical client, as tracked by the hub.
type ClientConnection struct {
	ClientId        string            `json:"clientId"`
	TransportId     string            `json:"transportId"`
	ClientName      string            `json:"clientName"`
	TransportType   TransportType     `json:"transportType"`
	HostAddress     string            `json:"hostAddress"`
	ConnectedAt     time.Time         `json:"connectedAt"`
	ConnectionState ConnectionState   `json:"connectionState"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (c *ClientConnection) Receiver() MessageReceiver {
	return MessageReceiver{Id: c.ClientId, Name: c.ClientName}
}

// MessageReceiver is an addressing handle for a client: the stable id plus the
// friendly name it registered with. Either may be empty for receivers that
// could not be resolved.
type MessageReceiver struct {
	Id   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Key is the addressing key used everywhere a receiver needs a map key.
func (r MessageReceiver) Key() string {
	if r.Id != "" {
		return r.Id
	}
	return r.Name
}

func (r MessageReceiver) String() string {
	if r.Id != "" && r.Name != "" {
		return fmt.Sprintf("%s (%s)", r.Name, r.Id)
	}
	return r.Key()
}

type TransportPackage struct {
	MessageId         string          `json:"messageId"`
	MessageTypeName   string          `json:"messageTypeName"`
	BaseMessageType   BaseMessageType `json:"baseMessageType"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Priority          MessagePriority `json:"priority"`
	CreatedAt         time.Time       `json:"createdAt"`
	SenderId          string          `json:"senderId"`
	HandlerIdsOrNames []string        `json:"handlerIdsOrNames,omitempty"`
}

// WithPayload returns a copy of the package carrying a different payload. The
// original is left untouched, packages are shared between goroutines.
func (p *TransportPackage) WithPayload(payload json.RawMessage) *TransportPackage {
	clone := *p
	clone.Payload = payload
	if p.HandlerIdsOrNames != nil {
		clone.HandlerIdsOrNames = append([]string(nil), p.HandlerIdsOrNames...)
	}
	return &clone
}

func (p *TransportPackage) Validate() error {
	if p.MessageId == "" {
		return &errors.MissingFieldError{MessageName: "TransportPackage", FieldName: "MessageId"}
	}
	if p.MessageTypeName == "" {
		return &errors.MissingFieldError{MessageName: "TransportPackage", FieldName: "MessageTypeName"}
	}

	switch p.BaseMessageType {
	case BaseMessageType_Command:
		if len(p.HandlerIdsOrNames) != 1 {
			return &errors.InvalidTargetCount{MessageTypeName: p.MessageTypeName, Expected: "exactly 1", Actual: len(p.HandlerIdsOrNames)}
		}
	case BaseMessageType_Inspection:
		if len(p.HandlerIdsOrNames) == 0 {
			return &errors.InvalidTargetCount{MessageTypeName: p.MessageTypeName, Expected: "at least 1", Actual: 0}
		}
	case BaseMessageType_Notification, BaseMessageType_Alert:
	default:
		return &errors.InvalidEnumValue{EnumName: "BaseMessageType", Value: fmt.Sprint(uint8(p.BaseMessageType))}
	}

	return nil
}

// MessagingError is the terminal failure attached to one responder.
type MessagingError struct {
	Source        string          `json:"source"`
	ErrorMessage  string          `json:"errorMessage"`
	ErrorType     ErrorType       `json:"errorType"`
	ErrorPriority MessagePriority `json:"errorPriority"`
	Timestamp     time.Time       `json:"timestamp"`
	Suggestion    string          `json:"suggestion,omitempty"`
}

func (e *MessagingError) Error() string {
	return fmt.Sprintf("%s error from %s: %s", e.ErrorType, e.Source, e.ErrorMessage)
}

type ResponsePayload struct {
	MessageId         string          `json:"messageId"`
	Receiver          MessageReceiver `json:"receiver"`
	HandledAt         time.Time       `json:"handledAt"`
	ResponseJson      json.RawMessage `json:"responseJson,omitempty"`
	IsAcknowledgement bool            `json:"isAcknowledgement,omitempty"`
	Error             *MessagingError `json:"error,omitempty"`
}

func (r *ResponsePayload) HasError() bool {
	return r.Error != nil
}

func (r *ResponsePayload) ResponseState() ResponseState {
	if r.Error != nil {
		return ResponseState_Failed
	}
	if r.IsAcknowledgement && len(r.ResponseJson) == 0 {
		return ResponseState_AcknowledgementReceived
	}
	return ResponseState_ResponseReceived
}

// WithResponseJson returns a copy carrying a transformed response body.
func (r *ResponsePayload) WithResponseJson(body json.RawMessage) *ResponsePayload {
	clone := *r
	clone.ResponseJson = body
	return &clone
}

type ClientRegistrationRequest struct {
	ClientName        string            `json:"clientName"`
	ClientVersion     string            `json:"clientVersion"`
	TransportType     TransportType     `json:"transportType"`
	HostAddress       string            `json:"hostAddress"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	SupportedMessages []string          `json:"supportedMessages,omitempty"`
}

type ClientRegistrationResponse struct {
	ClientId       string `json:"clientId,omitempty"`
	Success        bool   `json:"success"`
	FailureMessage string `json:"failureMessage,omitempty"`
	ServerVersion  string `json:"serverVersion"`
}

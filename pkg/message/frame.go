package message

import (
	"encoding/json"
	"strings"

	"github.com/sessamekesh/spanreed-message-hub/pkg/errors"
)

type FrameKind uint8

const (
	// Client -> hub, first frame on every streaming connection
	FrameKind_Register FrameKind = iota
	// Hub -> client, answer to FrameKind_Register
	FrameKind_RegisterResult
	// Both directions: a client sending a message, or the hub delivering one
	FrameKind_Message
	// Client -> hub, a handler answering a message it received
	FrameKind_Response
	// Hub -> client, responses routed back to the original sender
	FrameKind_Responses
	// Client -> hub, explicit disconnect for transports without a connection
	FrameKind_Goodbye

	FrameKind_NONE
)

var frameKindNames = map[FrameKind]string{
	FrameKind_Register:       "register",
	FrameKind_RegisterResult: "registerResult",
	FrameKind_Message:        "message",
	FrameKind_Response:       "response",
	FrameKind_Responses:      "responses",
	FrameKind_Goodbye:        "goodbye",
}

func (k FrameKind) String() string {
	if name, has := frameKindNames[k]; has {
		return name
	}
	return "none"
}

func (k FrameKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FrameKind) UnmarshalText(text []byte) error {
	for value, name := range frameKindNames {
		if strings.EqualFold(name, string(text)) {
			*k = value
			return nil
		}
	}
	*k = FrameKind_NONE
	return nil
}

// Frame is the envelope every network transport puts on the wire.
type Frame struct {
	Kind               FrameKind                   `json:"kind"`
	Registration       *ClientRegistrationRequest  `json:"registration,omitempty"`
	RegistrationResult *ClientRegistrationResponse `json:"registrationResult,omitempty"`
	Package            *TransportPackage           `json:"package,omitempty"`
	Response           *ResponsePayload            `json:"response,omitempty"`
	Responses          []*ResponsePayload          `json:"responses,omitempty"`
	IsFinalResponse    bool                        `json:"isFinalResponse,omitempty"`
}

type FrameSerializer struct{}

func (s FrameSerializer) Parse(raw []byte) (*Frame, error) {
	frame := &Frame{Kind: FrameKind_NONE}
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, err
	}

	if err := s.validate(frame); err != nil {
		return nil, err
	}

	return frame, nil
}

func (s FrameSerializer) Serialize(frame *Frame) ([]byte, error) {
	if err := s.validate(frame); err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

func (s FrameSerializer) validate(frame *Frame) error {
	switch frame.Kind {
	case FrameKind_Register:
		if frame.Registration == nil {
			return &errors.MissingFieldError{MessageName: "Frame::Register", FieldName: "Registration"}
		}
	case FrameKind_RegisterResult:
		if frame.RegistrationResult == nil {
			return &errors.MissingFieldError{MessageName: "Frame::RegisterResult", FieldName: "RegistrationResult"}
		}
	case FrameKind_Message:
		if frame.Package == nil {
			return &errors.MissingFieldError{MessageName: "Frame::Message", FieldName: "Package"}
		}
	case FrameKind_Response:
		if frame.Response == nil {
			return &errors.MissingFieldError{MessageName: "Frame::Response", FieldName: "Response"}
		}
	case FrameKind_Responses:
		if len(frame.Responses) == 0 {
			return &errors.MissingFieldError{MessageName: "Frame::Responses", FieldName: "Responses"}
		}
	case FrameKind_Goodbye:
	default:
		return &errors.InvalidEnumValue{EnumName: "FrameKind", Value: frame.Kind.String()}
	}
	return nil
}

func RegistrationFrame(req *ClientRegistrationRequest) *Frame {
	return &Frame{Kind: FrameKind_Register, Registration: req}
}

func RegistrationResultFrame(res *ClientRegistrationResponse) *Frame {
	return &Frame{Kind: FrameKind_RegisterResult, RegistrationResult: res}
}

func MessageFrame(pkg *TransportPackage) *Frame {
	return &Frame{Kind: FrameKind_Message, Package: pkg}
}

func ResponseFrame(res *ResponsePayload) *Frame {
	return &Frame{Kind: FrameKind_Response, Response: res}
}

func ResponsesFrame(responses []*ResponsePayload, isFinalResponse bool) *Frame {
	return &Frame{Kind: FrameKind_Responses, Responses: responses, IsFinalResponse: isFinalResponse}
}

func GoodbyeFrame() *Frame {
	return &Frame{Kind: FrameKind_Goodbye}
}

package message

import (
	"encoding/json"
	"testing"
	"time"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSerializer_ParseRegistration(t *testing.T) {
	raw := []byte(`{
		"kind": "register",
		"registration": {
			"clientName": "inventory-worker",
			"clientVersion": "1.2.0",
			"transportType": "websocket",
			"supportedMessages": ["GetStock", "StockChanged"]
		}
	}`)

	frame, err := FrameSerializer{}.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, FrameKind_Register, frame.Kind)
	require.NotNil(t, frame.Registration)
	assert.Equal(t, "inventory-worker", frame.Registration.ClientName)
	assert.Equal(t, TransportType_WebSocket, frame.Registration.TransportType)
	assert.Equal(t, []string{"GetStock", "StockChanged"}, frame.Registration.SupportedMessages)
}

func TestFrameSerializer_ParseMessageKeepsPayloadVerbatim(t *testing.T) {
	raw := []byte(`{
		"kind": "message",
		"package": {
			"messageId": "m-1",
			"messageTypeName": "GetStock",
			"baseMessageType": "Inspection",
			"priority": "High",
			"payload": {"sku":"A-1","warehouses":[1,2]},
			"handlerIdsOrNames": ["inventory-worker"]
		}
	}`)

	frame, err := FrameSerializer{}.Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.Package)

	assert.Equal(t, BaseMessageType_Inspection, frame.Package.BaseMessageType)
	assert.Equal(t, MessagePriority_High, frame.Package.Priority)
	assert.JSONEq(t, `{"sku":"A-1","warehouses":[1,2]}`, string(frame.Package.Payload))
}

func TestFrameSerializer_RejectsUnknownKind(t *testing.T) {
	_, err := FrameSerializer{}.Parse([]byte(`{"kind":"bogus"}`))

	var enumErr *hubErrors.InvalidEnumValue
	require.ErrorAs(t, err, &enumErr)
	assert.Equal(t, "FrameKind", enumErr.EnumName)
}

func TestFrameSerializer_RejectsMissingBody(t *testing.T) {
	cases := map[string]string{
		"register":       `{"kind":"register"}`,
		"registerResult": `{"kind":"registerResult"}`,
		"message":        `{"kind":"message"}`,
		"response":       `{"kind":"response"}`,
		"responses":      `{"kind":"responses","responses":[]}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FrameSerializer{}.Parse([]byte(raw))

			var missing *hubErrors.MissingFieldError
			assert.ErrorAs(t, err, &missing)
		})
	}
}

func TestFrameSerializer_RejectsMalformedJson(t *testing.T) {
	_, err := FrameSerializer{}.Parse([]byte(`{"kind":`))
	assert.Error(t, err)
}

func TestFrameSerializer_ResponsesRoundTrip(t *testing.T) {
	handledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frame := ResponsesFrame([]*ResponsePayload{
		{
			MessageId: "m-1",
			Receiver:  MessageReceiver{Id: "c-1", Name: "worker"},
			HandledAt: handledAt,
			Error: &MessagingError{
				Source:       "hub",
				ErrorMessage: "no live connection",
				ErrorType:    ErrorType_NetworkError,
				Timestamp:    handledAt,
			},
		},
	}, true)

	raw, err := FrameSerializer{}.Serialize(frame)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "responses", generic["kind"])
	assert.Equal(t, true, generic["isFinalResponse"])

	parsed, err := FrameSerializer{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Responses, 1)
	assert.True(t, parsed.Responses[0].HasError())
	assert.Equal(t, ErrorType_NetworkError, parsed.Responses[0].Error.ErrorType)
	assert.Equal(t, ResponseState_Failed, parsed.Responses[0].ResponseState())
}

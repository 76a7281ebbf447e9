package message

import (
	"encoding/json"
	"testing"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageReceiver_KeyPrefersId(t *testing.T) {
	assert.Equal(t, "c-1", MessageReceiver{Id: "c-1", Name: "worker"}.Key())
	assert.Equal(t, "worker", MessageReceiver{Name: "worker"}.Key())
	assert.Equal(t, "", MessageReceiver{}.Key())
}

func TestTransportPackage_Validate(t *testing.T) {
	cases := []struct {
		name    string
		pkg     TransportPackage
		wantErr any
	}{
		{
			name:    "missing id",
			pkg:     TransportPackage{MessageTypeName: "Ping", BaseMessageType: BaseMessageType_Notification},
			wantErr: &hubErrors.MissingFieldError{},
		},
		{
			name:    "missing type name",
			pkg:     TransportPackage{MessageId: "m", BaseMessageType: BaseMessageType_Notification},
			wantErr: &hubErrors.MissingFieldError{},
		},
		{
			name:    "command without target",
			pkg:     TransportPackage{MessageId: "m", MessageTypeName: "Restart", BaseMessageType: BaseMessageType_Command},
			wantErr: &hubErrors.InvalidTargetCount{},
		},
		{
			name: "command with two targets",
			pkg: TransportPackage{MessageId: "m", MessageTypeName: "Restart", BaseMessageType: BaseMessageType_Command,
				HandlerIdsOrNames: []string{"a", "b"}},
			wantErr: &hubErrors.InvalidTargetCount{},
		},
		{
			name:    "inspection without target",
			pkg:     TransportPackage{MessageId: "m", MessageTypeName: "Status", BaseMessageType: BaseMessageType_Inspection},
			wantErr: &hubErrors.InvalidTargetCount{},
		},
		{
			name: "inspection with targets",
			pkg: TransportPackage{MessageId: "m", MessageTypeName: "Status", BaseMessageType: BaseMessageType_Inspection,
				HandlerIdsOrNames: []string{"a", "b"}},
		},
		{
			name: "notification broadcast",
			pkg:  TransportPackage{MessageId: "m", MessageTypeName: "Changed", BaseMessageType: BaseMessageType_Notification},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pkg.Validate()
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.IsType(t, tc.wantErr, err)
		})
	}
}

func TestTransportPackage_WithPayloadDoesNotMutateOriginal(t *testing.T) {
	original := &TransportPackage{
		MessageId:         "m",
		Payload:           json.RawMessage(`{"A":1}`),
		HandlerIdsOrNames: []string{"a"},
	}

	clone := original.WithPayload(json.RawMessage(`{"a":1}`))
	clone.HandlerIdsOrNames[0] = "changed"

	assert.JSONEq(t, `{"A":1}`, string(original.Payload))
	assert.Equal(t, "a", original.HandlerIdsOrNames[0])
	assert.JSONEq(t, `{"a":1}`, string(clone.Payload))
}

func TestResponsePayload_ResponseState(t *testing.T) {
	assert.Equal(t, ResponseState_ResponseReceived, (&ResponsePayload{ResponseJson: json.RawMessage(`{}`)}).ResponseState())
	assert.Equal(t, ResponseState_AcknowledgementReceived, (&ResponsePayload{IsAcknowledgement: true}).ResponseState())
	assert.Equal(t, ResponseState_Failed, (&ResponsePayload{Error: &MessagingError{}}).ResponseState())
}

func TestParseMessagePriority(t *testing.T) {
	p, err := ParseMessagePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, MessagePriority_Critical, p)

	_, err = ParseMessagePriority("urgent")
	assert.Error(t, err)
}

func TestBaseMessageType_FanOutSemantics(t *testing.T) {
	assert.True(t, BaseMessageType_Notification.IsBroadcast())
	assert.True(t, BaseMessageType_Alert.IsBroadcast())
	assert.False(t, BaseMessageType_Command.IsBroadcast())
	assert.True(t, BaseMessageType_Inspection.ExpectsResponse())
	assert.False(t, BaseMessageType_Alert.ExpectsResponse())
}

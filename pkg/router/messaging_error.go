package router

import (
	"errors"
	"time"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
)

const messagingErrorSource = "spanreed-hub"

// toMessagingError classifies err into the error shape a sender sees for one
// responder.
func toMessagingError(err error, priority message.MessagePriority, now time.Time) *message.MessagingError {
	var existing *message.MessagingError
	if errors.As(err, &existing) {
		return existing
	}

	me := &message.MessagingError{
		Source:        messagingErrorSource,
		ErrorMessage:  err.Error(),
		ErrorType:     message.ErrorType_ServerError,
		ErrorPriority: priority,
		Timestamp:     now,
	}

	var (
		unknownReceiver *hubErrors.UnknownReceiver
		notAHandler     *hubErrors.NotAMessageHandler
		noLiveConn      *hubErrors.NoLiveConnection
		deliveryFailed  *hubErrors.DeliveryFailed
		targetCount     *hubErrors.InvalidTargetCount
		missingField    *hubErrors.MissingFieldError
		invalidEnum     *hubErrors.InvalidEnumValue
		missingTrans    *hubErrors.MissingTransport
	)

	switch {
	case errors.As(err, &unknownReceiver):
		me.ErrorType = message.ErrorType_ClientError
		me.Suggestion = "Check that the target is connected and addressed by its client id or client name"
	case errors.As(err, &notAHandler):
		me.ErrorType = message.ErrorType_ClientError
		me.Suggestion = "The target did not register this message type when it connected"
	case errors.As(err, &targetCount), errors.As(err, &missingField), errors.As(err, &invalidEnum):
		me.ErrorType = message.ErrorType_ClientError
	case errors.As(err, &noLiveConn):
		me.ErrorType = message.ErrorType_NetworkError
		me.Suggestion = "The target is reconnecting or has gone away"
	case errors.As(err, &deliveryFailed):
		me.ErrorType = message.ErrorType_NetworkError
	case errors.As(err, &missingTrans):
		me.ErrorType = message.ErrorType_ServerError
	}

	return me
}

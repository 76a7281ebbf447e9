// Package tracking correlates out-of-band responses with the messages that
// asked for them.
package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/events"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"go.uber.org/zap"
)

const (
	DefaultExpiryInterval = 5 * time.Minute
	DefaultExpiryTTL      = 5 * time.Minute
)

type MessageErrorSetEvent struct {
	Package   *message.TransportPackage
	Responder *ExpectedResponder
	Error     *message.MessagingError
}

type MessageResponseSetEvent struct {
	MessageId          string
	SenderConnectionId string
	Package            *message.TransportPackage
	Response           *message.ResponsePayload
}

type PendingResponseExpiredEvent struct {
	MessageId     string
	ResponseCount int
	ExpectedCount int
	Age           time.Duration
}

type ResponseTrackerParams struct {
	// How often the expiry sweep runs, and how old a pending response must be
	// before the sweep drops it.
	ExpiryInterval time.Duration
	ExpiryTTL      time.Duration

	Logger *zap.Logger
}

type ResponseTracker struct {
	params ResponseTrackerParams

	mut_pending sync.RWMutex
	pending     map[string]*PendingResponse

	MessageErrorSet        *events.EventSource[MessageErrorSetEvent]
	MessageResponseSet     *events.EventSource[MessageResponseSetEvent]
	PendingResponseExpired *events.EventSource[PendingResponseExpiredEvent]

	now func() time.Time
	log *zap.Logger
}

func CreateResponseTracker(params ResponseTrackerParams) *ResponseTracker {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ExpiryInterval <= 0 {
		params.ExpiryInterval = DefaultExpiryInterval
	}
	if params.ExpiryTTL <= 0 {
		params.ExpiryTTL = DefaultExpiryTTL
	}

	log := logger.With(zap.String("component", "ResponseTracker"))

	return &ResponseTracker{
		params:                 params,
		mut_pending:            sync.RWMutex{},
		pending:                make(map[string]*PendingResponse),
		MessageErrorSet:        events.CreateEventSource[MessageErrorSetEvent]("MessageErrorSet", log),
		MessageResponseSet:     events.CreateEventSource[MessageResponseSetEvent]("MessageResponseSet", log),
		PendingResponseExpired: events.CreateEventSource[PendingResponseExpiredEvent]("PendingResponseExpired", log),
		now:                    time.Now,
		log:                    log,
	}
}

func (t *ResponseTracker) getPending(messageId string) *PendingResponse {
	t.mut_pending.RLock()
	defer t.mut_pending.RUnlock()
	return t.pending[messageId]
}

// TrackPendingResponse starts tracking responses for pkg. Responses for a
// message id are dropped unless this was called first.
func (t *ResponseTracker) TrackPendingResponse(pkg *message.TransportPackage, senderConnectionId string, expectedCount int) *PendingResponse {
	pending := &PendingResponse{
		MessageId:             pkg.MessageId,
		SenderConnectionId:    senderConnectionId,
		Package:               pkg,
		ExpectedResponseCount: expectedCount,
		CreatedAt:             t.now(),
		responders:            make(map[string]*ExpectedResponder),
		responses:             []*message.ResponsePayload{},
	}

	t.mut_pending.Lock()
	defer t.mut_pending.Unlock()

	if _, has := t.pending[pkg.MessageId]; has {
		// Message ids are assumed unique. Keep the newest so the latest sender is answered.
		t.log.Warn("Replacing pending response with duplicate message id", zap.String("messageId", pkg.MessageId))
	}
	t.pending[pkg.MessageId] = pending

	t.log.Debug("Tracking pending response",
		zap.String("messageId", pkg.MessageId),
		zap.String("sender", senderConnectionId),
		zap.Int("expectedCount", expectedCount))
	return pending
}

func (t *ResponseTracker) GetPendingResponse(messageId string) (*PendingResponse, bool) {
	pending := t.getPending(messageId)
	return pending, pending != nil
}

func (t *ResponseTracker) PendingCount() int {
	t.mut_pending.RLock()
	defer t.mut_pending.RUnlock()
	return len(t.pending)
}

// AddHandlerForTrackedMessage registers receiver as expected to answer. Adding
// the same receiver again (by id or by name) returns the existing entry.
func (t *ResponseTracker) AddHandlerForTrackedMessage(messageId string, receiver message.MessageReceiver) (*ExpectedResponder, bool) {
	pending := t.getPending(messageId)
	if pending == nil {
		t.log.Warn("Cannot add handler for untracked message", zap.String("messageId", messageId), zap.Stringer("receiver", receiver))
		return nil, false
	}

	pending.mut.Lock()
	defer pending.mut.Unlock()
	return pending.addResponderLocked(receiver), true
}

func (t *ResponseTracker) GetExpectedResponder(messageId string, receiver message.MessageReceiver) (*ExpectedResponder, bool) {
	pending := t.getPending(messageId)
	if pending == nil {
		return nil, false
	}

	pending.mut.Lock()
	defer pending.mut.Unlock()

	responder := pending.findResponderLocked(receiver)
	return responder, responder != nil
}

// RecordResponse stores a handler's answer and raises MessageResponseSet.
// Responses for unknown messages or unexpected responders are logged and
// dropped; a responder only ever contributes one response.
func (t *ResponseTracker) RecordResponse(messageId string, payload *message.ResponsePayload) bool {
	log := t.log.With(zap.String("messageId", messageId), zap.Stringer("receiver", payload.Receiver))

	pending := t.getPending(messageId)
	if pending == nil {
		log.Warn("Dropping response for untracked message")
		return false
	}

	pending.mut_route.Lock()
	defer pending.mut_route.Unlock()

	recorded := func() bool {
		pending.mut.Lock()
		defer pending.mut.Unlock()

		responder := pending.findResponderLocked(payload.Receiver)
		if responder == nil {
			log.Warn("Dropping response from receiver that was not expected to answer")
			return false
		}

		responder.mut.Lock()
		defer responder.mut.Unlock()

		if responder.response != nil {
			log.Warn("Dropping duplicate response", zap.Stringer("responderState", responder.state))
			return false
		}

		if payload.HasError() {
			responder.state = ResponderState_Error
			responder.lastError = payload.Error
		} else {
			responder.state = ResponderState_Received
		}
		responder.response = payload
		pending.responses = append(pending.responses, payload)
		return true
	}()

	if !recorded {
		return false
	}

	log.Debug("Recorded response", zap.Stringer("responseState", payload.ResponseState()))
	t.MessageResponseSet.Raise(MessageResponseSetEvent{
		MessageId:          messageId,
		SenderConnectionId: pending.SenderConnectionId,
		Package:            pending.Package,
		Response:           payload,
	})
	return true
}

// SetMessagingErrorFor attaches err to the receiver's responder, creating the
// responder if resolution failed before one was ever added, and raises
// MessageErrorSet.
func (t *ResponseTracker) SetMessagingErrorFor(pkg *message.TransportPackage, receiver message.MessageReceiver, err *message.MessagingError) bool {
	log := t.log.With(zap.String("messageId", pkg.MessageId), zap.Stringer("receiver", receiver))

	pending := t.getPending(pkg.MessageId)
	if pending == nil {
		log.Warn("Dropping messaging error for untracked message", zap.String("error", err.ErrorMessage))
		return false
	}

	responder := func() *ExpectedResponder {
		pending.mut.Lock()
		defer pending.mut.Unlock()

		responder := pending.findResponderLocked(receiver)
		if responder == nil {
			log.Debug("Synthesizing responder for messaging error")
			responder = pending.addResponderLocked(receiver)
		}

		responder.mut.Lock()
		defer responder.mut.Unlock()

		if responder.response != nil {
			return nil
		}
		responder.state = ResponderState_Error
		responder.lastError = err
		return responder
	}()

	if responder == nil {
		log.Debug("Ignoring messaging error for responder that already answered")
		return false
	}

	log.Info("Messaging error set", zap.Stringer("errorType", err.ErrorType), zap.String("error", err.ErrorMessage))
	t.MessageErrorSet.Raise(MessageErrorSetEvent{
		Package:   pkg,
		Responder: responder,
		Error:     err,
	})
	return true
}

// RefreshMessagingError replaces the responder's error without raising
// MessageErrorSet. The retry loop uses it between attempts.
func (t *ResponseTracker) RefreshMessagingError(messageId string, receiver message.MessageReceiver, err *message.MessagingError) bool {
	responder, has := t.GetExpectedResponder(messageId, receiver)
	if !has {
		return false
	}

	responder.mut.Lock()
	defer responder.mut.Unlock()

	if responder.response != nil {
		return false
	}
	responder.state = ResponderState_Error
	responder.lastError = err
	return true
}

// ResetResponderForRetry puts an errored responder back to Waiting after the
// message was redelivered to it.
func (t *ResponseTracker) ResetResponderForRetry(messageId string, receiver message.MessageReceiver) bool {
	responder, has := t.GetExpectedResponder(messageId, receiver)
	if !has {
		return false
	}

	responder.mut.Lock()
	defer responder.mut.Unlock()

	if responder.response != nil || responder.state != ResponderState_Error {
		return false
	}
	responder.state = ResponderState_Waiting
	return true
}

// RecordTerminalError delivers the responder's stored error as its final
// response so that the sender's request completes.
func (t *ResponseTracker) RecordTerminalError(messageId string, receiver message.MessageReceiver) bool {
	responder, has := t.GetExpectedResponder(messageId, receiver)
	if !has {
		t.log.Warn("Cannot record terminal error for unknown responder", zap.String("messageId", messageId), zap.Stringer("receiver", receiver))
		return false
	}

	lastError := responder.LastError()
	if lastError == nil {
		return false
	}

	return t.RecordResponse(messageId, &message.ResponsePayload{
		MessageId: messageId,
		Receiver:  responder.Receiver(),
		HandledAt: t.now(),
		Error:     lastError,
	})
}

func (t *ResponseTracker) GotAllResponsesForMessage(messageId string) bool {
	pending := t.getPending(messageId)
	if pending == nil {
		return false
	}
	return pending.gotAllResponses()
}

// MessageCleanupReady retires the pending response once every expected
// response is in. Call it only after the final response reached the sender.
func (t *ResponseTracker) MessageCleanupReady(messageId string) bool {
	t.mut_pending.Lock()
	defer t.mut_pending.Unlock()

	pending, has := t.pending[messageId]
	if !has || !pending.gotAllResponses() {
		return false
	}

	delete(t.pending, messageId)
	t.log.Debug("Pending response complete", zap.String("messageId", messageId), zap.Int("responseCount", pending.ResponseCount()))
	return true
}

// TryGetFailedResponders lists the responders that have not answered
// successfully.
func (t *ResponseTracker) TryGetFailedResponders(messageId string) ([]*ExpectedResponder, bool) {
	pending := t.getPending(messageId)
	if pending == nil {
		return nil, false
	}

	failed := []*ExpectedResponder{}
	for _, responder := range pending.Responders() {
		if responder.State() != ResponderState_Received {
			failed = append(failed, responder)
		}
	}
	return failed, true
}

// RemoveExpired drops every pending response created before cutoff.
func (t *ResponseTracker) RemoveExpired(cutoff time.Time) int {
	expired := []*PendingResponse{}

	func() {
		t.mut_pending.Lock()
		defer t.mut_pending.Unlock()

		for messageId, pending := range t.pending {
			if pending.CreatedAt.Before(cutoff) {
				delete(t.pending, messageId)
				expired = append(expired, pending)
			}
		}
	}()

	now := t.now()
	for _, pending := range expired {
		responseCount := pending.ResponseCount()
		t.log.Info("Expired pending response",
			zap.String("messageId", pending.MessageId),
			zap.Int("responseCount", responseCount),
			zap.Int("expectedCount", pending.ExpectedResponseCount))
		t.PendingResponseExpired.Raise(PendingResponseExpiredEvent{
			MessageId:     pending.MessageId,
			ResponseCount: responseCount,
			ExpectedCount: pending.ExpectedResponseCount,
			Age:           now.Sub(pending.CreatedAt),
		})
	}

	return len(expired)
}

// Start runs the expiry sweep until ctx is cancelled.
func (t *ResponseTracker) Start(ctx context.Context) error {
	ticker := time.NewTicker(t.params.ExpiryInterval)
	defer ticker.Stop()

	t.log.Info("Starting pending response expiry sweep",
		zap.Duration("interval", t.params.ExpiryInterval),
		zap.Duration("ttl", t.params.ExpiryTTL))

	for {
		select {
		case <-ctx.Done():
			t.log.Info("Stopping pending response expiry sweep")
			return nil
		case <-ticker.C:
			removed := t.RemoveExpired(t.now().Add(-t.params.ExpiryTTL))
			if removed > 0 {
				t.log.Debug("Expiry sweep finished", zap.Int("removed", removed))
			}
		}
	}
}

package router

import (
	"context"
	"fmt"
	"time"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/sessamekesh/spanreed-message-hub/pkg/pipeline"
	"github.com/sessamekesh/spanreed-message-hub/pkg/tracking"
	"go.uber.org/zap"
)

func (r *TransportRouter) onMessageErrorSet(ev tracking.MessageErrorSetEvent) {
	r.process(r.ctx, pipeline.MessageContext{
		State:        pipeline.MessageState_Failed,
		Package:      ev.Package,
		Receiver:     ev.Responder.Receiver(),
		Error:        ev.Error,
		FailureCount: ev.Responder.FailureCount(),
	})

	r.mut_lifecycle.Lock()
	defer r.mut_lifecycle.Unlock()

	if r.stopped {
		return
	}

	pending, has := r.params.Responses.GetPendingResponse(ev.Package.MessageId)
	if !has {
		return
	}

	r.retries.Add(1)
	go func() {
		defer r.retries.Done()
		r.retryDelivery(r.ctx, pending, ev.Package, ev.Responder)
	}()
}

// stillPending is false once the message the retry was started for has been
// completed, expired or replaced by a message with the same id.
func (r *TransportRouter) stillPending(pending *tracking.PendingResponse) bool {
	current, has := r.params.Responses.GetPendingResponse(pending.MessageId)
	return has && current == pending
}

// retryDelivery redelivers pkg to one responder on the scheduler's backoff
// until it goes through, the scheduler gives up or the message stops being
// pending.
func (r *TransportRouter) retryDelivery(ctx context.Context, pending *tracking.PendingResponse, pkg *message.TransportPackage, responder *tracking.ExpectedResponder) {
	receiver := responder.Receiver()
	log := r.log.With(
		zap.String("messageId", pkg.MessageId),
		zap.Stringer("receiver", receiver),
		zap.Stringer("priority", pkg.Priority))

	defer func() {
		if p := recover(); p != nil {
			log.Error("Panic in retry loop", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	if isUnknownReceiver(receiver) {
		r.retriesExhausted(ctx, log, pkg, responder)
		return
	}

	release, err := r.acquireRetryGate(ctx, receiver.Key())
	if err != nil {
		log.Debug("Retry abandoned while waiting for another retry to the same target")
		return
	}
	defer release()

	for {
		if responder.Response() != nil {
			return
		}
		if !r.stillPending(pending) {
			log.Info("Message is no longer pending, abandoning retry")
			return
		}

		delay, ok := r.params.Scheduler.ShouldRetryDelivery(pkg.Priority, responder)
		if !ok {
			r.retriesExhausted(ctx, log, pkg, responder)
			return
		}

		failureCount := responder.FailureCount()
		log.Info("Scheduling redelivery", zap.Duration("delay", delay), zap.Int("failureCount", failureCount))
		r.process(ctx, pipeline.MessageContext{
			State:        pipeline.MessageState_RetryScheduled,
			Package:      pkg,
			Receiver:     receiver,
			RetryDelay:   delay,
			FailureCount: failureCount,
		})
		r.Events.RetryScheduled.Raise(RetryScheduledEvent{
			Package:      pkg,
			Receiver:     receiver,
			Delay:        delay,
			FailureCount: failureCount,
		})

		if err := sleepContext(ctx, delay); err != nil {
			log.Debug("Retry cancelled during backoff")
			return
		}
		if !r.stillPending(pending) {
			log.Info("Message expired during backoff, abandoning retry")
			return
		}

		err := r.redeliver(ctx, log, pkg, responder)
		if err == nil {
			r.params.Responses.ResetResponderForRetry(pkg.MessageId, responder.Receiver())
			log.Info("Redelivered message", zap.Int("failureCount", failureCount))
			return
		}

		log.Info("Redelivery failed", zap.Int("failureCount", failureCount), zap.Error(err))
		r.params.Responses.RefreshMessagingError(pkg.MessageId, responder.Receiver(), toMessagingError(err, pkg.Priority, r.now()))
	}
}

// redeliver re-resolves the responder (it may have reconnected under a new
// transport session) and dispatches again.
func (r *TransportRouter) redeliver(ctx context.Context, log *zap.Logger, pkg *message.TransportPackage, responder *tracking.ExpectedResponder) error {
	receiver := responder.Receiver()

	resolved, has := r.params.Connections.GetMessageReceiver(receiver.Key())
	if !has {
		return &hubErrors.UnknownReceiver{NameOrId: receiver.Key()}
	}
	if receiver.Id == "" {
		r.params.Responses.AddHandlerForTrackedMessage(pkg.MessageId, resolved)
	}

	return r.safeDeliverTo(ctx, log, pkg, resolved)
}

// retriesExhausted ends the retry path for one responder. Broadcast messages
// drop the failure; messages that expect an answer get the error as the
// responder's final response.
func (r *TransportRouter) retriesExhausted(ctx context.Context, log *zap.Logger, pkg *message.TransportPackage, responder *tracking.ExpectedResponder) {
	receiver := responder.Receiver()
	failureCount := responder.FailureCount()

	r.Events.RetriesExhausted.Raise(RetriesExhaustedEvent{
		Package:      pkg,
		Receiver:     receiver,
		FailureCount: failureCount,
	})

	if pkg.BaseMessageType.IsBroadcast() {
		log.Info("Dropping undeliverable broadcast message", zap.Int("failureCount", failureCount))
		return
	}

	if lastError := responder.LastError(); lastError != nil && !isUnknownReceiver(receiver) {
		exhausted := &hubErrors.RetriesExhausted{MessageId: pkg.MessageId, Receiver: receiver.String(), Attempts: failureCount}
		terminal := *lastError
		terminal.ErrorMessage = fmt.Sprintf("%s: %s", exhausted.Error(), lastError.ErrorMessage)
		terminal.Timestamp = r.now()
		r.params.Responses.RefreshMessagingError(pkg.MessageId, receiver, &terminal)
	}

	log.Warn("Delivery retries exhausted, answering sender with error", zap.Int("failureCount", failureCount))
	if !r.params.Responses.RecordTerminalError(pkg.MessageId, receiver) {
		log.Debug("Terminal error not recorded, message is no longer pending")
	}
}

// retryGate lets one retry at a time run for an addressing key. users counts
// the holder plus every waiter; the gate leaves the map when it drops to zero.
type retryGate struct {
	slot  chan struct{}
	users int
}

func (r *TransportRouter) acquireRetryGate(ctx context.Context, key string) (func(), error) {
	r.mut_retryGates.Lock()
	gate, has := r.retryGates[key]
	if !has {
		gate = &retryGate{slot: make(chan struct{}, 1)}
		r.retryGates[key] = gate
	}
	gate.users++
	r.mut_retryGates.Unlock()

	leave := func() {
		r.mut_retryGates.Lock()
		defer r.mut_retryGates.Unlock()
		gate.users--
		if gate.users == 0 {
			delete(r.retryGates, key)
		}
	}

	select {
	case gate.slot <- struct{}{}:
		return func() {
			<-gate.slot
			leave()
		}, nil
	case <-ctx.Done():
		leave()
		return nil, ctx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

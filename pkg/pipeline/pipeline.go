// Package pipeline runs ordered processor chains at each step of a message's
// life in the hub. Storage hooks and other side effects plug in here without
// the router knowing about them.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"go.uber.org/zap"
)

type MessageState uint8

const (
	// Accepted from the sender, before any handler is resolved
	MessageState_Received MessageState = iota
	// Handed to a handler's transport
	MessageState_Forwarded
	// A delivery failed and a retry is waiting out its backoff
	MessageState_RetryScheduled
	// A messaging error was attached to a responder
	MessageState_Failed
	// A response was delivered to the sender
	MessageState_ResponseRouted
)

func (s MessageState) String() string {
	switch s {
	case MessageState_Received:
		return "Received"
	case MessageState_Forwarded:
		return "Forwarded"
	case MessageState_RetryScheduled:
		return "RetryScheduled"
	case MessageState_Failed:
		return "Failed"
	case MessageState_ResponseRouted:
		return "ResponseRouted"
	}
	return "Unknown"
}

// MessageContext is what every processor receives. Fields that do not apply
// to the state are left zero.
type MessageContext struct {
	State     MessageState
	Package   *message.TransportPackage
	Receiver  message.MessageReceiver
	Response  *message.ResponsePayload
	Error     *message.MessagingError
	Timestamp time.Time

	// Transport-supplied context for an inbound message (Received only)
	Metadata map[string]string

	RetryDelay   time.Duration
	FailureCount int
}

type Processor func(ctx context.Context, mc *MessageContext) error

// StateProcessorRegistry maps each state to the ordered processors that run
// when a message enters it.
type StateProcessorRegistry struct {
	mut_processors sync.RWMutex
	processors     map[MessageState][]Processor

	log *zap.Logger
}

func CreateStateProcessorRegistry(logger *zap.Logger) *StateProcessorRegistry {
	log := logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}

	return &StateProcessorRegistry{
		mut_processors: sync.RWMutex{},
		processors:     make(map[MessageState][]Processor),
		log:            log.With(zap.String("component", "StateProcessorRegistry")),
	}
}

// Register appends processors to the end of the chain for state.
func (r *StateProcessorRegistry) Register(state MessageState, processors ...Processor) {
	r.mut_processors.Lock()
	defer r.mut_processors.Unlock()

	chain := make([]Processor, 0, len(r.processors[state])+len(processors))
	chain = append(chain, r.processors[state]...)
	r.processors[state] = append(chain, processors...)
}

func (r *StateProcessorRegistry) ProcessorCount(state MessageState) int {
	r.mut_processors.RLock()
	defer r.mut_processors.RUnlock()
	return len(r.processors[state])
}

// Process runs the chain for mc.State in order and stops at the first error.
func (r *StateProcessorRegistry) Process(ctx context.Context, mc *MessageContext) error {
	r.mut_processors.RLock()
	chain := r.processors[mc.State]
	r.mut_processors.RUnlock()

	if mc.Timestamp.IsZero() {
		mc.Timestamp = time.Now()
	}

	for i, processor := range chain {
		if err := processor(ctx, mc); err != nil {
			messageId := ""
			if mc.Package != nil {
				messageId = mc.Package.MessageId
			}
			r.log.Warn("State processor failed",
				zap.Stringer("state", mc.State),
				zap.Int("processorIndex", i),
				zap.String("messageId", messageId),
				zap.Error(err))
			return err
		}
	}
	return nil
}

package tracking

import (
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
)

type ResponderState uint8

const (
	ResponderState_Waiting ResponderState = iota
	ResponderState_Received
	ResponderState_Error
)

func (s ResponderState) String() string {
	switch s {
	case ResponderState_Waiting:
		return "Waiting"
	case ResponderState_Received:
		return "Received"
	case ResponderState_Error:
		return "Error"
	}
	return "Unknown"
}

// ExpectedResponder is one handler that is expected to answer one message. It
// owns the failure counter the retry path works with.
type ExpectedResponder struct {
	mut          sync.Mutex
	receiver     message.MessageReceiver
	state        ResponderState
	failureCount int
	lastError    *message.MessagingError
	response     *message.ResponsePayload
}

func newExpectedResponder(receiver message.MessageReceiver) *ExpectedResponder {
	return &ExpectedResponder{
		receiver: receiver,
		state:    ResponderState_Waiting,
	}
}

func (r *ExpectedResponder) Receiver() message.MessageReceiver {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.receiver
}

func (r *ExpectedResponder) State() ResponderState {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.state
}

// Response is the payload delivered for this responder, nil until one has been.
func (r *ExpectedResponder) Response() *message.ResponsePayload {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.response
}

func (r *ExpectedResponder) LastError() *message.MessagingError {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.lastError
}

func (r *ExpectedResponder) FailureCount() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.failureCount
}

func (r *ExpectedResponder) IncrementFailureCount() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.failureCount++
	return r.failureCount
}

// PendingResponse is one in-flight message awaiting its responses.
type PendingResponse struct {
	MessageId             string
	SenderConnectionId    string
	Package               *message.TransportPackage
	ExpectedResponseCount int
	CreatedAt             time.Time

	// Serializes record-then-route for this message so responses reach the
	// sender in the order they were recorded.
	mut_route sync.Mutex

	mut        sync.Mutex
	responders map[string]*ExpectedResponder
	responses  []*message.ResponsePayload
}

func (p *PendingResponse) ResponseCount() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.responses)
}

func (p *PendingResponse) Responses() []*message.ResponsePayload {
	p.mut.Lock()
	defer p.mut.Unlock()
	return append([]*message.ResponsePayload(nil), p.responses...)
}

func (p *PendingResponse) Responders() []*ExpectedResponder {
	p.mut.Lock()
	defer p.mut.Unlock()

	responders := make([]*ExpectedResponder, 0, len(p.responders))
	for _, r := range p.responders {
		responders = append(responders, r)
	}
	return responders
}

func (p *PendingResponse) gotAllResponses() bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.responses) >= p.ExpectedResponseCount
}

// findResponderLocked matches by id first and falls back to the friendly name.
func (p *PendingResponse) findResponderLocked(receiver message.MessageReceiver) *ExpectedResponder {
	if receiver.Id != "" {
		if r, has := p.responders[receiver.Id]; has {
			return r
		}
		for _, r := range p.responders {
			if r.receiver.Id == receiver.Id {
				return r
			}
		}
	}

	if receiver.Name != "" {
		if r, has := p.responders[receiver.Name]; has {
			return r
		}
		for _, r := range p.responders {
			if r.receiver.Name == receiver.Name {
				return r
			}
		}
	}

	return nil
}

func (p *PendingResponse) addResponderLocked(receiver message.MessageReceiver) *ExpectedResponder {
	if existing := p.findResponderLocked(receiver); existing != nil {
		existing.mut.Lock()
		defer existing.mut.Unlock()

		// A name-only responder learns its id: re-key it so it is not tracked twice.
		if existing.receiver.Id == "" && receiver.Id != "" {
			delete(p.responders, existing.receiver.Key())
			existing.receiver.Id = receiver.Id
			p.responders[existing.receiver.Key()] = existing
		}
		return existing
	}

	responder := newExpectedResponder(receiver)
	p.responders[receiver.Key()] = responder
	return responder
}

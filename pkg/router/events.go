package router

import (
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/events"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"go.uber.org/zap"
)

type ClientConnectedEvent struct {
	Connection *message.ClientConnection
}

// ClientDisconnectedEvent carries the last known state of the connection,
// taken before it was removed.
type ClientDisconnectedEvent struct {
	Connection *message.ClientConnection
}

type MessageForwardedEvent struct {
	Package  *message.TransportPackage
	Receiver message.MessageReceiver
}

type RetryScheduledEvent struct {
	Package      *message.TransportPackage
	Receiver     message.MessageReceiver
	Delay        time.Duration
	FailureCount int
}

type RetriesExhaustedEvent struct {
	Package      *message.TransportPackage
	Receiver     message.MessageReceiver
	FailureCount int
}

type ResponseRoutedEvent struct {
	MessageId       string
	SenderId        string
	Response        *message.ResponsePayload
	IsFinalResponse bool
}

type RouterEvents struct {
	ClientConnected    *events.EventSource[ClientConnectedEvent]
	ClientDisconnected *events.EventSource[ClientDisconnectedEvent]
	MessageForwarded   *events.EventSource[MessageForwardedEvent]
	RetryScheduled     *events.EventSource[RetryScheduledEvent]
	RetriesExhausted   *events.EventSource[RetriesExhaustedEvent]
	ResponseRouted     *events.EventSource[ResponseRoutedEvent]
}

func createRouterEvents(log *zap.Logger) RouterEvents {
	return RouterEvents{
		ClientConnected:    events.CreateEventSource[ClientConnectedEvent]("ClientConnected", log),
		ClientDisconnected: events.CreateEventSource[ClientDisconnectedEvent]("ClientDisconnected", log),
		MessageForwarded:   events.CreateEventSource[MessageForwardedEvent]("MessageForwarded", log),
		RetryScheduled:     events.CreateEventSource[RetryScheduledEvent]("RetryScheduled", log),
		RetriesExhausted:   events.CreateEventSource[RetriesExhaustedEvent]("RetriesExhausted", log),
		ResponseRouted:     events.CreateEventSource[ResponseRoutedEvent]("ResponseRouted", log),
	}
}

package internal

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MessageHandlerTracker maps message type names to the clients registered to
// handle them.
type MessageHandlerTracker struct {
	mut_handlers sync.RWMutex
	handlers     map[string]map[string]struct{}

	log *zap.Logger
}

func CreateMessageHandlerTracker(logger *zap.Logger) *MessageHandlerTracker {
	log := logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}

	return &MessageHandlerTracker{
		mut_handlers: sync.RWMutex{},
		handlers:     make(map[string]map[string]struct{}),
		log:          log.With(zap.String("component", "MessageHandlerTracker")),
	}
}

func (t *MessageHandlerTracker) AddMessageHandler(handlerId string, messageTypeNames ...string) {
	t.mut_handlers.Lock()
	defer t.mut_handlers.Unlock()

	for _, typeName := range messageTypeNames {
		if typeName == "" {
			continue
		}

		set, has := t.handlers[typeName]
		if !has {
			set = make(map[string]struct{})
			t.handlers[typeName] = set
		}
		set[handlerId] = struct{}{}
	}

	t.log.Debug("Registered message handler", zap.String("handlerId", handlerId), zap.Strings("messageTypes", messageTypeNames))
}

// GetMessageHandlers returns the handler ids for a type, sorted, or an empty
// slice if nobody handles it.
func (t *MessageHandlerTracker) GetMessageHandlers(messageTypeName string) []string {
	t.mut_handlers.RLock()
	defer t.mut_handlers.RUnlock()

	set := t.handlers[messageTypeName]
	handlerIds := make([]string, 0, len(set))
	for handlerId := range set {
		handlerIds = append(handlerIds, handlerId)
	}
	sort.Strings(handlerIds)
	return handlerIds
}

func (t *MessageHandlerTracker) RemoveHandler(handlerId string) bool {
	t.mut_handlers.Lock()
	defer t.mut_handlers.Unlock()

	removed := false
	for typeName, set := range t.handlers {
		if _, has := set[handlerId]; !has {
			continue
		}
		delete(set, handlerId)
		removed = true
		if len(set) == 0 {
			delete(t.handlers, typeName)
		}
	}

	if removed {
		t.log.Debug("Removed message handler", zap.String("handlerId", handlerId))
	}
	return removed
}

func (t *MessageHandlerTracker) IsClientHandler(messageTypeName, clientId string) bool {
	t.mut_handlers.RLock()
	defer t.mut_handlers.RUnlock()

	_, has := t.handlers[messageTypeName][clientId]
	return has
}

func (t *MessageHandlerTracker) HandledMessageTypes(handlerId string) []string {
	t.mut_handlers.RLock()
	defer t.mut_handlers.RUnlock()

	typeNames := []string{}
	for typeName, set := range t.handlers {
		if _, has := set[handlerId]; has {
			typeNames = append(typeNames, typeName)
		}
	}
	sort.Strings(typeNames)
	return typeNames
}

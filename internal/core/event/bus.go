package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
	"go.uber.org/zap"
)

// DefaultQueueSize is the number of undelivered events the bus buffers.
const DefaultQueueSize = 1024

// EventHandler represents a function that handles events
type EventHandler func(event *SessionEvent)

// EventMiddleware represents middleware that can wrap event handlers
type EventMiddleware func(next EventHandler) EventHandler

// EventBus defines the interface for event bus operations
type EventBus interface {
	Publish(event *SessionEvent) error
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeWithTimeout(eventType EventType, handler EventHandler, timeout time.Duration) error
	Use(middleware EventMiddleware)
	Close() error
	GetStats() BusStats
}

// BusStats contains statistics about the event bus
type BusStats struct {
	TotalEvents     int64            `json:"total_events"`
	DroppedEvents   int64            `json:"dropped_events"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	ActiveHandlers  int              `json:"active_handlers"`
	SubscriberCount map[string]int   `json:"subscriber_count"`
}

// DefaultEventBus delivers events on a single dispatcher goroutine, so
// handlers see events in publish order. Publish never blocks: when the
// buffer is full the event is dropped and counted.
type DefaultEventBus struct {
	subscribers map[EventType][]EventHandler
	middleware  []EventMiddleware
	mutex       sync.RWMutex
	queue       chan *SessionEvent
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
	stats       BusStats
	statsMutex  sync.RWMutex
}

// NewEventBus creates a new event bus instance
func NewEventBus(queueSize int) *DefaultEventBus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	b := &DefaultEventBus{
		subscribers: make(map[EventType][]EventHandler),
		middleware:  make([]EventMiddleware, 0),
		queue:       make(chan *SessionEvent, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		stats: BusStats{
			EventsByType:    make(map[string]int64),
			SubscriberCount: make(map[string]int),
		},
	}
	go b.dispatch()
	return b
}

// Publish enqueues an event for delivery.
func (b *DefaultEventBus) Publish(event *SessionEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	select {
	case <-b.ctx.Done():
		return fmt.Errorf("event bus is closed")
	default:
	}

	select {
	case b.queue <- event:
		b.updateStats(event.Type)
		return nil
	default:
		b.statsMutex.Lock()
		b.stats.DroppedEvents++
		b.statsMutex.Unlock()
		logger.Base().Warn("Event bus full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("session_id", event.SessionID))
		return fmt.Errorf("event bus queue full")
	}
}

func (b *DefaultEventBus) dispatch() {
	defer close(b.done)
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.ctx.Done():
			// Flush what was accepted before Close.
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *DefaultEventBus) deliver(event *SessionEvent) {
	b.mutex.RLock()
	handlers := make([]EventHandler, len(b.subscribers[event.Type]))
	copy(handlers, b.subscribers[event.Type])
	middleware := make([]EventMiddleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mutex.RUnlock()

	for _, h := range handlers {
		finalHandler := h
		for i := len(middleware) - 1; i >= 0; i-- {
			finalHandler = middleware[i](finalHandler)
		}
		b.invoke(finalHandler, event)
	}
}

// invoke isolates the dispatcher from handler panics.
func (b *DefaultEventBus) invoke(h EventHandler, event *SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Base().Error("Event handler panic",
				zap.String("type", string(event.Type)),
				zap.String("session_id", event.SessionID),
				zap.Any("panic", r))
		}
	}()
	h(event)
}

// Subscribe subscribes to events of a specific type
func (b *DefaultEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	return b.SubscribeWithTimeout(eventType, handler, 0)
}

// SubscribeWithTimeout subscribes with a per-event time budget. A handler that
// overruns keeps running in the background while dispatch moves on.
func (b *DefaultEventBus) SubscribeWithTimeout(eventType EventType, handler EventHandler, timeout time.Duration) error {
	select {
	case <-b.ctx.Done():
		return fmt.Errorf("event bus is closed")
	default:
	}

	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	finalHandler := handler
	if timeout > 0 {
		finalHandler = TimeoutMiddleware(timeout)(handler)
	}

	b.subscribers[eventType] = append(b.subscribers[eventType], finalHandler)

	b.statsMutex.Lock()
	b.stats.SubscriberCount[string(eventType)]++
	b.stats.ActiveHandlers++
	b.statsMutex.Unlock()

	logger.Base().Debug("Subscribed to event type", zap.String("event_type", string(eventType)))
	return nil
}

// Use adds middleware to the event bus
func (b *DefaultEventBus) Use(middleware EventMiddleware) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// Close stops accepting events, delivers the ones already queued, and waits
// for the dispatcher to exit.
func (b *DefaultEventBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done

		b.mutex.Lock()
		b.subscribers = make(map[EventType][]EventHandler)
		b.middleware = make([]EventMiddleware, 0)
		b.mutex.Unlock()

		logger.Base().Info("Event bus closed")
	})
	return nil
}

// GetStats returns current bus statistics
func (b *DefaultEventBus) GetStats() BusStats {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()

	stats := BusStats{
		TotalEvents:     b.stats.TotalEvents,
		DroppedEvents:   b.stats.DroppedEvents,
		EventsByType:    make(map[string]int64),
		ActiveHandlers:  b.stats.ActiveHandlers,
		SubscriberCount: make(map[string]int),
	}

	for k, v := range b.stats.EventsByType {
		stats.EventsByType[k] = v
	}

	for k, v := range b.stats.SubscriberCount {
		stats.SubscriberCount[k] = v
	}

	return stats
}

// updateStats updates event statistics
func (b *DefaultEventBus) updateStats(eventType EventType) {
	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()

	b.stats.TotalEvents++
	b.stats.EventsByType[string(eventType)]++
}

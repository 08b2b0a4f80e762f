// Package events is the in-process publish/subscribe bus for change
// notifications, backed by watermill's go-channel pub/sub.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	TopicBookingChanged      = "booking.changed"
	TopicTaskCreated         = "task.created"
	TopicSyncLogAppended     = "sync_log.appended"
	TopicHealthStatusChanged = "health.status_changed"
)

const createdAtKey = "created_at"

// ErrClosed is returned by a bus that has been closed.
var ErrClosed = errors.New("event bus closed")

// Event is one delivered message.
type Event struct {
	ID        string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler reacts to an event. Errors are logged; the event is not redelivered.
type Handler func(ctx context.Context, evt Event) error

// Publisher is the write side of the bus, accepted by producers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus fans events out to every subscriber of a topic.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zerolog.Logger

	mu     sync.Mutex
	closed bool
	subs   sync.WaitGroup
}

// NewBus constructs an empty bus.
func NewBus(logger *zerolog.Logger) *Bus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, newWatermillLogger(logger))
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish serializes payload as JSON and sends it to topic subscribers.
// A nil bus drops the event.
func (b *Bus) Publish(_ context.Context, topic string, payload any) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), raw)
	msg.Metadata.Set(createdAtKey, time.Now().UTC().Format(time.RFC3339Nano))
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe runs handler for every event on topic until ctx is done or the
// returned unsubscribe func is called. Unsubscribe waits for an in-flight
// handler to return.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs.Add(1)
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		b.subs.Done()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	done := make(chan struct{})
	go func() {
		defer b.subs.Done()
		defer close(done)
		for msg := range messages {
			b.dispatch(subCtx, topic, msg, handler)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (b *Bus) dispatch(ctx context.Context, topic string, msg *message.Message, handler Handler) {
	defer msg.Ack()

	evt := Event{ID: msg.UUID, Topic: topic, Payload: msg.Payload}
	if ts, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(createdAtKey)); err == nil {
		evt.CreatedAt = ts
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("topic", topic).Msg("Event handler panicked")
		}
	}()

	if err := handler(ctx, evt); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Str("event_id", evt.ID).Msg("Event handler failed")
	}
}

// Close stops delivery and waits for subscribers to drain.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.subs.Wait()
	return err
}

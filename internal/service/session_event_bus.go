package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/karierni-denik/internal/dto"
	"github.com/noah-isme/karierni-denik/internal/observability"
)

const sessionEventBufferSize = 16

// SessionEventBus delivers session events to local stream subscribers and fans
// lifecycle events out to the other gateway nodes.
type SessionEventBus interface {
	// Publish delivers event to local subscribers of its session. Lifecycle events
	// are also forwarded to Redis and NATS.
	Publish(ctx context.Context, event dto.SessionEvent)
	Subscribe(key SessionKey) (<-chan dto.SessionEvent, func())
	// OnRemote registers fn for events published by other nodes.
	OnRemote(fn func(dto.SessionEvent))
	Start(ctx context.Context)
}

type sessionEventBus struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *sessionBroker
	seen         *seenEvents
	nodeID       string

	mu       sync.RWMutex
	onRemote []func(dto.SessionEvent)
}

type busEnvelope struct {
	Source string           `json:"source"`
	Event  dto.SessionEvent `json:"event"`
	SentAt time.Time        `json:"sent_at"`
}

type sessionBroker struct {
	mu          sync.RWMutex
	subscribers map[SessionKey]map[chan dto.SessionEvent]struct{}
}

// NewSessionEventBus constructs the event bus. Redis and NATS are optional; with
// neither the bus only delivers locally.
func NewSessionEventBus(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) SessionEventBus {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":events"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}

	return &sessionEventBus{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "session_event_bus").Logger(),
		broker: &sessionBroker{
			subscribers: make(map[SessionKey]map[chan dto.SessionEvent]struct{}),
		},
		seen:   &seenEvents{entries: make(map[string]time.Time), window: time.Minute},
		nodeID: uuid.NewString(),
	}
}

func (b *sessionEventBus) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		ready := make(chan struct{})
		go b.consumeRedis(ctx, ready)
		<-ready
	}
	if b.nats != nil && b.natsSubject != "" {
		b.consumeNATS(ctx)
	}
}

func (b *sessionEventBus) Publish(ctx context.Context, event dto.SessionEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.broker.broadcast(SessionKey{StudentID: event.StudentID, TaskID: event.TaskID}, event)
	observability.BusEvents().WithLabelValues("local").Inc()

	if event.Type != dto.SessionEventLifecycle {
		return
	}
	if err := b.forward(ctx, event); err != nil {
		b.logger.Warn().Err(err).Str("task_id", event.TaskID).Msg("failed to forward session event")
	}
}

func (b *sessionEventBus) Subscribe(key SessionKey) (<-chan dto.SessionEvent, func()) {
	channel := make(chan dto.SessionEvent, sessionEventBufferSize)
	b.broker.subscribe(key, channel)
	observability.StreamClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.broker.unsubscribe(key, channel)
			observability.StreamClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (b *sessionEventBus) OnRemote(fn func(dto.SessionEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRemote = append(b.onRemote, fn)
}

func (b *sessionEventBus) forward(ctx context.Context, event dto.SessionEvent) error {
	payload, err := json.Marshal(busEnvelope{
		Source: b.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	var errs []error
	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *sessionEventBus) consumeRedis(ctx context.Context, ready chan<- struct{}) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		b.logger.Error().Err(err).Msg("session event redis subscription failed")
		close(ready)
		return
	}
	close(ready)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("session event redis subscription closed")
			return
		}
		b.handleRemote([]byte(msg.Payload))
	}
}

func (b *sessionEventBus) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handleRemote(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats session subject")
		return
	}
	if err := b.nats.Flush(); err != nil {
		b.logger.Warn().Err(err).Msg("failed to flush nats session subscription")
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain session nats subscription")
		}
	}()
}

// handleRemote delivers an event from another node. Redis and NATS may both carry
// the same event, so events are de-duplicated by source and occurrence.
func (b *sessionEventBus) handleRemote(payload []byte) {
	var envelope busEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		b.logger.Warn().Err(err).Msg("invalid session event payload")
		return
	}
	if envelope.Source == b.nodeID {
		return
	}
	if !b.seen.mark(envelope.Source, envelope.Event, time.Now()) {
		return
	}

	event := envelope.Event
	observability.BusEvents().WithLabelValues("remote").Inc()
	b.broker.broadcast(SessionKey{StudentID: event.StudentID, TaskID: event.TaskID}, event)

	b.mu.RLock()
	handlers := append([]func(dto.SessionEvent){}, b.onRemote...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(event)
	}
}

func (b *sessionBroker) subscribe(key SessionKey, ch chan dto.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[key]; !exists {
		b.subscribers[key] = make(map[chan dto.SessionEvent]struct{})
	}
	b.subscribers[key][ch] = struct{}{}
}

func (b *sessionBroker) unsubscribe(key SessionKey, ch chan dto.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[key]; ok {
		if _, found := subscribers[ch]; !found {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, key)
		}
	}
}

func (b *sessionBroker) broadcast(key SessionKey, event dto.SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[key] {
		select {
		case ch <- event:
		default:
		}
	}
}

type seenEvents struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
}

// mark records the event and reports whether it was new.
func (s *seenEvents) mark(source string, event dto.SessionEvent, now time.Time) bool {
	key := fmt.Sprintf("%s|%s|%d|%s|%s|%d", source, event.Type, event.StudentID, event.TaskID, event.Action, event.OccurredAt.UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()

	for existing, at := range s.entries {
		if now.Sub(at) > s.window {
			delete(s.entries, existing)
		}
	}
	if _, ok := s.entries[key]; ok {
		return false
	}
	s.entries[key] = now
	return true
}

package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/borak/pkg/redisstream"
)

// DefaultTopic is the topic (Redis stream name) state events are published on.
const DefaultTopic = "borak.events"

// Bus publishes events over Watermill.
//
// The in-memory transport blocks each publish until the subscriber acknowledged it, so a
// renderer sees events in emission order and the engine never runs ahead of the screen.
// Renderers must therefore not emit from Render.
type Bus struct {
	topic string
	pub   message.Publisher
	sub   message.Subscriber
	close func() error

	closeOnce sync.Once
	closed    chan struct{}

	redis *redisstream.PubSub
}

type Option func(*Bus)

func WithTopic(topic string) Option {
	return func(b *Bus) { b.topic = topic }
}

// NewMemory returns a bus backed by an in-process go channel.
func NewMemory(opts ...Option) *Bus {
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(log.Logger))
	b := &Bus{topic: DefaultTopic, pub: gc, sub: gc, close: gc.Close, closed: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewRedis returns a bus backed by Redis Streams, for following a chat from another process.
func NewRedis(s redisstream.Settings, opts ...Option) (*Bus, error) {
	ps, err := redisstream.Build(s, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, err
	}
	b := &Bus{topic: DefaultTopic, pub: ps.Publisher, sub: ps.Subscriber, close: ps.Close, closed: make(chan struct{}), redis: ps}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bus) Topic() string { return b.topic }

// Emit publishes ev. Failures are logged; presentation never blocks the engine with errors.
func (b *Bus) Emit(ev Event) {
	select {
	case <-b.closed:
		return
	default:
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "bus").Str("kind", string(ev.Kind)).Msg("encode event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", string(ev.Kind))
	if err := b.pub.Publish(b.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "bus").Str("kind", string(ev.Kind)).Msg("publish event")
	}
}

// EnsureGroupAtTail makes a Redis consumer group start at new events only. It is a no-op on
// the in-memory transport.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, group string) error {
	if b.redis == nil {
		return nil
	}
	return b.redis.EnsureGroupAtTail(ctx, b.topic, group)
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.close()
	})
	return err
}

// Dispatch subscribes r to the bus and renders events in arrival order on its own goroutine.
// The subscription exists when Dispatch returns; the returned channel is closed once the
// subscription ends (ctx cancelled or bus closed).
func Dispatch(ctx context.Context, b *Bus, r Renderer) (<-chan struct{}, error) {
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "bus").Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			r.Render(ev)
			msg.Ack()
		}
	}()
	return done, nil
}

// Fanout emits to several emitters in order.
type Fanout []Emitter

func (f Fanout) Emit(ev Event) {
	for _, e := range f {
		e.Emit(ev)
	}
}

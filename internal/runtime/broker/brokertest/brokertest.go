// Package brokertest provides an in-memory Broker for tests. It keeps every
// published message, replays a topic from the start to new subscriptions, and
// can interleave keys at random while keeping each key in publish order.
package brokertest

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/drblury/taskbus/internal/runtime/broker"
	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/metadata"
)

// PublishHook runs before a publish is recorded. A non-nil error fails it.
type PublishHook func(topic, key string, payload []byte) error

// Broker is a broker.Broker backed by slices.
type Broker struct {
	mu      sync.Mutex
	log     map[string][]*broker.Message
	subs    map[string][]*subscription
	hook    PublishHook
	rng     *rand.Rand
	pending int
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

// WithShuffle delivers the heads of different keys in random order.
func WithShuffle(seed uint64) Option {
	return func(b *Broker) {
		b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		log:  make(map[string][]*broker.Message),
		subs: make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetPublishHook installs hook for subsequent publishes.
func (b *Broker) SetPublishHook(hook PublishHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

func (b *Broker) Publish(ctx context.Context, topic, key string, payload []byte, md metadata.Metadata) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errspkg.ErrBrokerClosed
	}
	if b.hook != nil {
		if err := b.hook(topic, key, payload); err != nil {
			return &errspkg.TransientBrokerError{Op: "publish", Topic: topic, Cause: err}
		}
	}

	msg := &broker.Message{
		UUID:      md[metadata.KeyEventID],
		Topic:     topic,
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Metadata:  md.With(metadata.KeyPartitionKey, key),
		Partition: -1,
		Offset:    int64(len(b.log[topic])),
	}
	b.log[topic] = append(b.log[topic], msg)
	for _, sub := range b.subs[topic] {
		sub.enqueue(msg)
	}
	return nil
}

// Published returns a copy of everything published to topic, in order.
func (b *Broker) Published(topic string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Message, 0, len(b.log[topic]))
	for _, msg := range b.log[topic] {
		out = append(out, *msg)
	}
	return out
}

// Idle reports whether every subscription has handled every queued message.
func (b *Broker) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending == 0
}

func (b *Broker) Subscribe(ctx context.Context, topic, consumerGroup string, handler broker.MessageHandler) (broker.Subscription, error) {
	switch {
	case topic == "":
		return nil, errspkg.ErrTopicRequired
	case consumerGroup == "":
		return nil, errspkg.ErrConsumerGroupNeeded
	case handler == nil:
		return nil, errspkg.ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errspkg.ErrBrokerClosed
	}

	sub := &subscription{
		b:       b,
		topic:   topic,
		group:   consumerGroup,
		handler: handler,
		queues:  make(map[string][]*broker.Message),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, msg := range b.log[topic] {
		sub.enqueue(msg)
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, list := range b.subs {
		subs = append(subs, list...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	b.wg.Wait()
	return nil
}

type subscription struct {
	b       *Broker
	topic   string
	group   string
	handler broker.MessageHandler

	// queues and order are guarded by b.mu.
	queues map[string][]*broker.Message
	order  []string

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue must be called with b.mu held.
func (s *subscription) enqueue(msg *broker.Message) {
	if len(s.queues[msg.Key]) == 0 {
		s.order = append(s.order, msg.Key)
	}
	s.queues[msg.Key] = append(s.queues[msg.Key], msg)
	s.b.pending++
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next picks a key with queued messages and returns its head without
// removing it.
func (s *subscription) next() (*broker.Message, bool) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if len(s.order) == 0 {
		return nil, false
	}
	i := 0
	if s.b.rng != nil {
		i = s.b.rng.IntN(len(s.order))
	}
	return s.queues[s.order[i]][0], true
}

func (s *subscription) pop(msg *broker.Message) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	queue := s.queues[msg.Key][1:]
	if len(queue) == 0 {
		delete(s.queues, msg.Key)
		for i, key := range s.order {
			if key == msg.Key {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	} else {
		s.queues[msg.Key] = queue
	}
	s.b.pending--
}

func (s *subscription) run() {
	defer s.b.wg.Done()
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		msg, ok := s.next()
		if !ok {
			select {
			case <-s.stop:
				return
			case <-s.wake:
			}
			continue
		}
		delivery := *msg
		delivery.Metadata = msg.Metadata.Clone()
		delivery.ReceivedAt = time.Now().UTC()
		if err := s.handler(context.Background(), &delivery); err != nil {
			// Nacked: the same message stays at the head of its key.
			select {
			case <-s.stop:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		s.pop(msg)
	}
}

func (s *subscription) Topic() string         { return s.topic }
func (s *subscription) ConsumerGroup() string { return s.group }
func (s *subscription) Wait()                 { <-s.done }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		subs := s.b.subs[s.topic]
		for i, sub := range subs {
			if sub == s {
				s.b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		for _, queue := range s.queues {
			s.b.pending -= len(queue)
		}
		s.queues = nil
		s.order = nil
	})
	return nil
}

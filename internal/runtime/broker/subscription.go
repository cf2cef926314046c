package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/taskbus/internal/runtime/logging"
	"github.com/drblury/taskbus/internal/runtime/metadata"
	"github.com/drblury/taskbus/transport"
)

type subscriptionParams struct {
	topic      string
	group      string
	handler    MessageHandler
	logger     logging.ServiceLogger
	locate     func(*message.Message) (transport.Position, bool)
	keyLanes   int
	laneBuffer int
	subscriber message.Subscriber
	cancel     context.CancelFunc
}

// subscription fans messages out to lanes. Each lane is one goroutine handling
// its messages strictly in order; lanes run concurrently. Only the dispatch
// goroutine touches the lanes map.
type subscription struct {
	subscriptionParams

	lanes     map[string]chan *message.Message
	workers   sync.WaitGroup
	stopping  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSubscription(p subscriptionParams) *subscription {
	return &subscription{
		subscriptionParams: p,
		lanes:              make(map[string]chan *message.Message),
		stopping:           make(chan struct{}),
		done:               make(chan struct{}),
	}
}

func (s *subscription) Topic() string         { return s.topic }
func (s *subscription) ConsumerGroup() string { return s.group }
func (s *subscription) Wait()                 { <-s.done }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopping)
		<-s.done
		s.cancel()
		s.closeErr = s.subscriber.Close()
		s.logger.Info("Subscription closed", nil)
	})
	return s.closeErr
}

func (s *subscription) dispatch(msgs <-chan *message.Message) {
	defer func() {
		for _, lane := range s.lanes {
			close(lane)
		}
		s.workers.Wait()
		close(s.done)
	}()

	for {
		select {
		case <-s.stopping:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			lane := s.laneFor(msg)
			select {
			case lane <- msg:
			case <-s.stopping:
				msg.Nack()
				return
			}
		}
	}
}

func (s *subscription) laneFor(msg *message.Message) chan *message.Message {
	name := s.laneName(msg)
	lane, ok := s.lanes[name]
	if !ok {
		lane = make(chan *message.Message, s.laneBuffer)
		s.lanes[name] = lane
		s.workers.Add(1)
		go s.work(lane)
	}
	return lane
}

// laneName keeps one lane per partition. Without partitions, keys are hashed
// the way the Kafka producer hashes them so the lane layout matches.
func (s *subscription) laneName(msg *message.Message) string {
	if s.locate != nil {
		if pos, ok := s.locate(msg); ok {
			return "p" + strconv.Itoa(int(pos.Partition))
		}
	}
	key := msg.Metadata.Get(metadata.KeyPartitionKey)
	lane, err := sarama.NewHashPartitioner(s.topic).Partition(
		&sarama.ProducerMessage{Topic: s.topic, Key: sarama.StringEncoder(key)},
		int32(s.keyLanes),
	)
	if err != nil {
		lane = 0
	}
	return "k" + strconv.Itoa(int(lane))
}

func (s *subscription) work(lane <-chan *message.Message) {
	defer s.workers.Done()
	for msg := range lane {
		select {
		case <-s.stopping:
			msg.Nack()
			continue
		default:
		}
		s.deliver(msg)
	}
}

func (s *subscription) deliver(msg *message.Message) {
	delivery := &Message{
		UUID:       msg.UUID,
		Topic:      s.topic,
		Key:        msg.Metadata.Get(metadata.KeyPartitionKey),
		Payload:    msg.Payload,
		Metadata:   metadata.FromWatermill(msg.Metadata),
		Partition:  -1,
		Offset:     -1,
		ReceivedAt: time.Now().UTC(),
	}
	if s.locate != nil {
		if pos, ok := s.locate(msg); ok {
			delivery.Partition = pos.Partition
			delivery.Offset = pos.Offset
		}
	}

	if err := s.handle(context.WithoutCancel(msg.Context()), delivery); err != nil {
		s.logger.Error("Message nacked", err, logging.LogFields{"message_uuid": msg.UUID, "key": delivery.Key})
		msg.Nack()
		return
	}
	msg.Ack()
}

func (s *subscription) handle(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

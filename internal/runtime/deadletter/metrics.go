package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/taskbus/internal/runtime/metrics"
)

const subsystem = "dlq"

// Metrics tracks dead-letter statistics per original topic.
type Metrics struct {
	mu sync.RWMutex

	topics map[string]*TopicMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	ageSeconds      *prometheus.HistogramVec
	attemptCount    *prometheus.HistogramVec
}

// TopicMetrics holds the dead-letter statistics of one original topic.
type TopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgAttemptCount  float64   `json:"avg_attempt_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// Snapshot is a point-in-time view of Metrics.
type Snapshot struct {
	TotalMessages uint64                   `json:"total_messages"`
	Topics        map[string]*TopicMetrics `json:"topics"`
	CollectedAt   time.Time                `json:"collected_at"`
}

// NewMetrics registers the dead-letter collectors on registerer, or on the
// default registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{topics: make(map[string]*TopicMetrics)}

	var err error
	if m.messagesTotal, err = metrics.Register(registerer, metrics.NewCounterVec(subsystem,
		"messages_total", "Messages moved to the dead-letter topic",
		"topic", "consumer_group", "error_kind")); err != nil {
		return nil, err
	}
	if m.messagesCurrent, err = metrics.Register(registerer, metrics.NewGaugeVec(subsystem,
		"messages_current", "Dead-letter records currently stored",
		"topic")); err != nil {
		return nil, err
	}
	if m.ageSeconds, err = metrics.Register(registerer, metrics.NewHistogramVec(subsystem,
		"message_age_seconds", "Time between the first failed attempt and dead-lettering",
		[]float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		"topic")); err != nil {
		return nil, err
	}
	if m.attemptCount, err = metrics.Register(registerer, metrics.NewHistogramVec(subsystem,
		"attempt_count", "Handler attempts before a message was dead-lettered",
		[]float64{1, 2, 3, 5, 10, 20},
		"topic")); err != nil {
		return nil, err
	}
	return m, nil
}

// Observe records rec being dead-lettered.
func (m *Metrics) Observe(rec Record) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	tm := m.topicLocked(rec.OriginalTopic)
	tm.MessagesReceived++
	tm.MessagesCurrent++
	tm.LastUpdatedAt = now
	if tm.OldestMessageAt.IsZero() {
		tm.OldestMessageAt = rec.DeadLetteredAt
	}
	tm.NewestMessageAt = rec.DeadLetteredAt

	total := tm.MessagesReceived
	tm.AvgAttemptCount = ((tm.AvgAttemptCount * float64(total-1)) + float64(rec.AttemptCount)) / float64(total)

	age := rec.DeadLetteredAt.Sub(rec.FirstFailedAt)
	if age < 0 {
		age = 0
	}
	m.messagesTotal.WithLabelValues(rec.OriginalTopic, rec.ConsumerGroup, rec.ErrorKind).Inc()
	m.messagesCurrent.WithLabelValues(rec.OriginalTopic).Set(float64(tm.MessagesCurrent))
	m.ageSeconds.WithLabelValues(rec.OriginalTopic).Observe(age.Seconds())
	m.attemptCount.WithLabelValues(rec.OriginalTopic).Observe(float64(rec.AttemptCount))
}

// SetCurrentCount overwrites the stored-record gauge, typically from
// Store.Count at startup.
func (m *Metrics) SetCurrentCount(topic string, count uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.topicLocked(topic)
	tm.MessagesCurrent = count
	tm.LastUpdatedAt = time.Now()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(count))
}

// Sync sets the current-count gauge of every topic from store.
func (m *Metrics) Sync(ctx context.Context, store Store, topics ...string) error {
	for _, topic := range topics {
		n, err := store.Count(ctx, Filter{OriginalTopic: topic})
		if err != nil {
			return err
		}
		m.SetCurrentCount(topic, uint64(n))
	}
	return nil
}

// Topic returns a copy of the statistics of topic, or nil if none were
// recorded.
func (m *Metrics) Topic(topic string) *TopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tm, ok := m.topics[topic]
	if !ok {
		return nil
	}
	cp := *tm
	return &cp
}

// Snapshot copies every topic's statistics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Topics:      make(map[string]*TopicMetrics, len(m.topics)),
		CollectedAt: time.Now(),
	}
	for topic, tm := range m.topics {
		cp := *tm
		snap.Topics[topic] = &cp
		snap.TotalMessages += tm.MessagesReceived
	}
	return snap
}

// Reset clears the in-memory statistics. Prometheus series are kept.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = make(map[string]*TopicMetrics)
}

func (m *Metrics) topicLocked(topic string) *TopicMetrics {
	tm, ok := m.topics[topic]
	if !ok {
		tm = &TopicMetrics{}
		m.topics[topic] = tm
	}
	return tm
}

// Instrument wraps store so that every newly recorded record is observed by m.
func Instrument(store Store, m *Metrics) Store {
	if m == nil {
		return store
	}
	return &instrumentedStore{Store: store, metrics: m}
}

type instrumentedStore struct {
	Store
	metrics *Metrics
}

func (s *instrumentedStore) Record(ctx context.Context, rec Record) error {
	if err := s.Store.Record(ctx, rec); err != nil {
		return err
	}
	s.metrics.Observe(rec)
	return nil
}

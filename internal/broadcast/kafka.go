package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/monkify/session-engine/internal/metrics"
)

const (
	defaultKafkaWorkers = 4
	kafkaQueueSize      = 512
	// HeaderTopic carries the logical broadcast topic of a Kafka message.
	HeaderTopic = "broadcast-topic"
)

// KafkaConfig holds configuration for KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Workers int
	Logger  *slog.Logger
}

// KafkaPublisher streams events to one Kafka topic, keyed by session ID so
// a session's events stay ordered within a partition. Messages are written
// by a small worker pool; a full queue drops the event.
type KafkaPublisher struct {
	writer kafkaWriter
	logger *slog.Logger
	jobs   chan kafka.Message
	wg     sync.WaitGroup
	once   sync.Once
}

// kafkaWriter is the subset of *kafka.Writer the publisher uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaPublisher creates a publisher and starts its workers.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("broadcast: no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("broadcast: no kafka topic configured")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return newKafkaPublisher(writer, cfg.Workers, cfg.Logger), nil
}

func newKafkaPublisher(w kafkaWriter, workers int, logger *slog.Logger) *KafkaPublisher {
	if workers <= 0 {
		workers = defaultKafkaWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{
		writer: w,
		logger: logger.With("component", "kafka-publisher"),
		jobs:   make(chan kafka.Message, kafkaQueueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Publish queues ev for delivery.
func (p *KafkaPublisher) Publish(_ context.Context, topic string, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("kafka marshal failed", "type", ev.Type, "err", err)
		return
	}
	msg := kafka.Message{
		Key:     []byte(ev.SessionID),
		Value:   value,
		Headers: []kafka.Header{{Key: HeaderTopic, Value: []byte(topic)}},
		Time:    ev.At,
	}
	select {
	case p.jobs <- msg:
	default:
		metrics.PublishDropped.WithLabelValues("kafka").Inc()
		p.logger.Warn("kafka queue full, event dropped", "type", ev.Type, "session_id", ev.SessionID)
	}
}

func (p *KafkaPublisher) worker() {
	defer p.wg.Done()
	for msg := range p.jobs {
		p.write(msg)
	}
}

func (p *KafkaPublisher) write(msg kafka.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic recovered", "operation", "kafka_write", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("kafka write failed", "key", string(msg.Key), "err", err)
		return
	}
	p.logger.Debug("kafka message sent", "key", string(msg.Key))
}

// Close drains queued events and closes the writer. Publish must not be
// called after Close.
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		err = p.writer.Close()
	})
	return err
}

package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter publishes run events to a Kafka topic so downstream
// consumers (the dashboard cache, alerting) can react to new loads.
type KafkaEmitter struct {
	writer  kafkaMessageWriter
	log     *logrus.Entry
	timeout time.Duration
}

// kafkaEvent is the JSON message value.
type kafkaEvent struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// NewKafkaEmitter creates an emitter writing to topic on brokers.
func NewKafkaEmitter(brokers []string, topic string, log *logrus.Entry) *KafkaEmitter {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return NewKafkaEmitterWith(&kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, log)
}

// NewKafkaEmitterWith is only for tests to inject a fake writer.
func NewKafkaEmitterWith(w kafkaMessageWriter, log *logrus.Entry) *KafkaEmitter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &KafkaEmitter{writer: w, log: log.WithField("component", "kafka"), timeout: 10 * time.Second}
}

// Emit publishes the event keyed by its name. Delivery failures are logged;
// a run never fails because a notification could not be sent.
func (k *KafkaEmitter) Emit(ctx context.Context, event string, data any) {
	b, err := json.Marshal(kafkaEvent{Event: event, At: time.Now().UTC(), Data: data})
	if err != nil {
		k.log.WithError(err).Warn("marshal event")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(event), Value: b}); err != nil {
		k.log.WithError(err).WithField("event", event).Warn("publish event")
	}
}

// Close flushes and closes the writer.
func (k *KafkaEmitter) Close() error {
	return k.writer.Close()
}

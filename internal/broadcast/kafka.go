package broadcast

import (
	"strings"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// KafkaSink mirrors every published event onto a Kafka topic so the
// notification-delivery collaborator (email/push fan-out) can consume the
// stream without subscribing through the websocket layer.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
}

func NewKafkaSink(brokers string, topic string) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(brokers, ","), config)
	if err != nil {
		return nil, err
	}

	sink := &KafkaSink{producer: producer, topic: topic}
	go sink.logErrors()
	return sink, nil
}

// Send enqueues the event for async production. Never blocks the registry
// loop: when the producer input is congested the event is skipped (the
// websocket path already delivered it; the mirror is best-effort).
func (s *KafkaSink) Send(ev datamodel.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		zap.S().Errorf("Failed to encode event %s for kafka: %s", ev.ID, err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		// Key by agent where present, so one agent's events stay ordered
		// within a partition
		Key:   sarama.StringEncoder(eventKey(ev)),
		Value: sarama.ByteEncoder(data),
	}
	select {
	case s.producer.Input() <- msg:
	default:
		droppedEvents.WithLabelValues("kafka_congested").Inc()
	}
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

func (s *KafkaSink) logErrors() {
	for err := range s.producer.Errors() {
		zap.S().Warnf("Kafka event mirror produce failed: %s", err)
	}
}

func eventKey(ev datamodel.Event) string {
	switch {
	case ev.Location != nil:
		return ev.Location.AgentID
	case ev.Violation != nil:
		return ev.Violation.AgentID
	case ev.Emergency != nil:
		return ev.Emergency.AgentID
	default:
		return ev.ID
	}
}

// Package events publishes catalog change notifications to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

const EventRecallUpserted = "recall.upserted"

type RecallEvent struct {
	Type           string                `json:"type"`
	RecallID       string                `json:"recall_id"`
	SourceAgency   string                `json:"source_agency"`
	ExternalID     string                `json:"external_id"`
	HazardCategory recall.HazardCategory `json:"hazard_category"`
	Severity       recall.Severity       `json:"severity"`
	QualityScore   int                   `json:"quality_score"`
	LowQuality     bool                  `json:"low_quality"`
	At             time.Time             `json:"at"`
}

type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	now      func() time.Time
}

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V3_6_0_0
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	slog.Info("Connected to Kafka", "brokers", brokers, "topic", topic)

	return NewPublisherWithProducer(producer, topic), nil
}

func NewPublisherWithProducer(producer sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic, now: time.Now}
}

// PublishRecall sends one event keyed by recall id, so all changes to a
// recall land on the same partition in order.
func (p *Publisher) PublishRecall(ctx context.Context, r *recall.Recall) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := RecallEvent{
		Type:           EventRecallUpserted,
		RecallID:       r.ID,
		SourceAgency:   r.SourceAgency,
		ExternalID:     r.ExternalID,
		HazardCategory: r.HazardCategory,
		Severity:       r.Severity,
		QualityScore:   r.QualityScore,
		LowQuality:     r.LowQuality,
		At:             p.now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event for %s: %w", r.ID, err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(r.ID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("failed to publish event for %s: %w", r.ID, err)
	}

	slog.Debug("Event published", "recall_id", r.ID, "partition", partition, "offset", offset)
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

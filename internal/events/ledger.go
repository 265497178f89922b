// Package events streams committed ledger entries to Kafka for downstream
// analytics. Publishing never fails a balance change.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pixelforge/internal/ledger"
	"pixelforge/pkg/logging"
)

const EventTypeLedgerEntry = "ledger.entry"

// Producer is satisfied by *kafka.Producer.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// LedgerEvent is the wire form of a ledger entry.
type LedgerEvent struct {
	EventType     string    `json:"event_type"`
	EntryID       string    `json:"entry_id"`
	UserID        string    `json:"user_id"`
	Delta         int64     `json:"delta"`
	BalanceAfter  int64     `json:"balance_after"`
	Reason        string    `json:"reason"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type LedgerPublisher struct {
	producer Producer
	topic    string
	logger   logging.Logger
	messages *prometheus.CounterVec
}

// NewLedgerPublisher returns a publisher for topic. messages may be nil;
// it expects the labels of MetricsCollector.CreateKafkaMetrics.
func NewLedgerPublisher(producer Producer, topic string, logger logging.Logger, messages *prometheus.CounterVec) *LedgerPublisher {
	return &LedgerPublisher{producer: producer, topic: topic, logger: logger, messages: messages}
}

func (p *LedgerPublisher) PublishEntry(ctx context.Context, entry ledger.Entry) {
	event := LedgerEvent{
		EventType:     EventTypeLedgerEntry,
		EntryID:       entry.ID,
		UserID:        entry.UserID,
		Delta:         entry.Delta,
		BalanceAfter:  entry.BalanceAfter,
		Reason:        string(entry.Reason),
		ReferenceType: entry.ReferenceType,
		ReferenceID:   entry.ReferenceID,
		OccurredAt:    entry.CreatedAt,
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.record("error")
		p.logger.WithError(err).Error("Failed to encode ledger event")
		return
	}

	// The entry is committed; a cancelled request must not drop the event.
	err = p.producer.Produce(context.WithoutCancel(ctx), p.topic, []byte(entry.UserID), value, map[string]string{
		"event_type": EventTypeLedgerEntry,
		"source":     "paymaster",
	})
	if err != nil {
		p.record("error")
		p.logger.WithError(err).WithFields(logging.Fields{
			"topic":    p.topic,
			"entry_id": entry.ID,
			"user_id":  entry.UserID,
		}).Warn("Failed to publish ledger event")
		return
	}
	p.record("success")
}

func (p *LedgerPublisher) record(status string) {
	if p.messages != nil {
		p.messages.WithLabelValues(p.topic, "produce", status).Inc()
	}
}

package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"pixelforge/pkg/logging"
)

const produceTimeout = 5 * time.Second

// Producer publishes records synchronously through a franz-go client.
type Producer struct {
	client *kgo.Client
	logger logging.Logger
}

// NewProducer creates a producer for the given seed brokers.
func NewProducer(brokers []string, clientID string, logger logging.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{client: client, logger: logger}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Produce writes one record and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	result := p.client.ProduceSync(ctx, buildRecord(topic, key, value, headers))
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Client returns the underlying kgo.Client for health checks
func (p *Producer) Client() *kgo.Client {
	return p.client
}

func buildRecord(topic string, key, value []byte, headers map[string]string) *kgo.Record {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) == 0 {
		return record
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	return record
}

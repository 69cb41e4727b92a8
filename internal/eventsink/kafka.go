// ABOUTME: Exports committed change events to a Kafka topic
// ABOUTME: One JSON record per change, keyed by conversation or recipient, with relation/kind headers

package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/2389/tradepost/internal/changefeed"
	"github.com/2389/tradepost/internal/store"
)

// KafkaSink produces every locally committed change to a topic
type KafkaSink struct {
	producer sarama.SyncProducer
	hub      *changefeed.Hub
	topic    string
	logger   *slog.Logger

	produced atomic.Int64
	failed   atomic.Int64
}

// NewProducer dials brokers with acks from all in-sync replicas and idempotent writes
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "tradepost"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return p, nil
}

// NewKafkaSink wraps an existing producer. The sink owns it and closes it in Close.
func NewKafkaSink(producer sarama.SyncProducer, hub *changefeed.Hub, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		producer: producer,
		hub:      hub,
		topic:    topic,
		logger:   logger.With("component", "eventsink", "topic", topic),
	}
}

// Run exports changes until ctx is done. Changes relayed from other gateway
// instances are skipped; their origin exports them.
func (k *KafkaSink) Run(ctx context.Context) error {
	sub := k.hub.Subscribe(ctx, changefeed.Filter{})
	defer sub.Close()

	k.logger.Info("exporting change events")
	for {
		select {
		case <-ctx.Done():
			if d := sub.Dropped(); d > 0 {
				k.logger.Warn("changes dropped before export", "count", d)
			}
			return nil
		case c, ok := <-sub.C:
			if !ok {
				return nil
			}
			if c.Origin != "" {
				continue
			}
			if err := k.Export(c); err != nil {
				k.logger.Warn("exporting change failed", "relation", c.Relation, "kind", c.Kind, "error", err)
			}
		}
	}
}

// Export produces one change synchronously
func (k *KafkaSink) Export(c store.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("encoding change: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(PartitionKey(c)),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("relation"), Value: []byte(c.Relation)},
			{Key: []byte("kind"), Value: []byte(c.Kind)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("producing change: %w", err)
	}
	k.produced.Add(1)
	k.logger.Debug("change exported", "relation", c.Relation, "partition", partition, "offset", offset)
	return nil
}

// Stats returns how many records were produced and how many failed
func (k *KafkaSink) Stats() (produced, failed int64) {
	return k.produced.Load(), k.failed.Load()
}

// Close closes the producer
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}

// PartitionKey keeps a conversation's records (or a recipient's
// notifications) on one partition so consumers see them in commit order.
func PartitionKey(c store.Change) string {
	switch {
	case c.Conversation != nil:
		return c.Conversation.ID
	case c.Message != nil:
		return c.Message.ConversationID
	case c.Notification != nil:
		return c.Notification.RecipientID
	case c.Inquiry != nil:
		return c.Inquiry.ConversationID
	}
	return ""
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

var _ Publisher = (*KafkaPublisher)(nil)

// KafkaPublisher writes jobs to a topic keyed by item id.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewKafkaPublisherWithProducer(producer, topic), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(job.ID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	slog.Debug("Published enrichment job", "id", job.ID, "partition", partition, "offset", offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// KafkaConsumer reads jobs from a topic as a member of a consumer group.
// Offsets are marked only after the handler accepts a batch, so a failed
// batch is delivered again after the next rebalance.
type KafkaConsumer struct {
	group       sarama.ConsumerGroup
	topic       string
	batchSize   int
	flushAfter  time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

func NewKafkaConsumer(brokers []string, topic, groupID string, batchSize int) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	return &KafkaConsumer{
		group:       group,
		topic:       topic,
		batchSize:   max(batchSize, 1),
		flushAfter:  500 * time.Millisecond,
		MaxAttempts: DefaultMaxAttempts,
		RetryBase:   time.Second,
	}, nil
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context, handler Handler) error {
	go func() {
		for err := range c.group.Errors() {
			slog.Error("Kafka consumer error", "error", err)
		}
	}()

	h := &groupHandler{
		handler:     handler,
		batchSize:   c.batchSize,
		flushAfter:  c.flushAfter,
		maxAttempts: c.MaxAttempts,
		retryBase:   c.RetryBase,
	}

	slog.Info("Kafka consumer started", "topic", c.topic)

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			slog.Error("Kafka consume session ended with error", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler     Handler
	batchSize   int
	flushAfter  time.Duration
	maxAttempts int
	retryBase   time.Duration
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	messages := claim.Messages()

	for {
		batch, open := h.collect(ctx, messages)
		if len(batch) > 0 {
			if err := h.process(ctx, session, batch); err != nil {
				return err
			}
		}
		if !open || ctx.Err() != nil {
			return nil
		}
	}
}

// collect waits for one message, then keeps reading until the batch is
// full or flushAfter passes without filling it.
func (h *groupHandler) collect(ctx context.Context, messages <-chan *sarama.ConsumerMessage) ([]*sarama.ConsumerMessage, bool) {
	var batch []*sarama.ConsumerMessage

	select {
	case msg, ok := <-messages:
		if !ok {
			return nil, false
		}
		batch = append(batch, msg)
	case <-ctx.Done():
		return nil, true
	}

	timer := time.NewTimer(h.flushAfter)
	defer timer.Stop()

	for len(batch) < h.batchSize {
		select {
		case msg, ok := <-messages:
			if !ok {
				return batch, false
			}
			batch = append(batch, msg)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

func (h *groupHandler) process(ctx context.Context, session sarama.ConsumerGroupSession, batch []*sarama.ConsumerMessage) error {
	jobs := make([]Job, 0, len(batch))
	for _, msg := range batch {
		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil || job.ID == "" {
			slog.Warn("Skipping malformed enrichment message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	if len(jobs) > 0 {
		if err := handleWithRetry(ctx, h.handler, jobs, h.maxAttempts, h.retryBase); err != nil {
			return fmt.Errorf("failed to handle batch at offset %d: %w", batch[0].Offset, err)
		}
	}

	for _, msg := range batch {
		session.MarkMessage(msg, "")
	}
	return nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaPublisherPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var job Job
		if err := json.Unmarshal(val, &job); err != nil {
			return err
		}
		if job.ID != "abc" || job.Title != "CVE-2024-3400 exploited" {
			return errors.New("unexpected job payload")
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, "enrichment")
	defer p.Close()

	err := p.Publish(context.Background(), Job{ID: "abc", Title: "CVE-2024-3400 exploited", Source: "cisa"})
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestKafkaPublisherPublishError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(producer, "enrichment")
	defer p.Close()

	if err := p.Publish(context.Background(), Job{ID: "abc"}); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Expected ErrOutOfBrokers, got: %v", err)
	}
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context {
	return s.ctx
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage {
	return c.messages
}

func message(t *testing.T, offset int64, job Job) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("Failed to marshal job: %v", err)
	}
	return &sarama.ConsumerMessage{Offset: offset, Value: payload}
}

func TestGroupHandlerMarksAfterSuccess(t *testing.T) {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 4)}
	claim.messages <- message(t, 0, Job{ID: "a"})
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("not json")}
	claim.messages <- message(t, 2, Job{ID: "b"})
	close(claim.messages)

	var got []string
	h := &groupHandler{
		handler: func(_ context.Context, jobs []Job) error {
			for _, job := range jobs {
				got = append(got, job.ID)
			}
			return nil
		},
		batchSize:   10,
		flushAfter:  50 * time.Millisecond,
		maxAttempts: 1,
		retryBase:   time.Millisecond,
	}

	session := &fakeSession{ctx: context.Background()}
	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected jobs [a b], got: %v", got)
	}
	if len(session.marked) != 3 {
		t.Errorf("Expected all 3 offsets marked, got: %v", session.marked)
	}
}

func TestGroupHandlerLeavesFailedBatchUnmarked(t *testing.T) {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- message(t, 7, Job{ID: "a"})

	calls := 0
	h := &groupHandler{
		handler: func(context.Context, []Job) error {
			calls++
			return errors.New("database is locked")
		},
		batchSize:   1,
		flushAfter:  50 * time.Millisecond,
		maxAttempts: 2,
		retryBase:   time.Millisecond,
	}

	session := &fakeSession{ctx: context.Background()}
	if err := h.ConsumeClaim(session, claim); err == nil {
		t.Fatal("Expected error for failed batch")
	}

	if calls != 2 {
		t.Errorf("Expected 2 attempts, got: %d", calls)
	}
	if len(session.marked) != 0 {
		t.Errorf("Expected no marked offsets, got: %v", session.marked)
	}
}

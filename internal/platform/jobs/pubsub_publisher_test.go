package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/granule-access/api/internal/domain"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "retrieval-jobs")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestPublishRetrievalJobRoundTripsThroughPush(t *testing.T) {
	ctx := context.Background()
	srv, topic := newTestTopic(t)

	publisher, err := NewPubSubRetrievalPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubRetrievalPublisher: %v", err)
	}
	if err := publisher.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	job := domain.RetrievalJob{
		JobID:       "01HZX3Q9S1K9C0V6W7Y8Z9ABCD",
		RetrievalID: 42,
		Token:       "echo-token",
		Environment: "prod",
		BaseURL:     "https://search.example.com",
		QueuedAt:    time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
	if _, err := publisher.PublishRetrievalJob(ctx, job); err != nil {
		t.Fatalf("PublishRetrievalJob: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.Attributes["jobType"] != JobTypeRetrievalProcess || msg.Attributes["retrievalId"] != "42" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}

	// Rebuild the push envelope Pub/Sub would deliver.
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":        msg.Data,
			"attributes":  msg.Attributes,
			"messageId":   msg.ID,
			"publishTime": msg.PublishTime,
		},
		"subscription": "projects/test-project/subscriptions/retrieval-worker",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	delivery, err := DecodePush(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("DecodePush: %v", err)
	}
	if delivery.Job != job {
		t.Fatalf("expected job %#v, got %#v", job, delivery.Job)
	}
	if delivery.MessageID != msg.ID {
		t.Fatalf("expected message id %s, got %s", msg.ID, delivery.MessageID)
	}
}

func TestDecodePushRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":       "{",
		"wrong job type": `{"message":{"data":"e30=","attributes":{"jobType":"other"}}}`,
		"missing id":     `{"message":{"data":"e30="}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePush(strings.NewReader(body))
			if !errors.Is(err, ErrMalformedPush) {
				t.Fatalf("expected ErrMalformedPush, got %v", err)
			}
		})
	}
}

func TestNewPubSubRetrievalPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubRetrievalPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}

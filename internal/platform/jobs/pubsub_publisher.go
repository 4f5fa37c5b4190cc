// Package jobs carries retrieval jobs over Pub/Sub.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/granule-access/api/internal/domain"
)

// JobTypeRetrievalProcess tags messages consumed by the retrieval worker.
const JobTypeRetrievalProcess = "retrieval.process"

// retrievalJobMessage is the JSON body published for each retrieval job.
type retrievalJobMessage struct {
	JobID       string    `json:"jobId"`
	RetrievalID string    `json:"retrievalId"`
	Token       string    `json:"token"`
	Environment string    `json:"environment"`
	BaseURL     string    `json:"baseUrl,omitempty"`
	QueuedAt    time.Time `json:"queuedAt"`
}

// PubSubRetrievalPublisher publishes retrieval jobs to a Pub/Sub topic.
type PubSubRetrievalPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubRetrievalPublisher constructs a publisher bound to topic.
func NewPubSubRetrievalPublisher(topic *pubsub.Topic) (*PubSubRetrievalPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub retrieval publisher: topic is required")
	}
	return &PubSubRetrievalPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishRetrievalJob enqueues job and returns the server-assigned message id.
func (p *PubSubRetrievalPublisher) PublishRetrievalJob(ctx context.Context, job domain.RetrievalJob) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub retrieval publisher: not initialised")
	}

	data, err := p.marshal(retrievalJobMessage{
		JobID:       job.JobID,
		RetrievalID: strconv.FormatInt(job.RetrievalID, 10),
		Token:       job.Token,
		Environment: job.Environment,
		BaseURL:     job.BaseURL,
		QueuedAt:    job.QueuedAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal retrieval job: %w", err)
	}

	attrs := map[string]string{"jobType": JobTypeRetrievalProcess}
	setAttr(attrs, "jobId", job.JobID)
	setAttr(attrs, "retrievalId", strconv.FormatInt(job.RetrievalID, 10))
	setAttr(attrs, "environment", job.Environment)

	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish retrieval job: %w", err)
	}
	return id, nil
}

// Ping confirms the topic exists.
func (p *PubSubRetrievalPublisher) Ping(ctx context.Context) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub retrieval publisher: not initialised")
	}
	ok, err := p.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic: %w", err)
	}
	if !ok {
		return fmt.Errorf("topic %s does not exist", p.topic.ID())
	}
	return nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

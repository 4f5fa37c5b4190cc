package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/granule-access/api/internal/domain"
)

// ErrMalformedPush marks push deliveries that can never be processed and should be acked.
var ErrMalformedPush = errors.New("jobs: malformed push message")

// PushDelivery is the decoded Pub/Sub push envelope.
type PushDelivery struct {
	MessageID    string
	Subscription string
	PublishTime  time.Time
	Attributes   map[string]string
	Job          domain.RetrievalJob
}

type pushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush parses a push request body carrying a retrieval job. The data field is
// base64 in the envelope and decoded by encoding/json into raw bytes.
func DecodePush(r io.Reader) (PushDelivery, error) {
	var env pushEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return PushDelivery{}, fmt.Errorf("%w: %v", ErrMalformedPush, err)
	}
	if jobType := env.Message.Attributes["jobType"]; jobType != "" && jobType != JobTypeRetrievalProcess {
		return PushDelivery{}, fmt.Errorf("%w: unexpected job type %q", ErrMalformedPush, jobType)
	}

	var msg retrievalJobMessage
	if err := json.Unmarshal(env.Message.Data, &msg); err != nil {
		return PushDelivery{}, fmt.Errorf("%w: %v", ErrMalformedPush, err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(msg.RetrievalID), 10, 64)
	if err != nil || id <= 0 {
		return PushDelivery{}, fmt.Errorf("%w: invalid retrieval id %q", ErrMalformedPush, msg.RetrievalID)
	}

	return PushDelivery{
		MessageID:    env.Message.MessageID,
		Subscription: env.Subscription,
		PublishTime:  env.Message.PublishTime,
		Attributes:   env.Message.Attributes,
		Job: domain.RetrievalJob{
			JobID:       msg.JobID,
			RetrievalID: id,
			Token:       msg.Token,
			Environment: msg.Environment,
			BaseURL:     msg.BaseURL,
			QueuedAt:    msg.QueuedAt,
		},
	}, nil
}

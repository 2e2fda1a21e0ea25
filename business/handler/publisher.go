package handler

import (
	"errors"
	"fmt"
	logger "log"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrMessageNotPublished reports that the feed could not be handed to the
// downstream broker within the retry budget. The trip state is already
// committed when this happens; ingestors surface the failure so the producer
// retries the whole payload (merging is idempotent).
var ErrMessageNotPublished = errors.New("message not published")

const publishRetryWait = 200 * time.Millisecond

// NatsFeedPublisher ships binary feeds over a NATS connection, one subject
// per contributor.
type NatsFeedPublisher struct {
	log           *logger.Logger
	natsConn      *nats.Conn
	subjectPrefix string
	maxRetries    int
}

// MakeNatsFeedPublisher builds a NatsFeedPublisher.
func MakeNatsFeedPublisher(log *logger.Logger, natsConn *nats.Conn, subjectPrefix string,
	maxRetries int) *NatsFeedPublisher {
	return &NatsFeedPublisher{
		log:           log,
		natsConn:      natsConn,
		subjectPrefix: subjectPrefix,
		maxRetries:    maxRetries,
	}
}

// Publish implements FeedPublisher with a bounded retry budget.
func (p *NatsFeedPublisher) Publish(feed []byte, contributorId string) error {
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, contributorId)

	attempts := p.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.natsConn.Publish(subject, feed)
		if err == nil {
			return nil
		}
		if attempt < attempts {
			p.log.Printf("publish attempt %d of %d on %s failed, retrying: %v", attempt, attempts, subject, err)
			time.Sleep(publishRetryWait)
		}
	}
	return fmt.Errorf("publishing feed on %s: %v: %w", subject, err, ErrMessageNotPublished)
}

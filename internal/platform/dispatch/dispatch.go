// Package dispatch provides the transports that carry stage invocations:
// an in-process queue for tests and local runs, and SQS, Kafka and HTTP
// transports for deployed stages. Every transport delivers at-least-once.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds dispatcher ceiling")
	ErrUnknownStage    = errors.New("unknown stage")
	ErrQueueClosed     = errors.New("queue is closed")
)

// DefaultMaxPayloadBytes matches the asynchronous invocation ceiling of the
// managed runtimes the stages are deployed on.
const DefaultMaxPayloadBytes = 256 * 1024

// DefaultMaxAttempts is how many times a transport that retries in-process
// invokes a handler before giving up on a delivery.
const DefaultMaxAttempts = 3

// Observer is notified after every handler invocation.
type Observer func(stage pipeline.Stage, status *pipeline.Status, err error, elapsed time.Duration)

// encode marshals payload and enforces the ceiling. Raw JSON is passed
// through unchanged.
func encode(payload interface{}, maxBytes int) ([]byte, error) {
	var body []byte
	switch p := payload.(type) {
	case json.RawMessage:
		body = p
	case []byte:
		body = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = b
	}
	if maxBytes > 0 && len(body) > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(body), maxBytes)
	}
	return body, nil
}

// messageIDOf extracts message_id from an encoded payload for logging and
// partitioning. It returns an empty string when absent.
func messageIDOf(body []byte) string {
	var v struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(body, &v)
	return v.MessageID
}

// invoke runs h under an optional deadline.
func invoke(ctx context.Context, h pipeline.Handler, body []byte, timeout time.Duration) (*pipeline.Status, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return h.Handle(ctx, body)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	return !errors.Is(err, pipeline.ErrInvalidPayload) && !errors.Is(err, context.Canceled)
}

// backoff returns the delay before attempt n (1-based) using doubling from
// base, capped at limit.
func backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

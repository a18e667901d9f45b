package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

// TokenSigner issues bearer tokens scoped to one stage.
type TokenSigner interface {
	Sign(stage string) (string, error)
}

// HTTPOption configures an HTTPDispatcher.
type HTTPOption func(*HTTPDispatcher)

// WithHTTPClient overrides the default HTTP client used for invocations.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDispatcher) { d.client = c }
}

func WithHTTPRetries(maxAttempts int, base time.Duration) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.maxAttempts = maxAttempts
		d.retryBase = base
	}
}

// WithHTTPMaxPayloadBytes overrides the encoded payload ceiling.
func WithHTTPMaxPayloadBytes(n int) HTTPOption {
	return func(d *HTTPDispatcher) {
		if n > 0 {
			d.maxPayload = n
		}
	}
}

// HTTPDispatcher posts invocations to a remote stage host's asynchronous
// endpoint. Network errors and 5xx responses are retried; any other non-2xx
// response fails the dispatch.
type HTTPDispatcher struct {
	baseURL     string
	signer      TokenSigner
	client      *http.Client
	maxAttempts int
	retryBase   time.Duration
	maxPayload  int
}

// NewHTTPDispatcher targets the stage host at baseURL. signer may be nil when
// the host runs without stage tokens.
func NewHTTPDispatcher(baseURL string, signer TokenSigner, opts ...HTTPOption) *HTTPDispatcher {
	d := &HTTPDispatcher{
		baseURL:     strings.TrimRight(baseURL, "/"),
		signer:      signer,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: DefaultMaxAttempts,
		retryBase:   500 * time.Millisecond,
		maxPayload:  DefaultMaxPayloadBytes,
	}
	for _, o := range opts {
		o(d)
	}
	if d.maxAttempts < 1 {
		d.maxAttempts = 1
	}
	return d
}

// errRejected marks a response that another attempt cannot fix.
var errRejected = errors.New("stage host rejected invocation")

func (d *HTTPDispatcher) Dispatch(ctx context.Context, stage pipeline.Stage, payload interface{}) error {
	body, err := encode(payload, d.maxPayload)
	if err != nil {
		return err
	}
	deliveryID := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.post(ctx, stage, deliveryID, body)
		if lastErr == nil || errors.Is(lastErr, errRejected) {
			return lastErr
		}
		if attempt < d.maxAttempts {
			if err := sleep(ctx, backoff(d.retryBase, 30*time.Second, attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("dispatch %s after %d attempts: %w", stage, d.maxAttempts, lastErr)
}

func (d *HTTPDispatcher) post(ctx context.Context, stage pipeline.Stage, deliveryID string, body []byte) error {
	url := fmt.Sprintf("%s/stages/%s/async", d.baseURL, stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)
	if d.signer != nil {
		token, err := d.signer.Sign(string(stage))
		if err != nil {
			return fmt.Errorf("%w: %v", errRejected, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w: %s", errRejected, ErrUnknownStage, stage)
	case resp.StatusCode >= 500:
		return fmt.Errorf("stage host returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("%w: status %d: %s", errRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

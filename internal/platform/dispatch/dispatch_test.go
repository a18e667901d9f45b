package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

// =========== Helpers ===========

func TestEncode(t *testing.T) {
	raw := json.RawMessage(`{"message_id":"m1"}`)
	b, err := encode(raw, 100)
	if err != nil || string(b) != string(raw) {
		t.Fatalf("raw JSON must pass through unchanged, got %q %v", b, err)
	}
	if _, err := encode(map[string]string{"k": strings.Repeat("x", 50)}, 10); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if messageIDOf([]byte(`{"message_id":"abc"}`)) != "abc" {
		t.Error("expected message_id to be extracted")
	}
	if messageIDOf([]byte(`not json`)) != "" {
		t.Error("expected empty message_id for bad JSON")
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	cases := map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond, 10: time.Second}
	for n, want := range cases {
		if got := backoff(base, time.Second, n); got != want {
			t.Errorf("backoff(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if retryable(fmt.Errorf("x: %w", pipeline.ErrInvalidPayload)) {
		t.Error("invalid payloads must not be retried")
	}
	if !retryable(errors.New("throttled")) {
		t.Error("transient errors must be retried")
	}
}

// =========== LocalQueue ===========

func TestLocalQueue_ChainsStages(t *testing.T) {
	q := NewLocalQueue(zerolog.Nop())
	rec := &recorder{}

	registry := pipeline.Registry{
		pipeline.StageIngest: pipeline.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (*pipeline.Status, error) {
			rec.add("ingest:" + messageIDOf(raw))
			return pipeline.NewStatus("ok", messageIDOf(raw)), q.Dispatch(ctx, pipeline.StageParse, raw)
		}),
		pipeline.StageParse: pipeline.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (*pipeline.Status, error) {
			rec.add("parse:" + messageIDOf(raw))
			return pipeline.NewStatus("ok", messageIDOf(raw)), nil
		}),
	}
	ctx := waitCtx(t)
	if err := q.Start(ctx, registry); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	if err := q.Dispatch(ctx, pipeline.StageIngest, map[string]string{"message_id": "m1"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got := rec.all()
	if len(got) != 2 || got[0] != "ingest:m1" || got[1] != "parse:m1" {
		t.Errorf("unexpected invocation order %v", got)
	}
	if len(q.Failures()) != 0 {
		t.Errorf("expected no failures, got %+v", q.Failures())
	}
}

func TestLocalQueue_RetriesTransientErrors(t *testing.T) {
	q := NewLocalQueue(zerolog.Nop(), WithRetryDelay(time.Millisecond), WithMaxAttempts(3))
	var calls int32
	registry := pipeline.Registry{
		pipeline.StageLoad: pipeline.HandlerFunc(func(context.Context, json.RawMessage) (*pipeline.Status, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("connection reset")
			}
			return pipeline.NewStatus("ok", "m1"), nil
		}),
	}
	ctx := waitCtx(t)
	_ = q.Start(ctx, registry)
	defer q.Stop()

	_ = q.Dispatch(ctx, pipeline.StageLoad, map[string]string{"message_id": "m1"})
	_ = q.Wait(ctx)

	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if len(q.Failures()) != 0 {
		t.Errorf("expected delivery to succeed on the third attempt")
	}
}

func TestLocalQueue_AbandonsAfterMaxAttempts(t *testing.T) {
	var observed int32
	q := NewLocalQueue(zerolog.Nop(),
		WithRetryDelay(time.Millisecond),
		WithMaxAttempts(2),
		WithObserver(func(pipeline.Stage, *pipeline.Status, error, time.Duration) { atomic.AddInt32(&observed, 1) }),
	)
	registry := pipeline.Registry{
		pipeline.StageMap: pipeline.HandlerFunc(func(context.Context, json.RawMessage) (*pipeline.Status, error) {
			return nil, errors.New("store unavailable")
		}),
		pipeline.StageParse: pipeline.HandlerFunc(func(context.Context, json.RawMessage) (*pipeline.Status, error) {
			return nil, fmt.Errorf("parse payload: %w", pipeline.ErrInvalidPayload)
		}),
	}
	ctx := waitCtx(t)
	_ = q.Start(ctx, registry)
	defer q.Stop()

	_ = q.Dispatch(ctx, pipeline.StageMap, map[string]string{"message_id": "m1"})
	_ = q.Dispatch(ctx, pipeline.StageParse, map[string]string{"message_id": "m2"})
	_ = q.Wait(ctx)

	failures := q.Failures()
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failures))
	}
	attempts := map[string]int{}
	for _, f := range failures {
		attempts[f.MessageID] = f.Attempts
	}
	if attempts["m1"] != 2 {
		t.Errorf("expected transient failure to use every attempt, got %d", attempts["m1"])
	}
	if attempts["m2"] != 1 {
		t.Errorf("expected invalid payload to fail once, got %d", attempts["m2"])
	}
	if atomic.LoadInt32(&observed) != 3 {
		t.Errorf("expected observer to see 3 invocations, got %d", observed)
	}
}

func TestLocalQueue_RejectsUnknownStageAndOversize(t *testing.T) {
	q := NewLocalQueue(zerolog.Nop(), WithMaxPayloadBytes(32))
	ctx := waitCtx(t)
	_ = q.Start(ctx, pipeline.Registry{
		pipeline.StageParse: pipeline.HandlerFunc(func(context.Context, json.RawMessage) (*pipeline.Status, error) { return nil, nil }),
	})
	defer q.Stop()

	if err := q.Dispatch(ctx, pipeline.StageLoad, map[string]string{}); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
	big := map[string]string{"message_id": strings.Repeat("x", 64)}
	if err := q.Dispatch(ctx, pipeline.StageParse, big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := q.Start(ctx, nil); err == nil {
		t.Error("expected second Start to fail")
	}
}

func TestLocalQueue_StopReleasesWait(t *testing.T) {
	q := NewLocalQueue(zerolog.Nop())
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	ctx := waitCtx(t)
	_ = q.Start(ctx, pipeline.Registry{
		pipeline.StageParse: pipeline.HandlerFunc(func(_ context.Context, raw json.RawMessage) (*pipeline.Status, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return pipeline.NewStatus("ok", messageIDOf(raw)), nil
		}),
	})

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := q.Dispatch(ctx, pipeline.StageParse, map[string]string{"message_id": id}); err != nil {
			t.Fatalf("Dispatch %s: %v", id, err)
		}
		if id == "m1" {
			<-started
		}
	}

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	close(release)
	<-stopped

	if err := q.Dispatch(ctx, pipeline.StageParse, map[string]string{"message_id": "m4"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed after Stop, got %v", err)
	}
	if err := q.Wait(ctx); err != nil {
		t.Errorf("Wait after Stop: %v", err)
	}
}

// =========== SQS ===========

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	deleted  []string
	inbox    []types.Message
	lookups  int
	missing  bool
	received chan struct{}
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.missing {
		return nil, &types.QueueDoesNotExist{Message: aws.String("no queue")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/" + aws.ToString(in.QueueName))}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("sqs-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) > 0 {
		return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
	}
	select {
	case f.received <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSDispatcher_Send(t *testing.T) {
	api := &fakeSQS{}
	d := NewSQSDispatcher(api, "medextract-")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := d.Dispatch(ctx, pipeline.StageExtract, map[string]string{"message_id": "m1"}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if api.lookups != 1 {
		t.Errorf("expected queue URL to be cached, got %d lookups", api.lookups)
	}
	in := api.sent[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.local/medextract-extract" {
		t.Errorf("unexpected queue url %q", aws.ToString(in.QueueUrl))
	}
	if aws.ToString(in.MessageBody) != `{"message_id":"m1"}` {
		t.Errorf("unexpected body %q", aws.ToString(in.MessageBody))
	}
	if aws.ToString(in.MessageAttributes[attrStage].StringValue) != "extract" {
		t.Errorf("expected stage attribute, got %+v", in.MessageAttributes)
	}
	if aws.ToString(api.sent[0].MessageAttributes[attrDeliveryID].StringValue) == aws.ToString(api.sent[1].MessageAttributes[attrDeliveryID].StringValue) {
		t.Error("expected a fresh delivery id per dispatch")
	}
}

func TestSQSDispatcher_MissingQueue(t *testing.T) {
	d := NewSQSDispatcher(&fakeSQS{missing: true}, "medextract-")
	if err := d.Dispatch(context.Background(), pipeline.StageLoad, map[string]string{}); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestSQSConsumer_DeletesHandledAndInvalid(t *testing.T) {
	api := &fakeSQS{
		received: make(chan struct{}, 1),
		inbox: []types.Message{
			{MessageId: aws.String("a"), ReceiptHandle: aws.String("ok"), Body: aws.String(`{"message_id":"m1","kind":"ok"}`)},
			{MessageId: aws.String("b"), ReceiptHandle: aws.String("bad"), Body: aws.String(`{"message_id":"m2","kind":"bad"}`)},
			{MessageId: aws.String("c"), ReceiptHandle: aws.String("flaky"), Body: aws.String(`{"message_id":"m3","kind":"flaky"}`)},
		},
	}
	h := pipeline.HandlerFunc(func(_ context.Context, raw json.RawMessage) (*pipeline.Status, error) {
		var p struct{ Kind string }
		_ = json.Unmarshal(raw, &p)
		switch p.Kind {
		case "bad":
			return nil, fmt.Errorf("decode: %w", pipeline.ErrInvalidPayload)
		case "flaky":
			return nil, errors.New("timeout")
		}
		return pipeline.NewStatus("ok", "m1"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := NewSQSConsumer(api, "medextract-", pipeline.StageParse, h, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-api.received:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the inbox")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.deleted) != 2 || api.deleted[0] != "ok" || api.deleted[1] != "bad" {
		t.Errorf("expected handled and invalid messages deleted, got %v", api.deleted)
	}
}

// =========== Kafka ===========

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaDispatcher_KeysByMessageID(t *testing.T) {
	w := &fakeWriter{}
	d := NewKafkaDispatcher(w, "medextract.")
	if err := d.Dispatch(context.Background(), pipeline.StageMap, map[string]string{"message_id": "m9"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != "medextract.map" || string(m.Key) != "m9" {
		t.Errorf("unexpected topic/key %q %q", m.Topic, m.Key)
	}

	w.err = errors.New("leader not available")
	if err := d.Dispatch(context.Background(), pipeline.StageMap, map[string]string{}); !errors.Is(err, w.err) {
		t.Errorf("expected wrapped writer error, got %v", err)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	drained   chan struct{}
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case r.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestKafkaConsumer_RetriesThenCommits(t *testing.T) {
	r := &fakeReader{
		drained: make(chan struct{}, 1),
		msgs: []kafka.Message{
			{Offset: 1, Key: []byte("m1"), Value: []byte(`{"message_id":"m1"}`)},
			{Offset: 2, Key: []byte("m2"), Value: []byte(`{"message_id":"m2"}`)},
		},
	}
	var calls int32
	h := pipeline.HandlerFunc(func(_ context.Context, raw json.RawMessage) (*pipeline.Status, error) {
		atomic.AddInt32(&calls, 1)
		if messageIDOf(raw) == "m2" {
			return nil, errors.New("always failing")
		}
		return pipeline.NewStatus("ok", "m1"), nil
	})

	c := NewKafkaConsumer(r, pipeline.StageLoad, h, zerolog.Nop())
	c.retryBase = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the topic")
	}
	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.committed) != 2 {
		t.Errorf("expected both offsets committed, got %v", r.committed)
	}
	if got := atomic.LoadInt32(&calls); got != 1+DefaultMaxAttempts {
		t.Errorf("expected %d handler calls, got %d", 1+DefaultMaxAttempts, got)
	}
	if !r.closed {
		t.Error("expected reader to be closed on shutdown")
	}
}

// =========== HTTP ===========

type staticSigner struct{}

func (staticSigner) Sign(stage string) (string, error) { return "token-" + stage, nil }

func TestHTTPDispatcher_PostsWithToken(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL+"/", staticSigner{})
	if err := d.Dispatch(context.Background(), pipeline.StageExtract, map[string]string{"message_id": "m1"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotPath != "/stages/extract/async" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer token-extract" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotBody != `{"message_id":"m1"}` {
		t.Errorf("unexpected body %q", gotBody)
	}
}

func TestHTTPDispatcher_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, nil, WithHTTPRetries(3, time.Millisecond))
	if err := d.Dispatch(context.Background(), pipeline.StageParse, map[string]string{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestHTTPDispatcher_ClientErrorsAreFinal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if strings.Contains(r.URL.Path, "nope") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, nil, WithHTTPRetries(3, time.Millisecond))
	if err := d.Dispatch(context.Background(), pipeline.StageLoad, map[string]string{}); err == nil {
		t.Fatal("expected 400 to fail the dispatch")
	}
	if err := d.Dispatch(context.Background(), pipeline.Stage("nope"), map[string]string{}); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage for 404, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected no retries for client errors, got %d calls", calls)
	}
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

const (
	attrStage      = "stage"
	attrDeliveryID = "delivery_id"
)

// SQSAPI is the subset of the SQS client used by the dispatcher and consumer.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// queueResolver maps stages to queue URLs named prefix+stage, caching each
// lookup.
type queueResolver struct {
	api    SQSAPI
	prefix string

	mu   sync.Mutex
	urls map[pipeline.Stage]string
}

func (r *queueResolver) url(ctx context.Context, stage pipeline.Stage) (string, error) {
	r.mu.Lock()
	u, ok := r.urls[stage]
	r.mu.Unlock()
	if ok {
		return u, nil
	}

	out, err := r.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(r.prefix + string(stage))})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return "", fmt.Errorf("%w: no queue for %s", ErrUnknownStage, stage)
		}
		return "", fmt.Errorf("resolve queue for %s: %w", stage, err)
	}

	u = aws.ToString(out.QueueUrl)
	r.mu.Lock()
	r.urls[stage] = u
	r.mu.Unlock()
	return u, nil
}

// SQSDispatcher sends each stage invocation to the queue named prefix+stage.
type SQSDispatcher struct {
	queues     *queueResolver
	maxPayload int
}

func NewSQSDispatcher(api SQSAPI, queuePrefix string) *SQSDispatcher {
	return &SQSDispatcher{
		queues:     &queueResolver{api: api, prefix: queuePrefix, urls: make(map[pipeline.Stage]string)},
		maxPayload: DefaultMaxPayloadBytes,
	}
}

// WithMaxPayloadBytes overrides the encoded payload ceiling.
func (d *SQSDispatcher) WithMaxPayloadBytes(n int) *SQSDispatcher {
	if n > 0 {
		d.maxPayload = n
	}
	return d
}

func (d *SQSDispatcher) Dispatch(ctx context.Context, stage pipeline.Stage, payload interface{}) error {
	body, err := encode(payload, d.maxPayload)
	if err != nil {
		return err
	}
	queueURL, err := d.queues.url(ctx, stage)
	if err != nil {
		return err
	}

	_, err = d.queues.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrStage:      {DataType: aws.String("String"), StringValue: aws.String(string(stage))},
			attrDeliveryID: {DataType: aws.String("String"), StringValue: aws.String(uuid.NewString())},
		},
	})
	if err != nil {
		return fmt.Errorf("send %s message: %w", stage, err)
	}
	return nil
}

// SQSConsumer long-polls one stage queue and invokes the handler for every
// message. Handled messages and messages with invalid payloads are deleted;
// any other failure leaves the message for redelivery after its visibility
// timeout.
type SQSConsumer struct {
	queues   *queueResolver
	stage    pipeline.Stage
	handler  pipeline.Handler
	logger   zerolog.Logger
	timeout  time.Duration
	waitTime int32
	batch    int32
	observer Observer
}

func NewSQSConsumer(api SQSAPI, queuePrefix string, stage pipeline.Stage, h pipeline.Handler, logger zerolog.Logger) *SQSConsumer {
	return &SQSConsumer{
		queues:   &queueResolver{api: api, prefix: queuePrefix, urls: make(map[pipeline.Stage]string)},
		stage:    stage,
		handler:  h,
		logger:   logger.With().Str("stage", string(stage)).Str("transport", "sqs").Logger(),
		waitTime: 20,
		batch:    10,
	}
}

func (c *SQSConsumer) WithStageTimeout(d time.Duration) *SQSConsumer {
	c.timeout = d
	return c
}

func (c *SQSConsumer) WithObserver(o Observer) *SQSConsumer {
	c.observer = o
	return c
}

// Run polls until ctx is cancelled.
func (c *SQSConsumer) Run(ctx context.Context) error {
	queueURL, err := c.queues.url(ctx, c.stage)
	if err != nil {
		return err
	}
	c.logger.Info().Str("queue_url", queueURL).Msg("consumer started")

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := c.poll(ctx, queueURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("receive failed")
			if sleep(ctx, time.Second) != nil {
				return nil
			}
			continue
		}
		c.logger.Debug().Int("messages", n).Msg("poll complete")
	}
}

// poll receives one batch and handles it, returning the batch size.
func (c *SQSConsumer) poll(ctx context.Context, queueURL string) (int, error) {
	out, err := c.queues.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   c.batch,
		WaitTimeSeconds:       c.waitTime,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	for _, msg := range out.Messages {
		c.handle(ctx, queueURL, msg)
	}
	return len(out.Messages), nil
}

func (c *SQSConsumer) handle(ctx context.Context, queueURL string, msg types.Message) {
	body := []byte(aws.ToString(msg.Body))
	log := c.logger.With().
		Str("sqs_message_id", aws.ToString(msg.MessageId)).
		Str("message_id", messageIDOf(body)).
		Logger()
	if a, ok := msg.MessageAttributes[attrDeliveryID]; ok {
		log = log.With().Str("delivery_id", aws.ToString(a.StringValue)).Logger()
	}

	start := time.Now()
	status, err := invoke(ctx, c.handler, body, c.timeout)
	if c.observer != nil {
		c.observer(c.stage, status, err, time.Since(start))
	}

	switch {
	case err == nil:
		log.Debug().Msg("message handled")
	case errors.Is(err, pipeline.ErrInvalidPayload):
		log.Error().Err(err).Msg("dropping message with unusable payload")
	default:
		log.Warn().Err(err).Msg("handler failed, message left for redelivery")
		return
	}

	if _, derr := c.queues.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); derr != nil {
		log.Error().Err(derr).Msg("delete message failed")
	}
}

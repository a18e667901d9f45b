package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaDispatcher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader used by KafkaConsumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer without a fixed topic so each message can
// name its stage topic. Messages are hashed by key for partition affinity.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaReader builds a consumer-group reader for one stage topic.
func NewKafkaReader(brokers []string, topicPrefix, groupID string, stage pipeline.Stage) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topicPrefix + string(stage),
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

// KafkaDispatcher publishes each invocation to the topic prefix+stage keyed
// by message_id, so redeliveries of one message land on one partition.
type KafkaDispatcher struct {
	writer     MessageWriter
	prefix     string
	maxPayload int
}

func NewKafkaDispatcher(w MessageWriter, topicPrefix string) *KafkaDispatcher {
	return &KafkaDispatcher{writer: w, prefix: topicPrefix, maxPayload: DefaultMaxPayloadBytes}
}

// WithMaxPayloadBytes overrides the encoded payload ceiling.
func (d *KafkaDispatcher) WithMaxPayloadBytes(n int) *KafkaDispatcher {
	if n > 0 {
		d.maxPayload = n
	}
	return d
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, stage pipeline.Stage, payload interface{}) error {
	body, err := encode(payload, d.maxPayload)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: d.prefix + string(stage),
		Key:   []byte(messageIDOf(body)),
		Value: body,
		Headers: []kafka.Header{
			{Key: attrStage, Value: []byte(stage)},
			{Key: attrDeliveryID, Value: []byte(uuid.NewString())},
		},
		Time: time.Now().UTC(),
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s message: %w", stage, err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// KafkaConsumer drains one stage topic. Each message is retried in place up
// to maxAttempts and its offset is committed afterwards whatever the
// outcome, so one bad message cannot stall the partition.
type KafkaConsumer struct {
	reader      MessageReader
	stage       pipeline.Stage
	handler     pipeline.Handler
	logger      zerolog.Logger
	maxAttempts int
	retryBase   time.Duration
	timeout     time.Duration
	observer    Observer
}

func NewKafkaConsumer(r MessageReader, stage pipeline.Stage, h pipeline.Handler, logger zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:      r,
		stage:       stage,
		handler:     h,
		logger:      logger.With().Str("stage", string(stage)).Str("transport", "kafka").Logger(),
		maxAttempts: DefaultMaxAttempts,
		retryBase:   200 * time.Millisecond,
	}
}

func (c *KafkaConsumer) WithStageTimeout(d time.Duration) *KafkaConsumer {
	c.timeout = d
	return c
}

func (c *KafkaConsumer) WithMaxAttempts(n int) *KafkaConsumer {
	if n > 0 {
		c.maxAttempts = n
	}
	return c
}

func (c *KafkaConsumer) WithObserver(o Observer) *KafkaConsumer {
	c.observer = o
	return c
}

// Run fetches until ctx is cancelled, then closes the reader.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close reader")
		}
	}()
	c.logger.Info().Msg("consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error().Err(err).Msg("fetch failed")
			if sleep(ctx, time.Second) != nil {
				return nil
			}
			continue
		}

		c.handle(ctx, msg)
		if ctx.Err() != nil {
			// Leave the offset uncommitted so the message is redelivered.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	log := c.logger.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("message_id", string(msg.Key)).
		Logger()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		start := time.Now()
		status, err := invoke(ctx, c.handler, msg.Value, c.timeout)
		if c.observer != nil {
			c.observer(c.stage, status, err, time.Since(start))
		}
		if err == nil {
			log.Debug().Int("attempt", attempt).Msg("message handled")
			return
		}
		if !retryable(err) || attempt == c.maxAttempts {
			log.Error().Err(err).Int("attempts", attempt).Msg("message abandoned")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("handler failed, retrying")
		if sleep(ctx, backoff(c.retryBase, 10*time.Second, attempt)) != nil {
			return
		}
	}
}

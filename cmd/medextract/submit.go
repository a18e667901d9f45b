package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
)

const rawContentType = "message/rfc822"

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <file.eml>",
		Short: "Upload a raw message and start the pipeline for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messageID, _ := cmd.Flags().GetString("message-id")
			return runSubmit(args[0], messageID)
		},
	}
	cmd.Flags().String("message-id", "", "Message id (default a random UUID)")
	return cmd
}

func runSubmit(path, messageID string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	next, queue, err := a.dispatcher()
	if err != nil {
		return err
	}
	if queue != nil {
		return fmt.Errorf("submit needs a remote dispatch backend; use run-local for DISPATCH_BACKEND=local")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ev, err := submitEvent(ctx, a.store, raw, messageID)
	if err != nil {
		return err
	}
	if err := next.Dispatch(ctx, pipeline.StageIngest, ev); err != nil {
		return fmt.Errorf("dispatch ingest: %w", err)
	}
	a.logger.Info().Str("message_id", ev.MessageID).Str("file", path).Msg("message submitted")
	fmt.Println(ev.MessageID)
	return nil
}

// submitEvent stores raw under its incoming key and builds the event the
// ingest stage expects, taking routing fields from the message headers.
func submitEvent(ctx context.Context, store artifact.Store, raw []byte, messageID string) (pipeline.IngestEvent, error) {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	key := pipeline.RawContentKey(messageID)
	if err := store.Put(ctx, key, raw, rawContentType); err != nil {
		return pipeline.IngestEvent{}, fmt.Errorf("upload raw message: %w", err)
	}

	ev := pipeline.IngestEvent{
		MessageID:          messageID,
		RawContentLocation: key,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		Destination:        []string{},
		Recipients:         []string{},
	}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ev, nil
	}
	ev.Subject = decodeHeader(msg.Header.Get("Subject"))
	if from, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		ev.Source = from.Address
	}
	if to, err := msg.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			ev.Destination = append(ev.Destination, addr.Address)
			ev.Recipients = append(ev.Recipients, addr.Address)
		}
	}
	return ev, nil
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	if s, err := dec.DecodeHeader(v); err == nil {
		return s
	}
	return v
}

func runLocalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-local <file.eml>...",
		Short: "Run messages through every stage in-process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			skipLoad, _ := cmd.Flags().GetBool("skip-load")
			return runLocal(args, skipLoad)
		},
	}
	cmd.Flags().Bool("skip-load", false, "Log structured records instead of writing them to Postgres")
	return cmd
}

func runLocal(paths []string, skipLoad bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	queue := a.localQueue()
	next := a.metrics.CountDispatches(queue, "local")

	stages := pipeline.Stages
	if skipLoad {
		stages = stages[:len(stages)-1]
	}
	registry, err := a.registry(ctx, next, stages)
	if err != nil {
		return err
	}
	if skipLoad {
		registry[pipeline.StageLoad] = pipeline.HandlerFunc(func(_ context.Context, payload json.RawMessage) (*pipeline.Status, error) {
			in, err := pipeline.Decode[pipeline.LoadPayload](payload)
			if err != nil {
				return nil, err
			}
			logger.Info().Str("message_id", in.MessageID).RawJSON("payload", payload).Msg("load skipped")
			return pipeline.NewStatus("Load skipped", in.MessageID), nil
		})
	}
	if err := queue.Start(ctx, registry); err != nil {
		return err
	}

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		ev, err := submitEvent(ctx, a.store, raw, id)
		if err != nil {
			return err
		}
		if err := queue.Dispatch(ctx, pipeline.StageIngest, ev); err != nil {
			return err
		}
	}

	budget := time.Duration(len(paths)*len(pipeline.Stages)) * a.cfg.StageTimeout
	if budget < time.Minute {
		budget = time.Minute
	}
	waitCtx, stop := context.WithTimeout(ctx, budget)
	defer stop()
	if err := queue.Wait(waitCtx); err != nil {
		return fmt.Errorf("pipeline did not drain: %w", err)
	}

	failures := queue.Failures()
	for _, f := range failures {
		logger.Error().Err(f.Err).Str("stage", string(f.Stage)).Str("message_id", f.MessageID).Int("attempts", f.Attempts).Msg("delivery abandoned")
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d deliveries failed", len(failures))
	}
	logger.Info().Int("messages", len(paths)).Msg("pipeline drained")
	return nil
}

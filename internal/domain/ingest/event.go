package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

// sesNotification is the receipt-rule notification the mail service emits
// for a stored inbound message.
type sesNotification struct {
	Records []struct {
		SES struct {
			Mail struct {
				MessageID     string   `json:"messageId"`
				Timestamp     string   `json:"timestamp"`
				Source        string   `json:"source"`
				Destination   []string `json:"destination"`
				CommonHeaders struct {
					Subject string `json:"subject"`
				} `json:"commonHeaders"`
			} `json:"mail"`
			Receipt struct {
				Recipients   []string         `json:"recipients"`
				SpamVerdict  pipeline.Verdict `json:"spamVerdict"`
				VirusVerdict pipeline.Verdict `json:"virusVerdict"`
				DKIMVerdict  pipeline.Verdict `json:"dkimVerdict"`
				SPFVerdict   pipeline.Verdict `json:"spfVerdict"`
			} `json:"receipt"`
		} `json:"ses"`
	} `json:"Records"`
}

// DecodeEvent accepts either a pipeline ingest event or a mail-service
// receipt notification. For notifications the raw content is expected at
// the message's incoming key.
func DecodeEvent(payload []byte) (pipeline.IngestEvent, error) {
	var sesEnvelope struct {
		Records json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(payload, &sesEnvelope); err != nil || len(sesEnvelope.Records) == 0 {
		return pipeline.Decode[pipeline.IngestEvent](payload)
	}

	var n sesNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return pipeline.IngestEvent{}, fmt.Errorf("%w: %v", pipeline.ErrInvalidPayload, err)
	}
	if len(n.Records) == 0 {
		return pipeline.IngestEvent{}, fmt.Errorf("%w: notification has no records", pipeline.ErrInvalidPayload)
	}

	rec := n.Records[0].SES
	ev := pipeline.IngestEvent{
		MessageID:   rec.Mail.MessageID,
		Timestamp:   rec.Mail.Timestamp,
		Source:      rec.Mail.Source,
		Destination: rec.Mail.Destination,
		Subject:     rec.Mail.CommonHeaders.Subject,
		Recipients:  rec.Receipt.Recipients,
		Verdicts: pipeline.Verdicts{
			Spam:  rec.Receipt.SpamVerdict,
			Virus: rec.Receipt.VirusVerdict,
			DKIM:  rec.Receipt.DKIMVerdict,
			SPF:   rec.Receipt.SPFVerdict,
		},
	}
	if ev.MessageID != "" {
		ev.RawContentLocation = pipeline.RawContentKey(ev.MessageID)
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return pipeline.IngestEvent{}, err
	}
	return pipeline.Decode[pipeline.IngestEvent](b)
}

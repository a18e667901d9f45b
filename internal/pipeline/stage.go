package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Stage names a pipeline step. The value doubles as the route, queue suffix
// and topic suffix used by the dispatch transports.
type Stage string

const (
	StageIngest  Stage = "ingest"
	StageParse   Stage = "parse"
	StageExtract Stage = "extract"
	StageMap     Stage = "map"
	StageLoad    Stage = "load"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageIngest, StageParse, StageExtract, StageMap, StageLoad}

// ParseStage resolves a stage by name.
func ParseStage(name string) (Stage, error) {
	for _, s := range Stages {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", name)
}

// Status is the success response of a stage invocation. Counters are
// flattened next to message and message_id when encoded.
type Status struct {
	Message   string
	MessageID string
	Counters  map[string]int64
}

// NewStatus returns a status with an empty counter set.
func NewStatus(message, messageID string) *Status {
	return &Status{Message: message, MessageID: messageID, Counters: map[string]int64{}}
}

// Set records a stage-specific counter and returns the status for chaining.
func (s *Status) Set(name string, v int64) *Status {
	s.Counters[name] = v
	return s
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Counters)+2)
	for k, v := range s.Counters {
		out[k] = v
	}
	out["message"] = s.Message
	out["message_id"] = s.MessageID
	return json.Marshal(out)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Counters = map[string]int64{}
	for k, v := range raw {
		switch k {
		case "message":
			if err := json.Unmarshal(v, &s.Message); err != nil {
				return err
			}
		case "message_id":
			if err := json.Unmarshal(v, &s.MessageID); err != nil {
				return err
			}
		default:
			var n int64
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("counter %s: %w", k, err)
			}
			s.Counters[k] = n
		}
	}
	return nil
}

// Handler is the uniform contract every stage implements. A returned error
// means the invocation failed and is eligible for re-delivery.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (*Status, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (*Status, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (*Status, error) {
	return f(ctx, payload)
}

// Dispatcher asynchronously invokes a named stage with a JSON payload.
// Delivery is at-least-once.
type Dispatcher interface {
	Dispatch(ctx context.Context, stage Stage, payload interface{}) error
}

// Registry maps stages to their handlers.
type Registry map[Stage]Handler

// Names returns the registered stage names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for s := range r {
		names = append(names, string(s))
	}
	sort.Strings(names)
	return names
}

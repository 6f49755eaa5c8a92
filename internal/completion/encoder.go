package completion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
)

const fingerprintSuffixLen = 10

// Encoder renders agent output as chat-completion objects for one model label.
type Encoder struct {
	Model string
	now   func() time.Time
}

func NewEncoder(model string) *Encoder {
	return &Encoder{Model: model, now: time.Now}
}

func (e *Encoder) created() int64 {
	if e.now == nil {
		return time.Now().Unix()
	}
	return e.now().Unix()
}

// Fingerprint derives the synthetic streaming fingerprint from the run id.
func Fingerprint(runID string) string {
	if len(runID) > fingerprintSuffixLen {
		runID = runID[len(runID)-fingerprintSuffixLen:]
	}
	return "fp_" + runID
}

// Chunk renders one incremental delta.
func (e *Encoder) Chunk(runID, content string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:                runID,
		Object:            ObjectChunk,
		Created:           e.created(),
		Model:             e.Model,
		SystemFingerprint: Fingerprint(runID),
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: Delta{Content: &content},
		}},
	}
}

// Final renders the terminal chunk: empty delta, finish_reason "stop".
func (e *Encoder) Final(runID string) *ChatCompletionChunk {
	stop := FinishStop
	return &ChatCompletionChunk{
		ID:                runID,
		Object:            ObjectChunk,
		Created:           e.created(),
		Model:             e.Model,
		SystemFingerprint: Fingerprint(runID),
		Choices: []ChunkChoice{{
			Index:        0,
			Delta:        Delta{},
			FinishReason: &stop,
		}},
	}
}

// Completion renders the single-object response for the final agent
// message. Usage and fingerprint are forwarded from the provider as is.
func (e *Encoder) Completion(runID string, msg *schema.Message) *ChatCompletion {
	out := &ChatCompletion{
		ID:      runID,
		Object:  ObjectCompletion,
		Created: e.created(),
		Model:   e.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      MessageContent{Role: string(schema.Assistant)},
			FinishReason: FinishStop,
		}},
	}
	if msg == nil {
		return out
	}
	out.Choices[0].Message.Content = msg.Content
	out.SystemFingerprint = upstreamFingerprint(msg)
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		u := msg.ResponseMeta.Usage
		completion, prompt, total := u.CompletionTokens, u.PromptTokens, u.TotalTokens
		out.Usage.CompletionTokens = &completion
		out.Usage.PromptTokens = &prompt
		out.Usage.TotalTokens = &total
	}
	return out
}

func upstreamFingerprint(msg *schema.Message) string {
	if msg.Extra == nil {
		return ""
	}
	if fp, ok := msg.Extra["system_fingerprint"].(string); ok {
		return fp
	}
	return ""
}

// DoneFrame is the transport-level end-of-stream sentinel.
var DoneFrame = []byte("data: [DONE]\n\n")

// DataFrame encodes v as one event-stream data frame.
func DataFrame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// ErrorMarker prefixes an inline failure written into an open stream.
const ErrorMarker = `error: {"exception": `

// ErrorFrame encodes err as an inline error marker frame.
func ErrorFrame(err error) []byte {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	quoted, _ := json.Marshal(msg)
	frame := make([]byte, 0, len(ErrorMarker)+len(quoted)+3)
	frame = append(frame, ErrorMarker...)
	frame = append(frame, quoted...)
	frame = append(frame, '}', '\n', '\n')
	return frame
}

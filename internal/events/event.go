package events

import (
	"github.com/cloudwego/eino/schema"
)

// Kind names one raw agent-execution event.
type Kind string

const (
	KindChatModelStart  Kind = "on_chat_model_start"
	KindChatModelStream Kind = "on_chat_model_stream"
	KindChatModelEnd    Kind = "on_chat_model_end"
	KindToolStart       Kind = "on_tool_start"
	KindToolEnd         Kind = "on_tool_end"
	KindChainStart      Kind = "on_chain_start"
	KindChainEnd        Kind = "on_chain_end"
)

// TagAgent marks events produced by the user-facing agent model.
const TagAgent = "agent"

// Data carries the payload of one event. Only the fields relevant to the
// event kind are set.
type Data struct {
	// Chunk is the token fragment of an on_chat_model_stream event.
	Chunk *schema.Message
	// Messages is the model input for on_chat_model_start and the message
	// state snapshot for on_chain_end.
	Messages   []*schema.Message
	Output     *schema.Message
	ToolInput  string
	ToolOutput string
}

// Event is one entry of the agent's raw event sequence.
type Event struct {
	Kind Kind
	Name string
	Tags []string
	Data Data
}

func (e *Event) HasTag(tag string) bool {
	if e == nil {
		return false
	}
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Text returns the token text of a stream event, or "" for anything else.
func (e *Event) Text() string {
	if e == nil || e.Kind != KindChatModelStream || e.Data.Chunk == nil {
		return ""
	}
	return e.Data.Chunk.Content
}

// Delta is one client-visible fragment of assistant output.
type Delta struct {
	Content string
}

// Normalize maps a raw event to at most one delta. Only non-empty model
// tokens tagged with TagAgent pass; tool calls, chain boundaries and any
// other kind are suppressed.
func Normalize(e *Event) (Delta, bool) {
	if e == nil {
		return Delta{}, false
	}
	switch e.Kind {
	case KindChatModelStream:
		if !e.HasTag(TagAgent) {
			return Delta{}, false
		}
		text := e.Text()
		if text == "" {
			return Delta{}, false
		}
		return Delta{Content: text}, true
	case KindChatModelStart, KindChatModelEnd,
		KindToolStart, KindToolEnd,
		KindChainStart, KindChainEnd:
		return Delta{}, false
	default:
		return Delta{}, false
	}
}

// MessageState returns the messages an on_chain_end event carries.
func (e *Event) MessageState() ([]*schema.Message, bool) {
	if e == nil || e.Kind != KindChainEnd || e.Data.Messages == nil {
		return nil, false
	}
	return e.Data.Messages, true
}

// Snapshot returns the message state carried by the last on_chain_end event
// of seq, or nil when none was emitted.
func Snapshot(seq []*Event) []*schema.Message {
	for i := len(seq) - 1; i >= 0; i-- {
		if msgs, ok := seq[i].MessageState(); ok {
			return msgs
		}
	}
	return nil
}

package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"edgecopilot/internal/events"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// eventSink turns component callbacks into raw agent events and tracks the
// message state of the run. A sink without a writer only tracks state.
type eventSink struct {
	mu      sync.Mutex
	w       *schema.StreamWriter[*events.Event]
	closed  bool
	tags    []string
	history []*schema.Message
}

func newEventSink(w *schema.StreamWriter[*events.Event], tags []string, input []*schema.Message) *eventSink {
	history := make([]*schema.Message, len(input))
	copy(history, input)
	return &eventSink{w: w, tags: tags, history: history}
}

func (s *eventSink) emit(ev *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil || s.closed {
		return
	}
	if closed := s.w.Send(ev, nil); closed {
		// reader went away; keep tracking state only
		s.closed = true
	}
}

func (s *eventSink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil || s.closed {
		return
	}
	s.w.Send(nil, err)
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil || s.closed {
		return
	}
	s.closed = true
	s.w.Close()
}

func (s *eventSink) appendMessage(msg *schema.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
}

func (s *eventSink) snapshot() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *eventSink) chainStart(input []*schema.Message) {
	s.emit(&events.Event{Kind: events.KindChainStart, Name: graphName, Data: events.Data{Messages: input}})
}

func (s *eventSink) chainEnd() {
	s.emit(&events.Event{Kind: events.KindChainEnd, Name: graphName, Data: events.Data{Messages: s.snapshot()}})
}

func (s *eventSink) modelStart(name string, input []*schema.Message) {
	s.emit(&events.Event{Kind: events.KindChatModelStart, Name: name, Tags: s.tags, Data: events.Data{Messages: input}})
}

func (s *eventSink) modelEnd(name string, output *schema.Message) {
	s.appendMessage(output)
	s.emit(&events.Event{Kind: events.KindChatModelEnd, Name: name, Tags: s.tags, Data: events.Data{Output: output}})
}

// consumeModelStream forwards every chunk as a stream event and closes sr.
func (s *eventSink) consumeModelStream(name string, sr *schema.StreamReader[*schema.Message]) error {
	defer sr.Close()
	var chunks []*schema.Message
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		s.emit(&events.Event{Kind: events.KindChatModelStream, Name: name, Tags: s.tags, Data: events.Data{Chunk: chunk}})
	}
	if len(chunks) == 0 {
		s.modelEnd(name, nil)
		return nil
	}
	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return err
	}
	s.modelEnd(name, full)
	return nil
}

func (s *eventSink) handler() callbacks.Handler {
	return callbacks.NewHandlerBuilder().
		OnStartFn(s.onStart).
		OnEndFn(s.onEnd).
		OnEndWithStreamOutputFn(s.onEndWithStreamOutput).
		Build()
}

func (s *eventSink) onStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	if info == nil {
		return ctx
	}
	switch info.Component {
	case components.ComponentOfChatModel:
		var msgs []*schema.Message
		if in := model.ConvCallbackInput(input); in != nil {
			msgs = in.Messages
		}
		s.modelStart(info.Name, msgs)
	case components.ComponentOfTool:
		var args string
		if in := tool.ConvCallbackInput(input); in != nil {
			args = in.ArgumentsInJSON
		}
		s.emit(&events.Event{Kind: events.KindToolStart, Name: info.Name, Data: events.Data{ToolInput: args}})
	}
	return ctx
}

func (s *eventSink) onEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	if info == nil {
		return ctx
	}
	switch info.Component {
	case components.ComponentOfChatModel:
		var msg *schema.Message
		if out := model.ConvCallbackOutput(output); out != nil {
			msg = out.Message
		}
		s.modelEnd(info.Name, msg)
	case components.ComponentOfTool:
		var resp string
		if out := tool.ConvCallbackOutput(output); out != nil {
			resp = out.Response
		}
		s.toolEnd(info.Name, resp)
	}
	return ctx
}

// stream copies are read synchronously so events keep the run's order
func (s *eventSink) onEndWithStreamOutput(ctx context.Context, info *callbacks.RunInfo, output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
	if info == nil {
		output.Close()
		return ctx
	}
	switch info.Component {
	case components.ComponentOfChatModel:
		msgs := schema.StreamReaderWithConvert(output, func(o callbacks.CallbackOutput) (*schema.Message, error) {
			out := model.ConvCallbackOutput(o)
			if out == nil || out.Message == nil {
				return nil, schema.ErrNoValue
			}
			return out.Message, nil
		})
		if err := s.consumeModelStream(info.Name, msgs); err != nil {
			debugLog("[agent] model stream callback: %v", err)
		}
	case components.ComponentOfTool:
		defer output.Close()
		var b strings.Builder
		for {
			o, err := output.Recv()
			if err != nil {
				break
			}
			if out := tool.ConvCallbackOutput(o); out != nil {
				b.WriteString(out.Response)
			}
		}
		s.toolEnd(info.Name, b.String())
	default:
		output.Close()
	}
	return ctx
}

func (s *eventSink) toolEnd(name, response string) {
	s.appendMessage(&schema.Message{Role: schema.Tool, Content: response, ToolName: name})
	s.emit(&events.Event{Kind: events.KindToolEnd, Name: name, Data: events.Data{ToolOutput: response}})
}

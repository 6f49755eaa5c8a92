package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"edgecopilot/internal/config"
	"edgecopilot/internal/events"
	"edgecopilot/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	einoagent "github.com/cloudwego/eino/flow/agent"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
)

const graphName = "chat"

// Graph is the conversational agent the run service drives.
type Graph interface {
	// Stream starts a run and returns its raw event sequence. Failures that
	// happen after the run started arrive as the stream's error.
	Stream(ctx context.Context, msgs []*schema.Message, opts CallOptions) (*schema.StreamReader[*events.Event], error)
	// Invoke runs to completion.
	Invoke(ctx context.Context, msgs []*schema.Message, opts CallOptions) (*Result, error)
}

// Result is the final message state of a single-shot run; the last message is
// the assistant's answer.
type Result struct {
	Messages []*schema.Message
}

// Final returns the assistant's answer or nil.
func (r *Result) Final() *schema.Message {
	if r == nil || len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[len(r.Messages)-1]
}

// CallOptions are the per-request sampling overrides.
type CallOptions struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Stop        []string
}

// Settings shape every run of a ReactGraph.
type Settings struct {
	SystemPrompt string
	Tags         []string
	// MaxSteps bounds the model turns of one run.
	MaxSteps    int
	Temperature float32
}

// ReactGraph is a reason-and-act agent: the model is called with the
// conversation, requested tools run, and the model is called again until it
// answers without tool calls.
type ReactGraph struct {
	chatModel model.ToolCallingChatModel
	react     *react.Agent
	tools     []tool.BaseTool
	settings  Settings
	closers   []io.Closer
}

// New builds the configured provider model and toolset.
func New(ctx context.Context, cfg *config.Config) (*ReactGraph, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	chatModel, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var tools []tool.BaseTool
	if cfg.Agent.WebSearch {
		if ws := newWebSearch(ctx, cfg.Agent); ws != nil {
			tools = append(tools, ws)
		}
	}
	remote, closers, err := loadMCPTools(ctx, cfg.Agent.MCPServers)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	tools = append(tools, remote...)

	g, err := NewReactGraph(ctx, chatModel, tools, Settings{
		SystemPrompt: cfg.Agent.SystemPrompt,
		Tags:         cfg.Agent.Tags,
		MaxSteps:     cfg.Agent.MaxSteps,
		Temperature:  cfg.Agent.Temperature,
	})
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	g.closers = closers
	log.Printf("[agent] provider=%s tools=%d", cfg.Agent.Provider, len(tools))
	return g, nil
}

// NewReactGraph wires chatModel and tools. Without tools the model is called
// directly.
func NewReactGraph(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool, settings Settings) (*ReactGraph, error) {
	if chatModel == nil {
		return nil, errors.New("chat model required")
	}
	if len(settings.Tags) == 0 {
		settings.Tags = []string{events.TagAgent}
	}
	g := &ReactGraph{chatModel: chatModel, tools: tools, settings: settings}
	if len(tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
			MaxStep:   graphSteps(settings.MaxSteps),
			GraphName: graphName,
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		g.react = agent
	}
	return g, nil
}

// each model turn may be followed by one tools step
func graphSteps(turns int) int {
	if turns <= 0 {
		return 0
	}
	return 2 * turns
}

// Close releases remote tool sessions.
func (g *ReactGraph) Close() error {
	return closeAll(g.closers)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *ReactGraph) Stream(ctx context.Context, msgs []*schema.Message, opts CallOptions) (*schema.StreamReader[*events.Event], error) {
	if len(msgs) == 0 {
		return nil, errors.New("messages required")
	}
	sr, sw := schema.Pipe[*events.Event](64)
	sink := newEventSink(sw, g.settings.Tags, msgs)
	input := g.withSystemPrompt(msgs)

	go func() {
		defer sink.close()
		defer func() {
			if p := recover(); p != nil {
				sink.fail(fmt.Errorf("agent panic: %v", p))
			}
		}()
		sink.chainStart(msgs)

		var (
			out *schema.StreamReader[*schema.Message]
			err error
		)
		if g.react != nil {
			out, err = g.react.Stream(ctx, input, g.agentOptions(sink, opts)...)
		} else {
			sink.modelStart(g.modelName(), input)
			out, err = g.chatModel.Stream(ctx, input, g.modelOptions(opts)...)
			if err == nil {
				// the sink consumes the model stream itself
				err = sink.consumeModelStream(g.modelName(), out)
				out = nil
			}
		}
		if err != nil {
			sink.fail(err)
			return
		}
		if out != nil {
			if err := drain(out); err != nil {
				sink.fail(err)
				return
			}
		}
		sink.chainEnd()
	}()
	return sr, nil
}

func (g *ReactGraph) Invoke(ctx context.Context, msgs []*schema.Message, opts CallOptions) (*Result, error) {
	if len(msgs) == 0 {
		return nil, errors.New("messages required")
	}
	sink := newEventSink(nil, g.settings.Tags, msgs)
	input := g.withSystemPrompt(msgs)

	var (
		final *schema.Message
		err   error
	)
	if g.react != nil {
		final, err = g.react.Generate(ctx, input, g.agentOptions(sink, opts)...)
	} else {
		final, err = g.chatModel.Generate(ctx, input, g.modelOptions(opts)...)
		if err == nil {
			sink.appendMessage(final)
		}
	}
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, errors.New("agent returned no message")
	}
	snapshot := sink.snapshot()
	if last := snapshot[len(snapshot)-1]; last != final && last.Content != final.Content {
		snapshot = append(snapshot, final)
	}
	return &Result{Messages: snapshot}, nil
}

func (g *ReactGraph) withSystemPrompt(msgs []*schema.Message) []*schema.Message {
	if g.settings.SystemPrompt == "" {
		return msgs
	}
	out := make([]*schema.Message, 0, len(msgs)+1)
	out = append(out, schema.SystemMessage(g.settings.SystemPrompt))
	return append(out, msgs...)
}

func (g *ReactGraph) modelOptions(opts CallOptions) []model.Option {
	temperature := g.settings.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	out := []model.Option{model.WithTemperature(temperature)}
	if opts.TopP != nil {
		out = append(out, model.WithTopP(*opts.TopP))
	}
	if opts.MaxTokens != nil {
		out = append(out, model.WithMaxTokens(*opts.MaxTokens))
	}
	if len(opts.Stop) > 0 {
		out = append(out, model.WithStop(opts.Stop))
	}
	return out
}

func (g *ReactGraph) agentOptions(sink *eventSink, opts CallOptions) []einoagent.AgentOption {
	return []einoagent.AgentOption{
		einoagent.WithComposeOptions(
			compose.WithCallbacks(sink.handler()),
			compose.WithChatModelOption(g.modelOptions(opts)...),
		),
	}
}

func (g *ReactGraph) modelName() string {
	return "ChatModel"
}

func drain(sr *schema.StreamReader[*schema.Message]) error {
	defer sr.Close()
	for {
		_, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ToSchemaMessages converts conversation messages to the model's message type.
func ToSchemaMessages(msgs []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		m := &schema.Message{Role: role}
		if msg.Content.IsStructured() {
			for _, part := range msg.Content.Parts {
				switch part.Type {
				case models.PartText:
					m.MultiContent = append(m.MultiContent, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case models.PartImageURL:
					if part.ImageURL == nil {
						continue
					}
					m.MultiContent = append(m.MultiContent, schema.ChatMessagePart{
						Type:     schema.ChatMessagePartTypeImageURL,
						ImageURL: &schema.ChatMessageImageURL{URL: part.ImageURL.URL},
					})
				}
			}
		} else {
			m.Content = msg.Content.Text
		}
		out = append(out, m)
	}
	return out
}

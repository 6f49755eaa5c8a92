package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"edgecopilot/internal/agent"
	"edgecopilot/internal/completion"
	"edgecopilot/internal/config"
	"edgecopilot/internal/events"
	"edgecopilot/internal/metrics"
	"edgecopilot/internal/models"
	"edgecopilot/internal/stream"
	"edgecopilot/internal/tracing"
	"edgecopilot/internal/worker"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// Request is one validated chat completion call.
type Request struct {
	Messages  []models.Message
	SessionID string
	Stream    bool
	Options   agent.CallOptions
}

// Response is the outcome of a run. On success exactly one of Stream or Body
// is set.
type Response struct {
	Success   bool
	RunID     string
	SessionID string
	// Stream yields the chat completion event stream; the caller must close it.
	Stream io.ReadCloser
	// Body is the single chat completion object as JSON.
	Body  string
	Error string
}

// Dispatcher runs background jobs.
type Dispatcher interface {
	Submit(job worker.Job) error
}

// Registry remembers runs for later feedback.
type Registry interface {
	Register(ctx context.Context, run models.Run) error
}

// Service composes the agent, the stream relay and the trace recorder into a
// single outcome per request.
type Service struct {
	graph      agent.Graph
	encoder    *completion.Encoder
	relay      *stream.Relay
	exec       tracing.Executor
	dispatcher Dispatcher
	registry   Registry
	trace      tracing.Options
	onStream   bool
	onInvoke   bool
	timeout    time.Duration
	newID      func() string
}

func NewService(cfg *config.Config, graph agent.Graph, exec tracing.Executor, dispatcher Dispatcher, registry Registry) *Service {
	enc := completion.NewEncoder(cfg.BasicConfig.ModelLabel)
	return &Service{
		graph:      graph,
		encoder:    enc,
		relay:      stream.NewRelay(enc),
		exec:       exec,
		dispatcher: dispatcher,
		registry:   registry,
		trace: tracing.Options{
			Database:   cfg.Trace.Database,
			Table:      cfg.Trace.Table,
			SelfHeal:   cfg.Trace.SelfHeal == nil || *cfg.Trace.SelfHeal,
			RetryDelay: cfg.RetryDelay(),
		},
		onStream: cfg.Trace.OnStream,
		onInvoke: cfg.Trace.OnInvoke == nil || *cfg.Trace.OnInvoke,
		timeout:  cfg.AgentTimeout(),
		newID:    uuid.NewString,
	}
}

// Run executes one agent invocation. It never returns an error; failures are
// reported through Response.Error.
func (s *Service) Run(ctx context.Context, req Request) *Response {
	start := time.Now()
	runID := s.newID()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	mode := models.ModeInvoke
	if req.Stream {
		mode = models.ModeStream
	}

	rec := tracing.NewRecorder(s.exec, mode, sessionID, s.trace)
	rec.UpdateInput(req.Messages, runID)

	if s.registry != nil {
		run := models.Run{ID: runID, SessionID: sessionID, Mode: mode, CreatedAt: start.UTC()}
		if err := s.registry.Register(ctx, run); err != nil {
			log.Printf("[run] %s: register run: %v", runID, err)
		}
	}

	// the agent outlives a client that goes away, bounded by the timeout
	agentCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	agentCtx = agent.WithToolSession(agentCtx, sessionID)
	msgs := agent.ToSchemaMessages(req.Messages)

	var resp *Response
	if req.Stream {
		resp = s.stream(agentCtx, cancel, runID, sessionID, rec, msgs, req.Options)
	} else {
		resp = s.invoke(agentCtx, runID, sessionID, rec, msgs, req.Options)
		cancel()
	}
	resp.RunID = runID
	resp.SessionID = sessionID

	outcome := "success"
	if !resp.Success {
		outcome = "failure"
	}
	metrics.RunsTotal.WithLabelValues(string(mode), outcome).Inc()
	metrics.RunDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	return resp
}

func (s *Service) stream(ctx context.Context, cancel context.CancelFunc, runID, sessionID string, rec *tracing.Recorder, msgs []*schema.Message, opts agent.CallOptions) *Response {
	src, err := s.graph.Stream(ctx, msgs, opts)
	if err != nil {
		cancel()
		return failure("Error streaming graph: %v", err)
	}

	clientBranch, traceBranch := stream.Tee[*events.Event](src)
	pr, pw := io.Pipe()
	go func() {
		err := s.relay.Run(runID, clientBranch, pw)
		if err != nil && (errors.Is(err, io.ErrClosedPipe) || errors.Is(err, stream.ErrInlineFailure)) {
			// reader is gone; the agent and trace keep going until the deadline
			debugLog("[run] %s: client stream closed early: %v", runID, err)
			return
		}
		cancel()
	}()

	s.traceStream(rec, sessionID, traceBranch)

	gated, err := stream.Gate(pr)
	if err != nil {
		return failure("Error streaming graph: %v", err)
	}
	return &Response{Success: true, Stream: gated}
}

// traceStream hands the trace branch to the recorder when streaming traces
// are enabled and releases it otherwise.
func (s *Service) traceStream(rec *tracing.Recorder, sessionID string, branch *stream.Branch[*events.Event]) {
	if !s.onStream {
		branch.Close()
		return
	}
	job := worker.Job{Type: worker.Trace, Key: sessionID, Run: func(ctx context.Context) error {
		return rec.RunStream(ctx, branch)
	}}
	if err := s.submit(job); err != nil {
		branch.Close()
	}
}

func (s *Service) invoke(ctx context.Context, runID, sessionID string, rec *tracing.Recorder, msgs []*schema.Message, opts agent.CallOptions) *Response {
	res, err := s.graph.Invoke(ctx, msgs, opts)
	if err != nil {
		return failure("Error invoking graph: %v", err)
	}
	final := res.Final()
	if final == nil {
		return failure("Error invoking graph: %v", errors.New("no final message"))
	}
	body, err := json.Marshal(s.encoder.Completion(runID, final))
	if err != nil {
		return failure("Error invoking graph: %v", err)
	}

	if s.onInvoke {
		snapshot := res.Messages
		_ = s.submit(worker.Job{Type: worker.Trace, Key: sessionID, Run: func(ctx context.Context) error {
			return rec.RunInvoke(ctx, snapshot)
		}})
	}
	return &Response{Success: true, Body: string(body)}
}

func (s *Service) submit(job worker.Job) error {
	if s.dispatcher == nil {
		return errors.New("no dispatcher")
	}
	err := s.dispatcher.Submit(job)
	if err != nil {
		log.Printf("[run] drop trace for session %s: %v", job.Key, err)
	}
	return err
}

func failure(format string, args ...interface{}) *Response {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[run] %s", msg)
	return &Response{Success: false, Error: msg}
}

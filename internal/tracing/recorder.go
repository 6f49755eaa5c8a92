package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"edgecopilot/internal/events"
	"edgecopilot/internal/metrics"
	"edgecopilot/internal/models"
	"edgecopilot/internal/storage"
	"edgecopilot/internal/stream"
)

// State is the persistence progress of one run's trace.
type State string

const (
	StateCollecting State = "collecting"
	StateSaving     State = "saving"
	StateSaved      State = "saved"
	StateRecovering State = "recovering"
	StateFailed     State = "failed"
)

const (
	maxRetries        = 1
	DefaultRetryDelay = 20 * time.Second
)

// Executor is the statement-execution service traces are written through.
type Executor interface {
	Execute(ctx context.Context, database string, stmts ...storage.Statement) error
	CreateDatabase(ctx context.Context, database string) error
	CreateTableStatement(table string) storage.Statement
}

type Options struct {
	Database string
	Table    string
	// SelfHeal enables database/table creation and the single retry.
	SelfHeal   bool
	RetryDelay time.Duration
	// Sleep waits d before the retry; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Recorder accumulates one run's input, output and metadata and persists
// them as a single row.
type Recorder struct {
	exec      Executor
	opts      Options
	mode      models.RunMode
	sessionID string
	now       func() time.Time

	mu       sync.Mutex
	state    State
	runID    string
	input    string
	output   strings.Builder
	metadata string
	retries  int
}

func NewRecorder(exec Executor, mode models.RunMode, sessionID string, opts Options) *Recorder {
	if opts.Table == "" {
		opts.Table = "messages"
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Recorder{
		exec:      exec,
		opts:      opts,
		mode:      mode,
		sessionID: sessionID,
		now:       time.Now,
		state:     StateCollecting,
	}
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// UpdateInput records the run id and the input messages as one JSON array.
func (r *Recorder) UpdateInput(msgs []models.Message, runID string) {
	if msgs == nil {
		msgs = []models.Message{}
	}
	input, err := encodeMessages(msgs)
	if err != nil {
		log.Printf("[trace] run %s: encode input messages: %v", runID, err)
	}
	r.mu.Lock()
	r.runID = runID
	r.input = input
	r.mu.Unlock()
}

// UpdateStreamOutput consumes src, keeping the agent tokens as output and the
// last message-state snapshot as run metadata.
func (r *Recorder) UpdateStreamOutput(src stream.Source[*events.Event]) error {
	defer src.Close()
	var snapshot []*schema.Message
	for {
		ev, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.setMetadata(snapshot)
			return fmt.Errorf("collect stream output: %w", err)
		}
		if d, ok := events.Normalize(ev); ok {
			r.mu.Lock()
			r.output.WriteString(d.Content)
			r.mu.Unlock()
		}
		if msgs, ok := ev.MessageState(); ok {
			snapshot = msgs
		}
	}
	r.setMetadata(snapshot)
	return nil
}

// UpdateInvokeOutput keeps the final message as output and every message as
// run metadata.
func (r *Recorder) UpdateInvokeOutput(msgs []*schema.Message) {
	r.mu.Lock()
	r.output.Reset()
	if n := len(msgs); n > 0 && msgs[n-1] != nil {
		r.output.WriteString(msgs[n-1].Content)
	}
	r.mu.Unlock()
	r.setMetadata(msgs)
}

func (r *Recorder) setMetadata(msgs []*schema.Message) {
	if msgs == nil {
		msgs = []*schema.Message{}
	}
	meta, err := encodeMessages(msgs)
	if err != nil {
		log.Printf("[trace] encode run metadata: %v", err)
	}
	r.mu.Lock()
	r.metadata = meta
	r.mu.Unlock()
}

// RunStream collects src and then flushes, even when collection failed.
func (r *Recorder) RunStream(ctx context.Context, src stream.Source[*events.Event]) error {
	collectErr := r.UpdateStreamOutput(src)
	if collectErr != nil {
		log.Printf("[trace] error processing stream: %v", collectErr)
	}
	return errors.Join(collectErr, r.Flush(ctx))
}

// RunInvoke records msgs and flushes.
func (r *Recorder) RunInvoke(ctx context.Context, msgs []*schema.Message) error {
	r.UpdateInvokeOutput(msgs)
	return r.Flush(ctx)
}

// Record returns the sanitized row the next save would insert.
func (r *Recorder) Record() models.TraceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.TraceRecord{
		SessionID:      Sanitize(r.sessionID),
		RunID:          Sanitize(r.runID),
		InputMessages:  Sanitize(orEmptyList(r.input)),
		OutputMessages: Sanitize(r.output.String()),
		RunMetadata:    Sanitize(orEmptyList(r.metadata)),
		CreatedAt:      r.now(),
	}
}

// Flush saves the trace. A "not found" failure creates the database and a
// "no such table" failure creates the table; either is followed by exactly one
// delayed retry. Any other failure, or a failed retry, is terminal.
func (r *Recorder) Flush(ctx context.Context) error {
	err := r.save(ctx)
	for err != nil {
		if !r.opts.SelfHeal {
			return r.fail(err)
		}
		msg := strings.ToLower(err.Error())
		missingDB := strings.Contains(msg, "not found")
		missingTable := strings.Contains(msg, "no such table")
		if !missingDB && !missingTable {
			return r.fail(err)
		}
		if r.retries >= maxRetries {
			return r.fail(fmt.Errorf("failed to save trace after %d retry: %w", r.retries, err))
		}

		r.setState(StateRecovering)
		if missingDB {
			log.Printf("[trace] database %s not found, creating it", r.opts.Database)
			metrics.TraceRemediations.WithLabelValues("database").Inc()
			if cerr := r.exec.CreateDatabase(ctx, r.opts.Database); cerr != nil {
				return r.fail(fmt.Errorf("create database: %w", cerr))
			}
		}
		// a freshly created database has no tables either
		if missingTable || missingDB {
			log.Printf("[trace] table %s not found, creating it", r.opts.Table)
			metrics.TraceRemediations.WithLabelValues("table").Inc()
			if cerr := r.exec.Execute(ctx, r.opts.Database, r.exec.CreateTableStatement(r.opts.Table)); cerr != nil {
				return r.fail(fmt.Errorf("create table: %w", cerr))
			}
		}

		r.retries++
		log.Printf("[trace] retrying save (%d)", r.retries)
		if serr := r.opts.Sleep(ctx, r.opts.RetryDelay); serr != nil {
			return r.fail(serr)
		}
		err = r.save(ctx)
	}
	return nil
}

func (r *Recorder) save(ctx context.Context) error {
	r.setState(StateSaving)
	rec := r.Record()
	log.Printf("[trace] saving %s trace into %s for session %s", r.mode, r.opts.Database, rec.SessionID)
	if err := r.exec.Execute(ctx, r.opts.Database, storage.InsertTraceStatement(r.opts.Table, rec)); err != nil {
		metrics.TraceSaves.WithLabelValues("error").Inc()
		log.Printf("[trace] error saving trace: %v", err)
		return err
	}
	metrics.TraceSaves.WithLabelValues("ok").Inc()
	r.setState(StateSaved)
	debugLog("[trace] run %s saved", rec.RunID)
	return nil
}

func (r *Recorder) fail(err error) error {
	r.setState(StateFailed)
	log.Printf("[trace] giving up: %v", err)
	return err
}

// Sanitize strips single quotes; nothing else is altered.
func Sanitize(s string) string {
	return strings.ReplaceAll(s, "'", "")
}

// encodeMessages renders msgs as a JSON array without HTML escaping.
func encodeMessages(msgs any) (string, error) {
	raw, err := models.MarshalUnescaped(msgs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func orEmptyList(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

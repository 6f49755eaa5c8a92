// Package client talks to the copilot server the way the browser widget
// does: it keeps the conversation, streams replies into it and reports every
// change through events.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"edgecopilot/internal/completion"
	"edgecopilot/internal/models"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusResponding Status = "responding"
	StatusError      Status = "error"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

type (
	Feedback = models.Feedback
	Rating   = models.Rating
)

const (
	AuthModeNone  = "none"
	AuthModeBasic = "basic"

	// ErrorContent replaces the reply when the server answers with an error.
	ErrorContent = "Sorry, something went wrong."
)

var (
	ErrAuthRequired  = errors.New("authentication required")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrCanceled      = errors.New("request was cancelled")
	ErrNoUserMessage = errors.New("no previous user message found")
	ErrNotFound      = errors.New("message not found")
)

// Message is one entry of the conversation as the client tracks it.
type Message struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Content  string    `json:"content"`
	Status   Status    `json:"status"`
	Feedback *Feedback `json:"feedback,omitempty"`
}

// Options configures a Client.
type Options struct {
	BaseURL          string
	ConversationPath string
	FeedbackPath     string
	AuthPath         string
	Stream           bool
	AuthMode         string
	HTTPClient       *http.Client
	// History seeds the conversation; entries are marked completed.
	History []Message
}

// Client holds one conversation with the copilot server.
type Client struct {
	http   *http.Client
	events *emitter

	mu        sync.Mutex
	opts      Options
	messages  []Message
	sessionID string
	authToken string
	// gen identifies the in-flight request; Cancel and ResetChat bump it so a
	// stale consumer stops touching the conversation.
	gen    uint64
	cancel context.CancelFunc
}

// New creates a client with a fresh session id.
func New(opts Options) *Client {
	if opts.ConversationPath == "" {
		opts.ConversationPath = "/chat/completions"
	}
	if opts.FeedbackPath == "" {
		opts.FeedbackPath = "/feedback"
	}
	if opts.AuthPath == "" {
		opts.AuthPath = "/auth"
	}
	if opts.AuthMode != AuthModeBasic {
		opts.AuthMode = AuthModeNone
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		http:      hc,
		events:    newEmitter(),
		opts:      opts,
		messages:  historyMessages(opts.History),
		sessionID: uuid.NewString(),
	}
}

func historyMessages(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, msg := range history {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		msg.Status = StatusCompleted
		if msg.Role == string(models.RoleAssistant) && msg.Feedback == nil {
			msg.Feedback = &Feedback{Rating: models.RatingNeutral}
		}
		out = append(out, msg)
	}
	return out
}

// On subscribes fn to event and returns the unsubscribe function.
func (c *Client) On(event string, fn Listener) func() {
	return c.events.on(event, fn)
}

// SendMessage appends content as a user message and fetches the reply. The
// returned message is the reply in its final state. After Cancel the error
// is ErrCanceled and no error event is emitted.
func (c *Client) SendMessage(ctx context.Context, content string) (Message, error) {
	user := Message{ID: uuid.NewString(), Role: string(models.RoleUser), Content: content, Status: StatusCompleted}
	reply := Message{
		Role:     string(models.RoleAssistant),
		Status:   StatusResponding,
		Feedback: &Feedback{Rating: models.RatingNeutral},
	}

	c.mu.Lock()
	busy := c.cancel != nil
	c.mu.Unlock()
	if busy {
		c.Cancel()
	}

	reqCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	queue := append(append([]Message(nil), c.messages...), user)
	c.messages = append(append([]Message(nil), queue...), reply)
	c.gen++
	gen := c.gen
	c.cancel = cancel
	stream := c.opts.Stream
	body := chatRequest{Messages: wireMessages(queue), Stream: stream, SessionID: c.sessionID}
	c.mu.Unlock()
	defer cancel()
	c.emitUpdate()

	resp, err := c.post(reqCtx, c.opts.ConversationPath, body, "")
	if err != nil {
		return c.fail(gen, reply, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.events.emit(EventAuthRequired, nil)
			return c.fail(gen, reply, ErrAuthRequired)
		}
		reply.Content = ErrorContent
		return c.fail(gen, reply, fmt.Errorf("HTTP error! status: %d", resp.StatusCode))
	}

	if stream {
		return c.consumeStream(gen, resp.Body, reply)
	}

	var out completion.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return c.fail(gen, reply, fmt.Errorf("decode completion: %w", err))
	}
	if len(out.Choices) > 0 {
		reply.Content = out.Choices[0].Message.Content
	}
	if out.ID != "" {
		reply.ID = out.ID
	}
	reply.Status = StatusCompleted
	if !c.replaceReply(gen, reply) {
		return reply, ErrCanceled
	}
	return reply, nil
}

// fail marks the reply as errored unless the request was cancelled.
func (c *Client) fail(gen uint64, reply Message, err error) (Message, error) {
	if !c.current(gen) {
		return reply, ErrCanceled
	}
	if errors.Is(err, context.Canceled) {
		// the caller's context went away without Cancel
		c.Cancel()
		return reply, ErrCanceled
	}
	reply.Status = StatusError
	c.replaceReply(gen, reply)
	return reply, err
}

// replaceReply overwrites the last message when gen is still in flight.
func (c *Client) replaceReply(gen uint64, reply Message) bool {
	c.mu.Lock()
	if gen != c.gen || len(c.messages) == 0 {
		c.mu.Unlock()
		return false
	}
	c.messages[len(c.messages)-1] = reply
	if reply.Status != StatusResponding {
		c.cancel = nil
	}
	c.mu.Unlock()
	c.emitUpdate()
	return true
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// Cancel aborts the in-flight request. The responding reply keeps its
// partial content plus a trailing newline and becomes canceled.
func (c *Client) Cancel() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	changed := false
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := &c.messages[i]
		if m.Role == string(models.RoleAssistant) && m.Status == StatusResponding {
			m.Status = StatusCanceled
			m.Content += "\n"
			changed = true
			break
		}
	}
	c.mu.Unlock()
	if changed {
		c.emitUpdate()
	}
	c.events.emit(EventCancel, nil)
}

// SendFeedback rates a completed assistant message.
func (c *Client) SendFeedback(ctx context.Context, messageID string, rating Rating, comments string) error {
	err := c.sendFeedback(ctx, messageID, rating, comments)
	if err != nil {
		c.events.emit(EventError, err)
	}
	return err
}

func (c *Client) sendFeedback(ctx context.Context, messageID string, rating Rating, comments string) error {
	c.mu.Lock()
	idx := c.indexOf(messageID)
	var msg Message
	if idx >= 0 {
		msg = c.messages[idx]
	}
	c.mu.Unlock()
	switch {
	case idx < 0:
		return ErrNotFound
	case msg.Feedback == nil:
		return errors.New("message does not support feedback")
	case msg.Status != StatusCompleted:
		return errors.New("can only provide feedback for completed messages")
	}

	resp, err := c.post(ctx, c.opts.FeedbackPath, feedbackRequest{RunID: messageID, Feedback: rating, Comments: comments}, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP error! status: %d", resp.StatusCode)
	}

	fb := Feedback{Completed: true, Rating: rating, Comments: comments}
	c.mu.Lock()
	if idx = c.indexOf(messageID); idx >= 0 {
		c.messages[idx].Feedback = &fb
	}
	c.mu.Unlock()
	c.emitUpdate()
	c.events.emit(EventFeedback, FeedbackUpdate{MessageID: messageID, Feedback: fb})
	return nil
}

func (c *Client) indexOf(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// ResetChat cancels any request, clears the conversation and starts a new
// session.
func (c *Client) ResetChat() {
	c.Cancel()
	c.mu.Lock()
	c.messages = nil
	c.sessionID = uuid.NewString()
	c.mu.Unlock()
	c.emitUpdate()
	c.events.emit(EventClear, nil)
}

// ReplyMessage sends the last user message again.
func (c *Client) ReplyMessage(ctx context.Context) (Message, error) {
	c.mu.Lock()
	var content string
	found := false
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == string(models.RoleUser) {
			content, found = c.messages[i].Content, true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return Message{}, ErrNoUserMessage
	}
	return c.SendMessage(ctx, content)
}

// Authenticate trades password for a session token and keeps it for later
// requests.
func (c *Client) Authenticate(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", errors.New("password required")
	}
	body := chatRequest{Messages: []wireMessage{{Role: string(models.RoleUser), Content: "Authenticate"}}}
	resp, err := c.post(ctx, c.opts.AuthPath, body, password)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	if resp.StatusCode != http.StatusOK || token == "" {
		return "", ErrAuthFailed
	}
	c.SetAuthToken(token)
	return token, nil
}

func (c *Client) post(ctx context.Context, path string, body any, bearer string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if bearer == "" && c.opts.AuthMode == AuthModeBasic {
		bearer = c.authToken
	}
	c.mu.Unlock()
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.http.Do(req)
}

func (c *Client) emitUpdate() {
	c.events.emit(EventMessage, MessagesUpdate{Type: "update", Messages: c.Messages()})
}

// Messages returns a copy of the conversation.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// SetMessages replaces the conversation.
func (c *Client) SetMessages(msgs []Message) {
	c.mu.Lock()
	c.messages = append([]Message(nil), msgs...)
	c.mu.Unlock()
	c.emitUpdate()
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Client) Stream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Stream
}

func (c *Client) SetStream(stream bool) {
	c.mu.Lock()
	c.opts.Stream = stream
	c.mu.Unlock()
}

func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages  []wireMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	SessionID string        `json:"session_id,omitempty"`
}

type feedbackRequest struct {
	RunID    string `json:"runId"`
	Feedback Rating `json:"feedback"`
	Comments string `json:"comments,omitempty"`
}

func wireMessages(msgs []Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

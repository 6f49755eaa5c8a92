package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"edgecopilot/internal/completion"
	"edgecopilot/internal/models"

	"github.com/stretchr/testify/require"
)

func chunkFrame(t *testing.T, id, text string) string {
	t.Helper()
	chunk := completion.ChatCompletionChunk{
		ID:     id,
		Object: completion.ObjectChunk,
		Choices: []completion.ChunkChoice{{
			Delta: completion.Delta{Content: &text},
		}},
	}
	raw, err := json.Marshal(chunk)
	require.NoError(t, err)
	return "data: " + string(raw) + "\n\n"
}

func TestSendMessageStreamsDeltas(t *testing.T) {
	var got struct {
		Messages  []map[string]any `json:"messages"`
		Stream    bool             `json:"stream"`
		SessionID string           `json:"session_id"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		frames := chunkFrame(t, "run-1", "Hi") + chunkFrame(t, "run-1", " there") + "data: [DONE]\n\n"
		// split mid-line so the consumer has to carry the partial frame
		half := len(frames) / 2
		io.WriteString(w, frames[:half])
		w.(http.Flusher).Flush()
		io.WriteString(w, frames[half:])
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Stream: true})
	var updates int
	c.On(EventMessage, func(any) { updates++ })

	reply, err := c.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "Hi there", reply.Content)
	require.Equal(t, StatusCompleted, reply.Status)
	require.Equal(t, "run-1", reply.ID)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, reply, msgs[1])
	require.GreaterOrEqual(t, updates, 3)

	require.True(t, got.Stream)
	require.Equal(t, c.SessionID(), got.SessionID)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "hello", got.Messages[0]["content"])
}

func TestSendMessageFoldsBareDeltaFrames(t *testing.T) {
	const body = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
		"data: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// small writes so frames arrive split at arbitrary bytes
		for i := 0; i < len(body); i += 7 {
			io.WriteString(w, body[i:min(i+7, len(body))])
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Stream: true})
	reply, err := c.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "Hi there", reply.Content)
	require.Equal(t, StatusCompleted, reply.Status)

	var assistants []Message
	for _, m := range c.Messages() {
		if m.Role == "assistant" {
			assistants = append(assistants, m)
		}
	}
	require.Len(t, assistants, 1)
	require.Equal(t, reply, assistants[0])
}

func TestSendMessageInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completion.ChatCompletion{
			ID:      "run-7",
			Choices: []completion.Choice{{Message: completion.MessageContent{Role: "assistant", Content: "Hello!"}}},
		})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	reply, err := c.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "Hello!", reply.Content)
	require.Equal(t, "run-7", reply.ID)
	require.Equal(t, StatusCompleted, reply.Status)
}

func TestCancelStopsTheStream(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, chunkFrame(t, "run-1", "Hi"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
			return
		case <-time.After(5 * time.Second):
		}
		io.WriteString(w, chunkFrame(t, "run-1", " late"))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Stream: true})
	var once sync.Once
	var canceled int
	c.On(EventMessage, func(p any) {
		msgs := p.(MessagesUpdate).Messages
		last := msgs[len(msgs)-1]
		if last.Content == "Hi" && last.Status == StatusResponding {
			once.Do(c.Cancel)
		}
	})
	c.On(EventCancel, func(any) { canceled++ })

	_, err := c.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, ErrCanceled)

	msgs := c.Messages()
	last := msgs[len(msgs)-1]
	require.Equal(t, StatusCanceled, last.Status)
	require.Equal(t, "Hi\n", last.Content)
	require.Equal(t, 1, canceled)
}

func TestServerErrorBecomesErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Stream: true})
	reply, err := c.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	require.Equal(t, StatusError, reply.Status)
	require.Equal(t, ErrorContent, c.Messages()[1].Content)
}

func TestUnauthorizedEmitsAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, AuthMode: AuthModeBasic})
	var required bool
	c.On(EventAuthRequired, func(any) { required = true })
	_, err := c.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, ErrAuthRequired)
	require.True(t, required)
	require.Equal(t, StatusError, c.Messages()[1].Status)
}

func TestAuthenticateAndBearer(t *testing.T) {
	var chatAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			if r.Header.Get("Authorization") != "Bearer pw" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			io.WriteString(w, "signed-token")
		case "/chat/completions":
			chatAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(completion.ChatCompletion{ID: "r", Choices: []completion.Choice{{}}})
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, AuthMode: AuthModeBasic})
	_, err := c.Authenticate(context.Background(), "nope")
	require.ErrorIs(t, err, ErrAuthFailed)

	token, err := c.Authenticate(context.Background(), "pw")
	require.NoError(t, err)
	require.Equal(t, "signed-token", token)

	_, err = c.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "Bearer signed-token", chatAuth)
}

func TestSendFeedback(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/feedback" {
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(completion.ChatCompletion{
			ID:      "run-3",
			Choices: []completion.Choice{{Message: completion.MessageContent{Content: "ok"}}},
		})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	var fb FeedbackUpdate
	c.On(EventFeedback, func(p any) { fb = p.(FeedbackUpdate) })

	reply, err := c.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	require.ErrorIs(t, c.SendFeedback(context.Background(), "unknown", models.RatingLike, ""), ErrNotFound)
	require.NoError(t, c.SendFeedback(context.Background(), reply.ID, models.RatingDislike, "wrong answer"))

	require.Equal(t, "run-3", got["runId"])
	require.Equal(t, "dislike", got["feedback"])
	require.Equal(t, "run-3", fb.MessageID)
	require.True(t, fb.Feedback.Completed)
	require.Equal(t, models.RatingDislike, c.Messages()[1].Feedback.Rating)
}

func TestFeedbackRequiresCompletedAssistantMessage(t *testing.T) {
	c := New(Options{History: []Message{
		{ID: "u1", Role: "user", Content: "hi"},
		{ID: "a1", Role: "assistant", Content: "hello"},
	}})
	msgs := c.Messages()
	require.Nil(t, msgs[0].Feedback)
	require.NotNil(t, msgs[1].Feedback)
	require.Equal(t, models.RatingNeutral, msgs[1].Feedback.Rating)
	require.Equal(t, StatusCompleted, msgs[1].Status)

	var errs int
	c.On(EventError, func(any) { errs++ })
	require.Error(t, c.SendFeedback(context.Background(), "u1", models.RatingLike, ""))
	require.Equal(t, 1, errs)
}

func TestReplyAndReset(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		json.NewEncoder(w).Encode(completion.ChatCompletion{
			ID:      fmt.Sprintf("run-%d", len(bodies)),
			Choices: []completion.Choice{{Message: completion.MessageContent{Content: "ok"}}},
		})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.ReplyMessage(context.Background())
	require.ErrorIs(t, err, ErrNoUserMessage)

	_, err = c.SendMessage(context.Background(), "first question")
	require.NoError(t, err)
	_, err = c.ReplyMessage(context.Background())
	require.NoError(t, err)
	require.Len(t, c.Messages(), 4)
	require.True(t, strings.Contains(bodies[1], "first question"))

	session := c.SessionID()
	var cleared bool
	c.On(EventClear, func(any) { cleared = true })
	c.ResetChat()
	require.Empty(t, c.Messages())
	require.NotEqual(t, session, c.SessionID())
	require.True(t, cleared)
}

func TestParseFrame(t *testing.T) {
	_, _, ok := parseFrame("data: [DONE]\n")
	require.False(t, ok)
	_, _, ok = parseFrame(`error: {"exception": "x"}`)
	require.False(t, ok)
	_, _, ok = parseFrame("data: {not json")
	require.False(t, ok)
	delta, id, ok := parseFrame(`data: {"id":"r","choices":[{"delta":{"content":"x"}}]}`)
	require.True(t, ok)
	require.Equal(t, "x", delta)
	require.Equal(t, "r", id)
}

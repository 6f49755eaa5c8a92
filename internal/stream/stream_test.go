package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"edgecopilot/internal/completion"
	"edgecopilot/internal/events"
)

const testRunID = "run-0123456789abcdef"

func agentToken(text string) *events.Event {
	return &events.Event{
		Kind: events.KindChatModelStream,
		Tags: []string{events.TagAgent},
		Data: events.Data{Chunk: schema.AssistantMessage(text, nil)},
	}
}

func toolCall() *events.Event {
	return &events.Event{Kind: events.KindToolStart, Name: "web_search", Data: events.Data{ToolInput: `{"query":"edge"}`}}
}

// scriptedSource yields items then err (io.EOF when nil).
type scriptedSource[T any] struct {
	mu     sync.Mutex
	items  []T
	err    error
	closed int
}

func (s *scriptedSource[T]) Recv() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.items) == 0 {
		if s.err != nil {
			return zero, s.err
		}
		return zero, io.EOF
	}
	v := s.items[0]
	s.items = s.items[1:]
	return v, nil
}

func (s *scriptedSource[T]) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

type recordingWriter struct {
	mu     sync.Mutex
	frames []string
	closes int
	failAt int
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAt > 0 && len(w.frames)+1 >= w.failAt {
		return 0, io.ErrClosedPipe
	}
	w.frames = append(w.frames, string(p))
	return len(p), nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	w.closes++
	w.mu.Unlock()
	return nil
}

func decodeChunk(t *testing.T, frame string) completion.ChatCompletionChunk {
	t.Helper()
	require.True(t, strings.HasPrefix(frame, "data: "), frame)
	var chunk completion.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")), &chunk))
	return chunk
}

func TestTeeDeliversEveryItemToBothBranches(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	src := schema.StreamReaderFromArray(items)
	a, b := Tee[int](src)

	var fast []int
	for {
		v, err := a.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		fast = append(fast, v)
	}
	require.Equal(t, items, fast)

	// b never read while a drained the source; everything must be buffered.
	var slow []int
	for {
		v, err := b.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		slow = append(slow, v)
	}
	require.Equal(t, items, slow)
	a.Close()
	b.Close()
}

func TestTeeClosedBranchDoesNotStarveOther(t *testing.T) {
	src := &scriptedSource[string]{items: []string{"a", "b", "c"}}
	a, b := Tee[string](src)
	a.Close()

	_, err := a.Recv()
	require.ErrorIs(t, err, ErrBranchClosed)

	var got []string
	for {
		v, err := b.Recv()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
	b.Close()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.closed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTeeClosingUnreadBranchesClosesSource(t *testing.T) {
	src := &scriptedSource[int]{items: []int{1}}
	a, b := Tee[int](src)
	a.Close()
	b.Close()
	b.Close()
	require.Equal(t, 1, src.closed)
}

func TestTeePropagatesSourceError(t *testing.T) {
	boom := errors.New("model unavailable")
	src := &scriptedSource[int]{items: []int{1}, err: boom}
	a, b := Tee[int](src)
	for _, br := range []*Branch[int]{a, b} {
		v, err := br.Recv()
		require.NoError(t, err)
		require.Equal(t, 1, v)
		_, err = br.Recv()
		require.ErrorIs(t, err, boom)
	}
}

func TestRelayWritesDeltasThenSingleTerminalChunk(t *testing.T) {
	src := &scriptedSource[*events.Event]{items: []*events.Event{
		{Kind: events.KindChainStart},
		agentToken("Hel"),
		toolCall(),
		agentToken("lo"),
		{Kind: events.KindChatModelStream, Tags: []string{"router"}, Data: events.Data{Chunk: schema.AssistantMessage("hidden", nil)}},
		agentToken(""),
		agentToken(" world"),
		{Kind: events.KindChainEnd},
	}}
	w := &recordingWriter{}
	relay := NewRelay(completion.NewEncoder("azion"))

	require.NoError(t, relay.Run(testRunID, src, w))
	require.Equal(t, 1, w.closes)
	require.Equal(t, 1, src.closed)

	require.Len(t, w.frames, 5)
	require.Equal(t, "data: [DONE]\n\n", w.frames[4])

	var content strings.Builder
	terminals := 0
	for i, frame := range w.frames[:4] {
		chunk := decodeChunk(t, frame)
		require.Equal(t, testRunID, chunk.ID)
		require.Equal(t, "fp_6789abcdef", chunk.SystemFingerprint)
		if chunk.Choices[0].FinishReason != nil {
			terminals++
			require.Equal(t, 3, i, "terminal chunk must be last")
			require.Nil(t, chunk.Choices[0].Delta.Content)
			continue
		}
		content.WriteString(*chunk.Choices[0].Delta.Content)
	}
	require.Equal(t, 1, terminals)
	require.Equal(t, "Hello world", content.String())
}

func TestRelayPerEventErrorContinues(t *testing.T) {
	src := &scriptedSource[*events.Event]{items: []*events.Event{agentToken("a"), nil, agentToken("b")}}
	w := &recordingWriter{}

	require.NoError(t, NewRelay(completion.NewEncoder("azion")).Run(testRunID, src, w))
	require.Len(t, w.frames, 5)
	require.True(t, strings.HasPrefix(w.frames[1], completion.ErrorMarker))
	require.Equal(t, "b", *decodeChunk(t, w.frames[2]).Choices[0].Delta.Content)
	require.Equal(t, "data: [DONE]\n\n", w.frames[4])
	require.Equal(t, 1, w.closes)
}

func TestRelaySourceErrorWritesMarkerAndCloses(t *testing.T) {
	boom := errors.New("upstream reset")
	src := &scriptedSource[*events.Event]{items: []*events.Event{agentToken("a")}, err: boom}
	w := &recordingWriter{}

	err := NewRelay(completion.NewEncoder("azion")).Run(testRunID, src, w)
	require.ErrorIs(t, err, boom)
	require.Len(t, w.frames, 2)
	require.Equal(t, `error: {"exception": "upstream reset"}`+"\n\n", w.frames[1])
	require.Equal(t, 1, w.closes)
	require.Equal(t, 1, src.closed)
}

func TestRelayStopsWhenWriterFails(t *testing.T) {
	src := &scriptedSource[*events.Event]{items: []*events.Event{agentToken("a"), agentToken("b"), agentToken("c")}}
	w := &recordingWriter{failAt: 2}

	err := NewRelay(completion.NewEncoder("azion")).Run(testRunID, src, w)
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.Len(t, w.frames, 1)
	require.Equal(t, 1, w.closes)
}

func TestGateRejectsLeadingMarker(t *testing.T) {
	pr, pw := io.Pipe()
	src := &scriptedSource[*events.Event]{err: errors.New("401 from provider")}
	go func() { _ = NewRelay(completion.NewEncoder("azion")).Run(testRunID, src, pw) }()

	out, err := Gate(pr)
	require.ErrorIs(t, err, ErrInlineFailure)
	require.Nil(t, out)
	require.Contains(t, err.Error(), "401 from provider")
}

func TestGateIsCaseInsensitive(t *testing.T) {
	_, err := Gate(io.NopCloser(strings.NewReader(`ERROR: {"Exception": "x"}` + "\n\n")))
	require.ErrorIs(t, err, ErrInlineFailure)
}

func TestGatePassesStreamThroughUnchanged(t *testing.T) {
	pr, pw := io.Pipe()
	src := &scriptedSource[*events.Event]{items: []*events.Event{agentToken("Hi"), toolCall(), agentToken(" there")}}

	var written bytes.Buffer
	tap := &tapWriter{w: pw, tap: &written}
	done := make(chan error, 1)
	go func() { done <- NewRelay(completion.NewEncoder("azion")).Run(testRunID, src, tap) }()

	out, err := Gate(pr)
	require.NoError(t, err)
	received, err := io.ReadAll(out)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.NoError(t, out.Close())
	require.Equal(t, written.Bytes(), received)

	scanner := bufio.NewScanner(bytes.NewReader(received))
	var lines []string
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	require.Len(t, lines, 4)
	require.Equal(t, "data: [DONE]", lines[3])
}

type tapWriter struct {
	w   io.WriteCloser
	tap *bytes.Buffer
	mu  sync.Mutex
}

func (t *tapWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.tap.Write(p)
	t.mu.Unlock()
	return t.w.Write(p)
}

func (t *tapWriter) Close() error { return t.w.Close() }

package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

func TestSessionLimiterRefills(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newSessionLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("a"))
	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"))
	require.True(t, l.allow("b"), "keys are limited independently")

	now = now.Add(31 * time.Second)
	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"))
}

func TestToolSessionContext(t *testing.T) {
	_, ok := ToolSessionFromContext(context.Background())
	require.False(t, ok)
	ctx := WithToolSession(context.Background(), "s-1")
	id, ok := ToolSessionFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "s-1", id)
	require.Equal(t, "session:s-1", sessionKey(ctx))
	require.Equal(t, "anonymous", sessionKey(context.Background()))
	require.Equal(t, context.Background(), WithToolSession(context.Background(), ""))
}

type stubSearch struct {
	result string
	err    error
	calls  int
}

func (s *stubSearch) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "stub"}, nil
}

func (s *stubSearch) InvokableRun(context.Context, string, ...tool.Option) (string, error) {
	s.calls++
	return s.result, s.err
}

func TestWebSearchFallsBackInOrder(t *testing.T) {
	google := &stubSearch{err: errors.New("quota")}
	duck := &stubSearch{result: "ddg result"}
	ws := &webSearch{backends: []searchBackend{{"google", google}, {"duckduckgo", duck}}}

	out, err := ws.search(context.Background(), &webSearchInput{Query: "azion edge"})
	require.NoError(t, err)
	require.Equal(t, "ddg result", out)
	require.Equal(t, 1, google.calls)

	duck.err = errors.New("down")
	_, err = ws.search(context.Background(), &webSearchInput{Query: "azion edge"})
	require.ErrorContains(t, err, "every backend failed")
}

func TestWebSearchRejectsEmptyQueryAndRateLimits(t *testing.T) {
	ws := &webSearch{
		backends: []searchBackend{{"duckduckgo", &stubSearch{result: "ok"}}},
		limiter:  newSessionLimiter(1, time.Minute),
	}
	_, err := ws.search(context.Background(), &webSearchInput{Query: "  "})
	require.Error(t, err)
	_, err = ws.search(context.Background(), nil)
	require.Error(t, err)

	ctx := WithToolSession(context.Background(), "s-1")
	_, err = ws.search(ctx, &webSearchInput{Query: "one"})
	require.NoError(t, err)
	_, err = ws.search(ctx, &webSearchInput{Query: "two"})
	require.ErrorIs(t, err, errSearchLimited)
}

func TestWebSearchFetchesURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "page body")
	}))
	defer srv.Close()

	duck := &stubSearch{result: "unused"}
	ws := &webSearch{backends: []searchBackend{{"duckduckgo", duck}}, fetcher: srv.Client()}
	out, err := ws.search(context.Background(), &webSearchInput{Query: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "page body", out)
	require.Zero(t, duck.calls)
}

func TestIsWebURL(t *testing.T) {
	require.True(t, isWebURL("HTTPS://example.com"))
	require.False(t, isWebURL("ftp://example.com"))
	require.False(t, isWebURL("what is edge computing"))
}

type fakeCaller struct {
	req mcp.CallToolRequest
	res *mcp.CallToolResult
}

func (f *fakeCaller) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.req = req
	return f.res, nil
}

func TestMCPToolNamingAndCall(t *testing.T) {
	caller := &fakeCaller{res: &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "42 events"}}}}
	remote := mcp.Tool{
		Name:        "count_events",
		Description: "count http events",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"domain": map[string]any{"type": "string", "description": "domain name"},
				"limit":  map[string]any{"type": "integer"},
			},
			Required: []string{"domain"},
		},
	}
	mt := newMCPTool(caller, "queryHttpEvents", remote)

	info, err := mt.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, "mcp__queryHttpEvents__count_events", info.Name)

	params := paramsFromSchema(remote.InputSchema)
	require.True(t, params["domain"].Required)
	require.Equal(t, schema.String, params["domain"].Type)
	require.Equal(t, schema.Integer, params["limit"].Type)
	require.False(t, params["limit"].Required)

	out, err := mt.InvokableRun(context.Background(), `{"domain":"example.com"}`)
	require.NoError(t, err)
	require.Equal(t, "42 events", out)
	require.Equal(t, "count_events", caller.req.Params.Name)
	require.Equal(t, map[string]any{"domain": "example.com"}, caller.req.Params.Arguments)
}

func TestMCPToolErrorResult(t *testing.T) {
	caller := &fakeCaller{res: &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "bad domain"}},
	}}
	mt := newMCPTool(caller, "s", mcp.Tool{Name: "t"})
	_, err := mt.InvokableRun(context.Background(), "")
	require.EqualError(t, err, "bad domain")
}

func TestParameterInfoNested(t *testing.T) {
	p := parameterInfo(map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "object", "properties": map[string]any{"id": map[string]any{"type": "number"}}, "required": []any{"id"}},
	})
	require.Equal(t, schema.Array, p.Type)
	require.Equal(t, schema.Object, p.ElemInfo.Type)
	require.True(t, p.ElemInfo.SubParams["id"].Required)
	require.Equal(t, schema.Number, p.ElemInfo.SubParams["id"].Type)
}

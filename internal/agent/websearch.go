package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edgecopilot/internal/config"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	webSearchToolName = "web_search"

	searchCallsPerSession = 5
	searchWindow          = time.Minute
	fetchTimeout          = 10 * time.Second
	fetchBodyLimit        = 512 << 10
)

var errSearchLimited = errors.New("web search rate limit exceeded, please retry in a minute")

// searchBackend is one provider tried in order until one answers.
type searchBackend struct {
	name string
	tool tool.InvokableTool
}

type webSearch struct {
	backends []searchBackend
	fetcher  *http.Client
	limiter  *sessionLimiter
}

type webSearchInput struct {
	Query string `json:"query"`
}

// newWebSearch returns the web search tool, or nil when no backend could be
// built. Google is preferred when credentials are configured.
func newWebSearch(ctx context.Context, cfg config.AgentConfig) tool.InvokableTool {
	var backends []searchBackend
	if g := googleBackend(ctx, cfg.GoogleAPIKey, cfg.GoogleSearchEngineID); g != nil {
		backends = append(backends, searchBackend{name: "google", tool: g})
	}
	if d := duckBackend(ctx); d != nil {
		backends = append(backends, searchBackend{name: "duckduckgo", tool: d})
	}
	if len(backends) == 0 {
		log.Printf("[agent] web search tool disabled: no search backend available")
		return nil
	}
	ws := &webSearch{
		backends: backends,
		fetcher:  &http.Client{Timeout: fetchTimeout},
		limiter:  newSessionLimiter(searchCallsPerSession, searchWindow),
	}
	return utils.NewTool(&schema.ToolInfo{
		Name: webSearchToolName,
		Desc: "Search the web for up to date information. " +
			"Pass a URL instead of a query to read that page.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {Desc: "search terms, or an http(s) URL", Type: schema.String, Required: true},
		}),
	}, ws.search)
}

func (w *webSearch) search(ctx context.Context, in *webSearchInput) (string, error) {
	var query string
	if in != nil {
		query = strings.TrimSpace(in.Query)
	}
	if query == "" {
		return "", errors.New("web search: empty query")
	}
	if w.limiter != nil && !w.limiter.allow(sessionKey(ctx)) {
		return "", errSearchLimited
	}

	if isWebURL(query) {
		page, err := w.fetch(ctx, query)
		if err == nil {
			return page, nil
		}
		log.Printf("[agent] fetch %s failed, searching instead: %v", query, err)
	}

	args, err := json.Marshal(webSearchInput{Query: query})
	if err != nil {
		return "", fmt.Errorf("web search: encode args: %w", err)
	}
	for _, b := range w.backends {
		out, err := b.tool.InvokableRun(ctx, string(args))
		if err == nil {
			return out, nil
		}
		log.Printf("[agent] %s search failed: %v", b.name, err)
	}
	return "", errors.New("web search: every backend failed")
}

// fetch returns the body of an http(s) page, truncated to fetchBodyLimit.
func (w *webSearch) fetch(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheme %q not fetchable", u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "EdgeCopilot-WebSearch/1.0")

	client := w.fetcher
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	return string(body), err
}

func isWebURL(s string) bool {
	scheme, _, ok := strings.Cut(s, "://")
	if !ok {
		return false
	}
	scheme = strings.ToLower(scheme)
	return scheme == "http" || scheme == "https"
}

func duckBackend(ctx context.Context) tool.InvokableTool {
	t, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo text search",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    fetchTimeout,
	})
	if err != nil {
		log.Printf("[agent] duckduckgo backend disabled: %v", err)
		return nil
	}
	return t
}

func googleBackend(ctx context.Context, apiKey, engineID string) tool.InvokableTool {
	if apiKey == "" || engineID == "" {
		debugLog("[agent] google backend skipped: no api key or engine id")
		return nil
	}
	t, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google custom search",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("[agent] google backend disabled: %v", err)
		return nil
	}
	return t
}

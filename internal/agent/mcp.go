package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"edgecopilot/internal/config"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	mcpToolPrefix = "mcp"
	clientName    = "edgecopilot"
	clientVersion = "1.0.0"
)

// mcpCaller is the part of an MCP session the tools use.
type mcpCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// loadMCPTools connects to every server and lists its tools. A server that
// cannot be reached fails the whole load.
func loadMCPTools(ctx context.Context, servers []config.MCPServer) ([]tool.BaseTool, []io.Closer, error) {
	var (
		tools   []tool.BaseTool
		closers []io.Closer
	)
	for _, srv := range servers {
		if srv.URL == "" {
			continue
		}
		c, err := connectMCP(ctx, srv.URL)
		if err != nil {
			return nil, closers, fmt.Errorf("mcp server %s: %w", srv.Name, err)
		}
		closers = append(closers, c)

		listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, closers, fmt.Errorf("mcp server %s: list tools: %w", srv.Name, err)
		}
		for _, t := range listed.Tools {
			tools = append(tools, newMCPTool(c, srv.Name, t))
		}
		log.Printf("[agent] mcp server %s: %d tools", srv.Name, len(listed.Tools))
	}
	return tools, closers, nil
}

func connectMCP(ctx context.Context, url string) (*mcpclient.Client, error) {
	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("start: %w", err)
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, req); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

type mcpTool struct {
	caller mcpCaller
	remote string
	info   *schema.ToolInfo
}

func newMCPTool(caller mcpCaller, server string, t mcp.Tool) *mcpTool {
	return &mcpTool{
		caller: caller,
		remote: t.Name,
		info: &schema.ToolInfo{
			Name:        mcpToolName(server, t.Name),
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(paramsFromSchema(t.InputSchema)),
		},
	}
}

func mcpToolName(server, name string) string {
	return strings.Join([]string{mcpToolPrefix, server, name}, "__")
}

func (t *mcpTool) Info(context.Context) (*schema.ToolInfo, error) {
	return t.info, nil
}

func (t *mcpTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	args := map[string]any{}
	if s := strings.TrimSpace(argumentsInJSON); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return "", fmt.Errorf("decode %s arguments: %w", t.info.Name, err)
		}
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args
	res, err := t.caller.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", t.info.Name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

func contentText(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// paramsFromSchema maps the top level of a JSON schema to tool parameters.
func paramsFromSchema(in mcp.ToolInputSchema) map[string]*schema.ParameterInfo {
	required := make(map[string]bool, len(in.Required))
	for _, name := range in.Required {
		required[name] = true
	}
	params := make(map[string]*schema.ParameterInfo, len(in.Properties))
	for name, raw := range in.Properties {
		p := parameterInfo(raw)
		p.Required = required[name]
		params[name] = p
	}
	return params
}

func parameterInfo(raw any) *schema.ParameterInfo {
	p := &schema.ParameterInfo{Type: schema.String}
	prop, ok := raw.(map[string]any)
	if !ok {
		return p
	}
	if typ, ok := prop["type"].(string); ok && typ != "" {
		p.Type = schema.DataType(typ)
	}
	if desc, ok := prop["description"].(string); ok {
		p.Desc = desc
	}
	if values, ok := prop["enum"].([]any); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				p.Enum = append(p.Enum, s)
			}
		}
	}
	switch p.Type {
	case schema.Array:
		p.ElemInfo = parameterInfo(prop["items"])
	case schema.Object:
		if nested, ok := prop["properties"].(map[string]any); ok {
			var req []string
			if list, ok := prop["required"].([]any); ok {
				for _, v := range list {
					if s, ok := v.(string); ok {
						req = append(req, s)
					}
				}
			}
			p.SubParams = paramsFromSchema(mcp.ToolInputSchema{Properties: nested, Required: req})
		}
	}
	return p
}

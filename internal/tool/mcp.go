package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// internalFailure is what the agent sees when a call fails for a reason
// other than its input. Details go to the log only.
const internalFailure = "Error: the script could not be run due to an internal failure."

type MCPConfig struct {
	Version string
	Logger  *slog.Logger
	// OnSessionEnd receives the conversation id of every MCP session that
	// called a tool, after that session has ended.
	OnSessionEnd func(conversationID string)
}

// NewMCPServer exposes every registered tool over the Model Context
// Protocol. Each MCP session is one conversation: its transport session id
// when it has one, otherwise an id assigned on its first tool call.
func NewMCPServer(reg *Registry, cfg MCPConfig) *mcp.Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	server := mcp.NewServer(&mcp.Implementation{Name: "scriptool", Version: cfg.Version}, nil)
	convs := &conversations{ids: make(map[*mcp.ServerSession]string), onEnd: cfg.OnSessionEnd}

	for _, t := range reg.Tools() {
		mcp.AddTool(server, &mcp.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
			var conversationID string
			if req != nil {
				conversationID = convs.id(req.Session)
			}
			return callTool(ctx, t, conversationID, args, cfg.Logger), nil, nil
		})
	}

	return server
}

// conversations maps live MCP sessions to conversation ids. Stdio
// transports have no session id, so one is minted per session.
type conversations struct {
	mu    sync.Mutex
	ids   map[*mcp.ServerSession]string
	onEnd func(conversationID string)
}

func (c *conversations) id(ss *mcp.ServerSession) string {
	if ss == nil {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[ss]; ok {
		return id
	}

	id := ss.ID()
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	c.ids[ss] = id

	go func() {
		_ = ss.Wait()
		c.mu.Lock()
		delete(c.ids, ss)
		c.mu.Unlock()
		if c.onEnd != nil {
			c.onEnd(id)
		}
	}()
	return id
}

func callTool(ctx context.Context, t Tool, conversationID string, args map[string]any, logger *slog.Logger) *mcp.CallToolResult {
	raw, err := json.Marshal(args)
	if err != nil {
		return errorResult("Error: arguments could not be encoded: " + err.Error())
	}

	message, err := t.Run(ctx, Call{Input: raw, ConversationID: conversationID})
	switch {
	case err == nil:
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: message}},
		}
	case errors.Is(err, ErrInvalidInput):
		return errorResult("Error: " + err.Error())
	default:
		logger.Error("tool call failed", "tool", t.Name(), "conversation", conversationID, "error", err)
		return errorResult(internalFailure)
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

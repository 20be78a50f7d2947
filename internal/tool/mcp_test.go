package tool

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/scriptool/internal/interp"
	"github.com/mpataki/scriptool/internal/lua"
	"github.com/mpataki/scriptool/internal/render"
	"github.com/mpataki/scriptool/internal/session"
	"github.com/mpataki/scriptool/internal/workspace"
)

func connectMCP(t *testing.T, reg *Registry) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := NewMCPServer(reg, MCPConfig{Version: "test"})
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ss, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return text.Text
}

func TestMCPServer_ListsTools(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newLuaTool(t, ScopeCall, nil)))
	cs := connectMCP(t, reg)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "lua-interpreter", res.Tools[0].Name)
	assert.Contains(t, res.Tools[0].Description, "project.read")
}

func TestMCPServer_CallTool(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newLuaTool(t, ScopeCall, nil)))
	cs := connectMCP(t, reg)
	ctx := context.Background()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "lua-interpreter",
		Arguments: map[string]any{"lua_script": "return 6 * 7"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "42")

	// A failing script is still a normal result carrying the error label.
	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "lua-interpreter",
		Arguments: map[string]any{"lua_script": `error("nope")`},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Error: ")
}

func TestMCPServer_ExtraArgumentsIgnored(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newLuaTool(t, ScopeCall, nil)))
	cs := connectMCP(t, reg)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "lua-interpreter",
		Arguments: map[string]any{"lua_script": "return 6 * 7", "reason": "checking"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "42")
}

func TestMCPServer_InvalidInputIsToolError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newLuaTool(t, ScopeCall, nil)))
	cs := connectMCP(t, reg)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "lua-interpreter",
		Arguments: map[string]any{"lua_script": "  "},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "must not be empty")
}

// connectStdio connects a client over a pair of pipes, the way a stdio
// transport carries a session, so the session has no transport id.
func connectStdio(t *testing.T, server *mcp.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	ss, err := server.Connect(ctx, &mcp.IOTransport{Reader: clientToServerR, Writer: serverToClientW}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, &mcp.IOTransport{Reader: serverToClientR, Writer: clientToServerW}, nil)
	require.NoError(t, err)
	return cs
}

func TestMCPServer_StdioSessionIsOneConversation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello project"), 0o644))
	ws, err := workspace.Open(dir, 0)
	require.NoError(t, err)

	mgr := session.NewManager(session.ManagerConfig{
		Project:     ws,
		Interpreter: lua.NewRuntime(),
		Limits:      interp.DefaultLimits(),
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	arch := &fakeArchive{}
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewScriptingTool(ScriptingConfig{
		Sessions:  mgr,
		Formatter: render.New(0),
		Engine:    lua.Name,
		Scope:     ScopeConversation,
		Archive:   arch,
	})))

	ended := make(chan string, 2)
	server := NewMCPServer(reg, MCPConfig{
		Version: "test",
		OnSessionEnd: func(conversationID string) {
			_ = mgr.Close(context.Background(), conversationID)
			ended <- conversationID
		},
	})

	call := func(cs *mcp.ClientSession, script string) {
		t.Helper()
		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "lua-interpreter",
			Arguments: map[string]any{"lua_script": script},
		})
		require.NoError(t, err)
		require.False(t, res.IsError, resultText(t, res))
	}

	first := connectStdio(t, server)
	call(first, "return 1")
	call(first, "return 2")
	assert.Equal(t, 1, mgr.Len())

	second := connectStdio(t, server)
	call(second, "return 3")
	assert.Equal(t, 2, mgr.Len())

	arch.mu.Lock()
	require.Len(t, arch.records, 3)
	firstID := arch.records[0].SessionID
	assert.NotEmpty(t, firstID)
	assert.Equal(t, firstID, arch.records[1].SessionID)
	assert.NotEqual(t, firstID, arch.records[2].SessionID)
	assert.Equal(t, []int64{1, 2, 1}, []int64{int64(arch.records[0].ID), int64(arch.records[1].ID), int64(arch.records[2].ID)})
	arch.mu.Unlock()

	// Ending the MCP session tears down its conversation
	_ = first.Close()
	select {
	case id := <-ended:
		assert.Equal(t, firstID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("session end was not reported")
	}
	assert.Equal(t, 1, mgr.Len())
	_, ok := mgr.Lookup(firstID)
	assert.False(t, ok)

	_ = second.Close()
	require.Eventually(t, func() bool { return mgr.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mpataki/scriptool/internal/models"
	"github.com/mpataki/scriptool/internal/render"
	"github.com/mpataki/scriptool/internal/session"
)

const (
	ScopeCall         = "call"
	ScopeConversation = "conversation"
)

// ScriptInput is the argument object of the scripting tool.
type ScriptInput struct {
	LuaScript string `json:"lua_script"`
}

// Archive receives every finished script. Implemented by storage.Storage.
type Archive interface {
	SaveScript(engine string, rec models.ScriptRecord) (int64, error)
}

type ScriptingConfig struct {
	Sessions  *session.Manager
	Formatter *render.Formatter
	// Engine is the interpreter name; it picks the tool name and description.
	Engine string
	// Scope is ScopeCall or ScopeConversation.
	Scope string
	// Archive is optional.
	Archive Archive
	Logger  *slog.Logger
}

// ScriptingTool runs an embedded script and returns its formatted result.
type ScriptingTool struct {
	cfg    ScriptingConfig
	logger *slog.Logger
}

func NewScriptingTool(cfg ScriptingConfig) *ScriptingTool {
	if cfg.Formatter == nil {
		cfg.Formatter = render.New(0)
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeCall
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ScriptingTool{cfg: cfg, logger: logger.With("tool", toolName(cfg.Engine))}
}

func toolName(engine string) string {
	if engine == "js" {
		return "js-interpreter"
	}
	return "lua-interpreter"
}

func (t *ScriptingTool) Name() string {
	return toolName(t.cfg.Engine)
}

func (t *ScriptingTool) Description() string {
	if t.cfg.Engine == "js" {
		return jsDescription
	}
	return luaDescription
}

func (t *ScriptingTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"lua_script": map[string]any{
				"type":        "string",
				"description": "The script to execute.",
			},
		},
		"required": []string{"lua_script"},
	}
}

// DecodeInput parses the arguments object. Fields other than lua_script are
// ignored.
func DecodeInput(raw json.RawMessage) (ScriptInput, error) {
	var in ScriptInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return ScriptInput{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(in.LuaScript) == "" {
		return ScriptInput{}, fmt.Errorf("%w: lua_script must not be empty", ErrInvalidInput)
	}
	return in, nil
}

// Run executes the script and waits for it to finish. If ctx ends first the
// script keeps running in its session and ctx's error is returned.
func (t *ScriptingTool) Run(ctx context.Context, call Call) (string, error) {
	in, err := DecodeInput(call.Input)
	if err != nil {
		return "", err
	}

	sess, release := t.session(call.ConversationID)
	defer release()

	id, done, err := sess.Submit(in.LuaScript)
	if errors.Is(err, session.ErrSessionClosed) && call.ConversationID != "" && t.cfg.Scope == ScopeConversation {
		// Evicted between Open and Submit
		sess = t.cfg.Sessions.Open(call.ConversationID)
		id, done, err = sess.Submit(in.LuaScript)
	}
	if err != nil {
		return "", fmt.Errorf("failed to submit script: %w", err)
	}

	if err := done.Wait(ctx); err != nil {
		return "", fmt.Errorf("script %d did not finish: %w", id, err)
	}

	rec, err := sess.Get(id)
	if err != nil {
		return "", fmt.Errorf("failed to read script result: %w", err)
	}

	message, err := t.cfg.Formatter.Format(rec)
	if err != nil {
		return "", fmt.Errorf("failed to format script result: %w", err)
	}

	t.logger.Info("script finished",
		"session", rec.SessionID,
		"script_id", rec.ID,
		"status", rec.Status,
		"error_kind", rec.ErrorKind,
		"duration", rec.Duration(),
	)
	t.archive(sess.Engine(), rec)

	return message, nil
}

// session picks the session for a call and returns a release func that
// tears down one-shot sessions.
func (t *ScriptingTool) session(conversationID string) (*session.Session, func()) {
	if t.cfg.Scope == ScopeConversation && conversationID != "" {
		return t.cfg.Sessions.Open(conversationID), func() {}
	}

	sess := t.cfg.Sessions.Ephemeral()
	return sess, func() {
		// Only a caller that stopped waiting leaves a script in flight;
		// that script finishes on its own.
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		_ = sess.Close(ctx)
	}
}

func (t *ScriptingTool) archive(engine string, rec models.ScriptRecord) {
	if t.cfg.Archive == nil {
		return
	}
	if _, err := t.cfg.Archive.SaveScript(engine, rec); err != nil {
		t.logger.Warn("failed to archive script", "session", rec.SessionID, "script_id", rec.ID, "error", err)
	}
}

const luaDescription = `Executes a Lua script against the current project and returns its output.

The script runs in a sandbox with the base, string, table and math libraries.
There is no os, io or debug library, and no way to load other code.

Available globals:
- print(...) writes to the script output.
- project.root() returns the project root directory.
- project.read(path) returns the contents of a file relative to the root, or nil and an error message.
- project.list(dir) returns the entries of a directory relative to the root; directories end in "/".

Values returned from the top level of the script are included in the output.
Tables are rendered as JSON. Scripts that run too long are stopped.`

const jsDescription = `Executes a JavaScript script against the current project and returns its output.

The script body runs inside a function, so a top-level return produces the result.
There is no module system, filesystem or network access.

Available globals:
- print(...) and console.log(...) write to the script output.
- project.root() returns the project root directory.
- project.read(path) returns the contents of a file relative to the root; throws on error.
- project.list(dir) returns the entries of a directory relative to the root; directories end in "/".
- require("project") returns the same project object. No other modules can be loaded.

Objects and arrays returned from the script are rendered as JSON. Scripts that run too long are stopped.`

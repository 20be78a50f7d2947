package lua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/scriptool/internal/interp"
	"github.com/mpataki/scriptool/internal/models"
)

// Name is the engine name used in configuration.
const Name = "lua"

// Runtime executes Lua scripts in a sandboxed gopher-lua state.
// A fresh state is created for every script.
type Runtime struct{}

func NewRuntime() *Runtime {
	return &Runtime{}
}

func (r *Runtime) Name() string {
	return Name
}

// Execute runs the script body and returns its printed output and return values.
func (r *Runtime) Execute(ctx context.Context, script string, project interp.Project, limits interp.Limits) (interp.Output, error) {
	ctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)

	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	stop := interp.WatchMemory(ctx, limits.MaxMemoryBytes, cancelCause)
	defer stop()

	opts := lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	}
	if limits.MaxCallStack > 0 {
		opts.CallStackSize = limits.MaxCallStack
	}
	if limits.MaxRegistry > 0 {
		opts.RegistryMaxSize = limits.MaxRegistry
	}

	L := lua.NewState(opts)
	defer L.Close()
	L.SetContext(ctx)

	stdout := interp.NewCapture(limits.MaxOutputBytes)

	openSafeLibs(L)
	guardStringRep(L, limits, cancelCause)
	registerAPI(L, stdout, project, limits)

	fn, err := L.LoadString(script)
	if err != nil {
		return interp.Output{}, classify(ctx, err, stdout.String())
	}

	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return interp.Output{}, classify(ctx, err, stdout.String())
	}

	out := interp.Output{Stdout: stdout.String()}
	rd := newRenderer(ctx)
	for i := 1; i <= L.GetTop(); i++ {
		text, err := rd.render(L.Get(i))
		if err != nil {
			return interp.Output{}, classify(ctx, err, stdout.String())
		}
		out.Results = append(out.Results, text)
	}
	// A script that caught the limit error with pcall still failed
	if errors.Is(context.Cause(ctx), interp.ErrMemoryLimit) {
		return interp.Output{}, interp.MemoryError(out.Stdout)
	}

	return out, nil
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove functions that reach the filesystem or compile new chunks
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// guardStringRep replaces string.rep with a version that refuses results
// larger than the memory limit. A single rep call cannot be interrupted.
func guardStringRep(L *lua.LState, limits interp.Limits, cancel context.CancelCauseFunc) {
	strlib, ok := L.GetGlobal("string").(*lua.LTable)
	if !ok {
		return
	}
	L.SetField(strlib, "rep", L.NewFunction(func(L *lua.LState) int {
		s := L.CheckString(1)
		n := L.CheckInt64(2)
		if n <= 0 {
			L.Push(lua.LString(""))
			return 1
		}
		if !limits.FitsMemory(len(s), n) {
			cancel(interp.ErrMemoryLimit)
			L.RaiseError("%s", interp.ErrMemoryLimit.Error())
			return 0
		}
		L.Push(lua.LString(strings.Repeat(s, int(n))))
		return 1
	}))
}

// registerAPI installs print and the project table
func registerAPI(L *lua.LState, stdout *interp.Capture, project interp.Project, limits interp.Limits) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		stdout.WriteString(strings.Join(parts, "\t") + "\n")
		return 0
	}))

	tbl := L.NewTable()
	if project != nil {
		L.SetField(tbl, "root", L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LString(project.Root()))
			return 1
		}))

		if limits.AllowProjectRead {
			L.SetField(tbl, "read", L.NewFunction(func(L *lua.LState) int {
				data, err := project.ReadFile(L.CheckString(1))
				if err != nil {
					L.Push(lua.LNil)
					L.Push(lua.LString(err.Error()))
					return 2
				}
				L.Push(lua.LString(data))
				return 1
			}))

			L.SetField(tbl, "list", L.NewFunction(func(L *lua.LState) int {
				names, err := project.ListDir(L.OptString(1, "."))
				if err != nil {
					L.Push(lua.LNil)
					L.Push(lua.LString(err.Error()))
					return 2
				}
				list := L.NewTable()
				for _, name := range names {
					list.Append(lua.LString(name))
				}
				L.Push(list)
				return 1
			}))
		}
	}
	L.SetGlobal("project", tbl)
}

// classify turns a gopher-lua error into an *interp.ExecutionError.
func classify(ctx context.Context, err error, stdout string) error {
	execErr := &interp.ExecutionError{
		Kind:    models.ErrorKindRuntime,
		Message: err.Error(),
		Stdout:  stdout,
		Err:     err,
	}

	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Object != nil {
			execErr.Message = apiErr.Object.String()
		}
		if apiErr.Type == lua.ApiErrorSyntax {
			execErr.Kind = models.ErrorKindSyntax
		}
	}

	switch {
	case errors.Is(context.Cause(ctx), interp.ErrMemoryLimit):
		return interp.MemoryError(stdout)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		execErr.Kind = models.ErrorKindTimeout
		execErr.Message = "script exceeded its execution deadline"
	case ctx.Err() != nil:
		execErr.Kind = models.ErrorKindTimeout
		execErr.Message = "script was interrupted: " + ctx.Err().Error()
	case errors.Is(err, errRenderTooLarge):
		execErr.Kind = models.ErrorKindResource
		execErr.Message = err.Error()
	case strings.Contains(execErr.Message, "stack overflow"), strings.Contains(execErr.Message, "registry overflow"):
		execErr.Kind = models.ErrorKindResource
	}

	return execErr
}

// maxRenderNodes bounds how many values one result may expand to. Shared
// subtables are expanded at every reference, so a small table graph can
// describe an exponentially large tree.
const maxRenderNodes = 100_000

const maxRenderDepth = 32

// errRenderTooLarge is raised when a returned value exceeds maxRenderNodes.
var errRenderTooLarge = errors.New("returned value is too large to render")

// renderer converts returned Lua values to text. Tables are rendered as JSON.
// It observes ctx so rendering cannot outlive the script's deadline.
type renderer struct {
	ctx   context.Context
	nodes int
	path  map[*lua.LTable]bool
}

func newRenderer(ctx context.Context) *renderer {
	return &renderer{ctx: ctx, path: map[*lua.LTable]bool{}}
}

func (r *renderer) render(v lua.LValue) (string, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return v.String(), nil
	}

	val, err := r.toGo(tbl, 0)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(val)
	if err != nil {
		return tbl.String(), nil
	}
	return string(data), nil
}

// toGo converts a Lua value to a Go value suitable for JSON encoding.
func (r *renderer) toGo(v lua.LValue, depth int) (any, error) {
	r.nodes++
	if r.nodes > maxRenderNodes {
		return nil, errRenderTooLarge
	}
	if r.nodes%1024 == 0 {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
	}

	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		if r.path[val] {
			return "<cycle>", nil
		}
		if depth >= maxRenderDepth {
			return "<table>", nil
		}
		r.path[val] = true
		defer delete(r.path, val)

		// Tables with a contiguous 1..n array part render as arrays
		if n := val.MaxN(); n > 0 && n == countKeys(val) {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				item, err := r.toGo(val.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			return arr, nil
		}

		obj := make(map[string]any)
		var err error
		val.ForEach(func(k, item lua.LValue) {
			if err != nil {
				return
			}
			obj[k.String()], err = r.toGo(item, depth+1)
		})
		if err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return fmt.Sprintf("<%s>", v.Type().String()), nil
	}
}

func countKeys(tbl *lua.LTable) int {
	n := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}

// Globals lists the global names visible to scripts. Used by the console help.
func Globals() []string {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)
	registerAPI(L, interp.NewCapture(0), nil, interp.Limits{})

	var names []string
	L.G.Global.ForEach(func(k, v lua.LValue) {
		if v != lua.LNil {
			names = append(names, k.String())
		}
	})
	sort.Strings(names)
	return names
}

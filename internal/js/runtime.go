// Package js executes JavaScript script bodies with goja.
package js

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"

	"github.com/mpataki/scriptool/internal/interp"
	"github.com/mpataki/scriptool/internal/models"
)

// Name is the engine name used in configuration.
const Name = "js"

// Runtime executes JavaScript in a fresh goja runtime per script.
type Runtime struct{}

func NewRuntime() *Runtime {
	return &Runtime{}
}

func (r *Runtime) Name() string {
	return Name
}

// Execute runs the script as the body of a function so that a top-level
// return yields the result.
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

	vm := goja.New()
	if limits.MaxCallStack > 0 {
		vm.SetMaxCallStackSize(limits.MaxCallStack)
	}

	stdout := interp.NewCapture(limits.MaxOutputBytes)
	if err := installAPI(vm, stdout, project, limits); err != nil {
		return interp.Output{}, &interp.ExecutionError{Kind: models.ErrorKindInternal, Message: err.Error(), Err: err}
	}
	if err := guardRepeat(vm, limits, cancelCause); err != nil {
		return interp.Output{}, &interp.ExecutionError{Kind: models.ErrorKindInternal, Message: err.Error(), Err: err}
	}

	prog, err := goja.Compile("script.js", "(function() {\n"+script+"\n})()", false)
	if err != nil {
		return interp.Output{}, &interp.ExecutionError{
			Kind:    models.ErrorKindSyntax,
			Message: err.Error(),
			Err:     err,
		}
	}

	// Interrupt execution when the deadline passes or memory runs out
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			vm.Interrupt(context.Cause(ctx))
		case <-done:
		}
	}()

	// Results are rendered while the interrupt is still armed
	var results []string
	value, err := vm.RunProgram(prog)
	if err == nil && value != nil && !goja.IsUndefined(value) {
		var text string
		text, err = newRenderer(ctx).render(value)
		results = []string{text}
	}
	close(done)
	wg.Wait()

	if err != nil {
		return interp.Output{}, classify(ctx, err, stdout.String())
	}
	// A script that caught the limit error still failed
	if errors.Is(context.Cause(ctx), interp.ErrMemoryLimit) {
		return interp.Output{}, interp.MemoryError(stdout.String())
	}

	return interp.Output{Stdout: stdout.String(), Results: results}, nil
}

// guardRepeat makes String.prototype.repeat refuse results larger than the
// memory limit. A single repeat call cannot be interrupted.
func guardRepeat(vm *goja.Runtime, limits interp.Limits, cancel context.CancelCauseFunc) error {
	proto := vm.Get("String").ToObject(vm).Get("prototype").ToObject(vm)
	repeat, ok := goja.AssertFunction(proto.Get("repeat"))
	if !ok {
		return errors.New("String.prototype.repeat is not a function")
	}

	return proto.Set("repeat", func(call goja.FunctionCall) goja.Value {
		s := call.This.String()
		if !limits.FitsMemory(len(s), call.Argument(0).ToInteger()) {
			cancel(interp.ErrMemoryLimit)
			panic(vm.NewGoError(interp.ErrMemoryLimit))
		}
		v, err := repeat(call.This, call.Arguments...)
		if err != nil {
			panic(err)
		}
		return v
	})
}

func installAPI(vm *goja.Runtime, stdout *interp.Capture, project interp.Project, limits interp.Limits) error {
	print := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		stdout.WriteString(strings.Join(parts, " ") + "\n")
		return goja.Undefined()
	}

	if err := vm.Set("print", print); err != nil {
		return err
	}

	console := vm.NewObject()
	if err := console.Set("log", print); err != nil {
		return err
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	// The project API is a native module: require("project") and the
	// project global are the same object. Nothing can be loaded from disk.
	registry := require.NewRegistry(require.WithLoader(func(string) ([]byte, error) {
		return nil, require.ModuleFileDoesNotExistError
	}))
	registry.RegisterNativeModule("project", func(vm *goja.Runtime, module *goja.Object) {
		exports := module.Get("exports").(*goja.Object)
		if err := exportProject(vm, exports, project, limits); err != nil {
			panic(vm.NewGoError(err))
		}
	})
	registry.Enable(vm)

	return vm.Set("project", require.Require(vm, "project"))
}

func exportProject(vm *goja.Runtime, exports *goja.Object, project interp.Project, limits interp.Limits) error {
	if project == nil {
		return nil
	}
	if err := exports.Set("root", project.Root); err != nil {
		return err
	}
	if !limits.AllowProjectRead {
		return nil
	}

	// Go errors returned from these become JS exceptions
	read := func(path string) (string, error) {
		data, err := project.ReadFile(path)
		return string(data), err
	}
	list := func(call goja.FunctionCall) goja.Value {
		dir := "."
		if arg := call.Argument(0); !goja.IsUndefined(arg) {
			dir = arg.String()
		}
		names, err := project.ListDir(dir)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(names)
	}
	if err := exports.Set("read", read); err != nil {
		return err
	}
	return exports.Set("list", list)
}

func classify(ctx context.Context, err error, stdout string) error {
	execErr := &interp.ExecutionError{
		Kind:    models.ErrorKindRuntime,
		Message: err.Error(),
		Stdout:  stdout,
		Err:     err,
	}

	var interrupted *goja.InterruptedError
	var exception *goja.Exception
	var overflow *goja.StackOverflowError
	switch {
	case errors.Is(context.Cause(ctx), interp.ErrMemoryLimit):
		return interp.MemoryError(stdout)
	case errors.As(err, &interrupted), ctx.Err() != nil:
		execErr.Kind = models.ErrorKindTimeout
		execErr.Message = "script exceeded its execution deadline"
	case errors.Is(err, errRenderTooLarge):
		execErr.Kind = models.ErrorKindResource
	case errors.As(err, &overflow):
		execErr.Kind = models.ErrorKindResource
		execErr.Message = "call stack overflow"
	case errors.As(err, &exception):
		if v := exception.Value(); v != nil {
			execErr.Message = v.String()
		}
	}

	return execErr
}

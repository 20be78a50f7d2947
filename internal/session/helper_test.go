package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/mpataki/scriptool/internal/interp"
	"github.com/mpataki/scriptool/internal/models"
)

// fakeInterpreter interprets a tiny command language:
//
//	"echo X"  succeeds with output X
//	"fail X"  fails with a runtime error X
//	"panic X" panics with X
//	"block"   waits until release is closed, then succeeds with "released"
type fakeInterpreter struct {
	release chan struct{}

	mu      sync.Mutex
	running int
	peak    int
}

func newFakeInterpreter() *fakeInterpreter {
	return &fakeInterpreter{release: make(chan struct{})}
}

func (f *fakeInterpreter) Name() string { return "fake" }

func (f *fakeInterpreter) Execute(ctx context.Context, script string, project interp.Project, limits interp.Limits) (interp.Output, error) {
	f.mu.Lock()
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	cmd, arg, _ := strings.Cut(script, " ")
	switch cmd {
	case "echo":
		return interp.Output{Results: []string{arg}}, nil
	case "fail":
		return interp.Output{}, &interp.ExecutionError{Kind: models.ErrorKindRuntime, Message: arg, Stdout: "partial"}
	case "panic":
		panic(arg)
	case "block":
		<-f.release
		return interp.Output{Results: []string{"released"}}, nil
	case "plain":
		return interp.Output{}, errors.New(arg)
	}
	return interp.Output{}, &interp.ExecutionError{Kind: models.ErrorKindSyntax, Message: "unknown command " + cmd}
}

func (f *fakeInterpreter) peakRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

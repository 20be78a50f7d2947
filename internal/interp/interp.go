// Package interp defines the boundary between script sessions and the
// embedded interpreters that execute untrusted script bodies.
package interp

import (
	"context"
	"strings"
	"time"
)

// Interpreter executes one script body against a read-only project.
//
// Implementations must be safe for concurrent use; each call gets its own
// interpreter state. Every failure inside the script (syntax, runtime,
// deadline, resource bound) is returned as *ExecutionError.
type Interpreter interface {
	Name() string
	Execute(ctx context.Context, script string, project Project, limits Limits) (Output, error)
}

// Project is the read-only view of the project a script runs against.
type Project interface {
	Root() string
	ReadFile(path string) ([]byte, error)
	ListDir(path string) ([]string, error)
}

// Limits is the capability and resource-limit object handed to an
// interpreter for a single run.
type Limits struct {
	// Timeout bounds wall-clock execution. Zero means no deadline.
	Timeout time.Duration

	// MaxOutputBytes caps captured print output. Output beyond the cap is
	// dropped, but one extra byte is kept so callers can tell it was cut.
	MaxOutputBytes int

	// MaxCallStack bounds call depth.
	MaxCallStack int

	// MaxRegistry bounds the Lua value stack. Ignored by other engines.
	MaxRegistry int

	// MaxMemoryBytes bounds heap growth while the script runs, and the size
	// of any single string a script asks the runtime to build. Zero means
	// unbounded.
	MaxMemoryBytes int64

	// AllowProjectRead exposes project file reads to the script.
	AllowProjectRead bool
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:          10 * time.Second,
		MaxOutputBytes:   64 * 1024,
		MaxCallStack:     200,
		MaxRegistry:      256 * 1024,
		MaxMemoryBytes:   256 << 20,
		AllowProjectRead: true,
	}
}

// FitsMemory reports whether building count copies of a unit-byte value
// stays within MaxMemoryBytes.
func (l Limits) FitsMemory(unit int, count int64) bool {
	if l.MaxMemoryBytes <= 0 || unit <= 0 || count <= 0 {
		return true
	}
	return count <= l.MaxMemoryBytes/int64(unit)
}

// Output is the successful result of a script run.
type Output struct {
	// Stdout holds everything the script printed.
	Stdout string
	// Results holds the rendered values the script returned.
	Results []string
}

// Text renders the output as one string: printed output first, then the
// returned values separated by tabs.
func (o Output) Text() string {
	var b strings.Builder
	b.WriteString(o.Stdout)
	if len(o.Results) > 0 {
		if b.Len() > 0 && !strings.HasSuffix(o.Stdout, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Join(o.Results, "\t"))
	}
	return b.String()
}

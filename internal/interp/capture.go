package interp

import "strings"

// Capture is a bounded buffer for script print output.
// It is not safe for concurrent use; each run owns one.
type Capture struct {
	b     strings.Builder
	limit int
}

// NewCapture returns a buffer keeping at most limit+1 bytes. A limit of
// zero or less keeps everything.
func NewCapture(limit int) *Capture {
	return &Capture{limit: limit}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.WriteString(string(p))
	return len(p), nil
}

func (c *Capture) WriteString(s string) {
	if c.limit > 0 {
		room := c.limit + 1 - c.b.Len()
		if room <= 0 {
			return
		}
		if len(s) > room {
			s = s[:room]
		}
	}
	c.b.WriteString(s)
}

func (c *Capture) String() string {
	return c.b.String()
}

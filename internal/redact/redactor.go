package redact

import (
	"fmt"
	"io"
	"regexp"
)

const replacement = "[REDACTED]"

// Redactor applies configured regex patterns to redact sensitive content.
type Redactor struct {
	patterns []*regexp.Regexp
}

// DefaultPatterns covers the secret shapes this bridge is likely to log
// incidentally: bearer/authorization headers, GitHub app/PAT tokens, and
// push URLs carrying embedded credentials.
var DefaultPatterns = []string{
	`(?i)authorization\s*:\s*bearer\s+\S+`,
	`(?i)bearer\s+[a-zA-Z0-9._-]{10,}`,
	`gh[aprsu]_[A-Za-z0-9]{20,}`,
	`https://x-access-token:[^@]+@`,
}

// NewDefault compiles DefaultPatterns. It never returns an error since the
// pattern set is fixed and compile-tested by this package's own tests.
func NewDefault() *Redactor {
	r, err := New(DefaultPatterns)
	if err != nil {
		panic("redact: default patterns failed to compile: " + err.Error())
	}
	return r
}

// New compiles redact patterns and returns a redactor.
func New(patterns []string) (*Redactor, error) {
	r := &Redactor{
		patterns: make([]*regexp.Regexp, 0, len(patterns)),
	}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", pattern, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact returns text with all configured patterns replaced.
func (r *Redactor) Redact(text string) string {
	if r == nil || len(r.patterns) == 0 || text == "" {
		return text
	}
	redacted := text
	for _, re := range r.patterns {
		redacted = re.ReplaceAllString(redacted, replacement)
	}
	return redacted
}

// Writer wraps w so every write is redacted first. Intended for wrapping a
// process's log output sink: an error string that happens to embed a
// bearer token or an authenticated push URL is scrubbed before it ever
// reaches disk or a log aggregator.
func (r *Redactor) Writer(w io.Writer) io.Writer {
	return &redactingWriter{r: r, w: w}
}

type redactingWriter struct {
	r *Redactor
	w io.Writer
}

func (rw *redactingWriter) Write(p []byte) (int, error) {
	redacted := rw.r.Redact(string(p))
	if _, err := rw.w.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}

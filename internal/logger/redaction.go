package logger

import (
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// defaultPatterns cover credentials that tend to leak through provider
// errors, tool parameters and tool output.
var defaultPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-(?:proj-)?[a-zA-Z0-9_-]{20,}`,
	`Bearer\s+[a-zA-Z0-9._~+/=-]+`,
	`(?i)x-api-key["\s:=]+[^\s",}]+`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)password["\s:=]+[^\s",}]+`,
	`(?i)token["\s:=]+[a-zA-Z0-9._-]{20,}`,
	`(?i)secret["\s:=]+[^\s",}]+`,
}

// Redactor masks secrets in log output. Known secret values are replaced
// literally; everything else is matched by pattern.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	secrets  []string
	literal  *strings.Replacer
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range defaultPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	return r
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// AddSecret redacts every literal occurrence of secret. Values shorter than
// eight characters are ignored.
func (r *Redactor) AddSecret(secret string) {
	if len(secret) < 8 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)

	// Longest first so a secret containing another is masked whole.
	sorted := append([]string(nil), r.secrets...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	pairs := make([]string, 0, 2*len(sorted))
	for _, s := range sorted {
		pairs = append(pairs, s, redacted)
	}
	r.literal = strings.NewReplacer(pairs...)
}

// Redact masks every secret in s.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.literal != nil {
		s = r.literal.Replace(s)
	}
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success even though fewer or more bytes reach the
// underlying writer, since callers only know about p.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

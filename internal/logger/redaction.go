package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type redactRule struct {
	re *regexp.Regexp
	// repl is an expansion template; $1 keeps the field name of key/value rules.
	repl string
}

func whole(pattern string) redactRule {
	return redactRule{re: regexp.MustCompile(pattern), repl: redacted}
}

// field matches a JSON or key=value pair and keeps the key so the line stays
// parseable.
func field(name string) redactRule {
	return redactRule{
		re:   regexp.MustCompile(`("?` + name + `"?\s*[:=]\s*)"?[^\s",}]+"?`),
		repl: `${1}"` + redacted + `"`,
	}
}

// Redactor masks credentials and session tokens in log output.
type Redactor struct {
	rules []redactRule
}

// NewRedactor creates a redactor for provider API keys, bearer tokens,
// session tokens and passwords.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactRule{
			whole(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			whole(`sk-[a-zA-Z0-9_-]{20,}`),
			whole(`Bearer\s+[a-zA-Z0-9._-]+`),
			field(`session_token`),
			field(`redis_password`),
			field(`password`),
			field(`api_key`),
			field(`secret`),
		},
	}
}

// AddPattern masks every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactRule{re: re, repl: redacted})
	return nil
}

// Redact returns s with every sensitive value masked.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
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

// Write reports len(p) on success so zerolog does not treat a shortened
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Package log configures the structured logger shared by every component
// (Manager, Coordinator, Worker). It wraps logrus the way the teacher's
// SecureLogger wrapped the standard library logger: a level, a quiet mode,
// and a set of redactors run over every field before it reaches the sink.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Redactor scrubs sensitive substrings out of a log field value.
type Redactor interface {
	Redact(string) string
}

type cookieRedactor struct{}

func (cookieRedactor) Redact(s string) string {
	return redactAfter(s, []string{"cookie:", "set-cookie:", "authorization:", "bearer "})
}

type urlRedactor struct{}

func (urlRedactor) Redact(s string) string {
	return redactAfter(s, []string{"token=", "access_token=", "key=", "secret=", "password=", "pwd="})
}

func redactAfter(s string, markers []string) string {
	lower := strings.ToLower(s)
	result := s
	for _, marker := range markers {
		idx := strings.Index(lower, marker)
		if idx == -1 {
			continue
		}
		start := idx + len(marker)
		end := start
		for end < len(result) && result[end] != ' ' && result[end] != '&' && result[end] != ';' && result[end] != '\n' {
			end++
		}
		if end > start {
			result = result[:start] + "[REDACTED]" + result[end:]
		}
	}
	return result
}

var redactors = []Redactor{cookieRedactor{}, urlRedactor{}}

type redactHook struct{}

func (redactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactHook) Fire(entry *logrus.Entry) error {
	entry.Message = redactAll(entry.Message)
	for k, v := range entry.Data {
		if s, ok := v.(string); ok {
			entry.Data[k] = redactAll(s)
		}
	}
	return nil
}

func redactAll(s string) string {
	for _, r := range redactors {
		s = r.Redact(s)
	}
	return s
}

// Options configures the root logger.
type Options struct {
	Debug  bool
	Quiet  bool
	JSON   bool
	Output io.Writer
}

// New builds a *logrus.Logger configured per opts. Quiet restricts output to
// warnings and above; Debug lowers the threshold to debug and enables
// caller reporting, matching the teacher's SetDebug/SetQuiet semantics.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch {
	case opts.Quiet:
		logger.SetLevel(logrus.WarnLevel)
	case opts.Debug:
		logger.SetLevel(logrus.DebugLevel)
		logger.SetReportCaller(true)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.AddHook(redactHook{})
	return logger
}

// NewWorkDirLogger opens <workDir>/prometeo.log for unbuffered, append-only
// writes and returns a *logrus.Logger dedicated to it. The file is never
// wrapped in a bufio.Writer: a process killed mid-write should lose at most
// the in-flight line, not a buffered batch, since the log is documented as
// a debugging aid whose loss must not affect resumption.
func NewWorkDirLogger(path string) (*logrus.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	logger := logrus.New()
	logger.SetOutput(f)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	logger.SetLevel(logrus.DebugLevel)
	logger.AddHook(redactHook{})
	return logger, f, nil
}

package julius

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
)

// Severity of a decoder diagnostic line.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) Level() slog.Level {
	switch s {
	case SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "debug"
	}
}

// Diagnostic is a classified decoder log line.
type Diagnostic struct {
	Severity Severity
	Text     string
	// Suppressed marks known-benign lines that are classified but not logged.
	Suppressed bool
}

type diagnosticRule struct {
	prefix   string
	severity Severity
}

var diagnosticRules = []diagnosticRule{
	{prefix: "ERROR: ", severity: SeverityError},
	{prefix: "WARNING: ", severity: SeverityWarning},
	{prefix: "STAT: ", severity: SeverityDebug},
}

// The audio input layer complains about missing devices even when stdin is used.
const benignErrorPrefix = "adin_"

// Classify matches a trimmed line against the known prefixes, case-insensitively.
func Classify(line string) (Diagnostic, bool) {
	line = strings.TrimSpace(line)
	for _, rule := range diagnosticRules {
		n := len(rule.prefix)
		if len(line) <= n || !strings.EqualFold(line[:n], rule.prefix) {
			continue
		}
		d := Diagnostic{Severity: rule.severity, Text: line[n:]}
		if rule.severity == SeverityError && strings.HasPrefix(d.Text, benignErrorPrefix) {
			d.Suppressed = true
		}
		return d, true
	}
	return Diagnostic{}, false
}

// ReportDiagnostics logs every classified, unsuppressed line of r and returns them.
func ReportDiagnostics(ctx context.Context, log *slog.Logger, stream string, r io.Reader) []Diagnostic {
	var reported []Diagnostic
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		d, ok := Classify(scanner.Text())
		if !ok || d.Suppressed {
			continue
		}
		log.Log(ctx, d.Severity.Level(), d.Text, slog.String("stream", stream))
		reported = append(reported, d)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("failed to scan julius output", slog.String("stream", stream), slog.String("error", err.Error()))
	}
	return reported
}

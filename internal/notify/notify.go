// Package notify delivers operator notifications raised by the watchdog.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"
)

// Kind identifies the condition a notification reports
type Kind string

const (
	KindStaleJobs Kind = "stale_jobs"
	KindMemory    Kind = "memory"
)

// Notification carries the structured data of an alert. Rendering into a
// subject and body is left to the Notifier.
type Notification struct {
	Kind Kind

	StaleWaiting   []int64
	StaleExecuting []int64
	ExtremeWaiting []int64
	MaxTimeWait    time.Duration
	MaxTimeExecute time.Duration
	ExtremeWait    time.Duration

	MemoryUsageBytes     uint64
	MemoryThresholdBytes uint64
	PreviousPeakBytes    uint64
}

// Notifier sends a notification to operators
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

var bodyTemplate = template.Must(template.New("body").Funcs(template.FuncMap{
	"ids": joinIDs,
	"mb":  func(b uint64) uint64 { return b / (1024 * 1024) },
}).Parse(`{{- if eq .Kind "memory" -}}
Worker memory usage is {{mb .MemoryUsageBytes}} MB (threshold {{mb .MemoryThresholdBytes}} MB, previous peak {{mb .PreviousPeakBytes}} MB).
{{- else -}}
{{- if .ExtremeWaiting}}
{{len .ExtremeWaiting}} job(s) queued for more than {{.ExtremeWait}}. The consumer fleet may be down.
  ids: {{ids .ExtremeWaiting}}
{{end}}
{{- if .StaleWaiting}}
{{len .StaleWaiting}} job(s) waiting longer than {{.MaxTimeWait}}.
  ids: {{ids .StaleWaiting}}
{{end}}
{{- if .StaleExecuting}}
{{len .StaleExecuting}} job(s) running longer than {{.MaxTimeExecute}}.
  ids: {{ids .StaleExecuting}}
{{end}}
{{- end}}
`))

// Subject returns the plain default subject line for n
func Subject(n Notification) string {
	switch n.Kind {
	case KindMemory:
		return "jobserver: worker memory warning"
	default:
		if len(n.ExtremeWaiting) > 0 {
			return "jobserver: jobs waiting too long, consumers may be down"
		}
		return "jobserver: stale jobs detected"
	}
}

// Render produces the plain-text body of n
func Render(n Notification) (string, error) {
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("failed to render notification: %w", err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}

// LogNotifier writes notifications to the logger. Used when no admin
// address is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, notification Notification) error {
	body, err := Render(notification)
	if err != nil {
		return err
	}

	n.logger.Warn(Subject(notification),
		slog.String("kind", string(notification.Kind)),
		slog.String("body", body),
	)
	return nil
}

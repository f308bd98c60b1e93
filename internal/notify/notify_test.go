package notify

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		n        Notification
		contains []string
		excludes []string
	}{
		{
			name: "stale jobs",
			n: Notification{
				Kind:           KindStaleJobs,
				StaleWaiting:   []int64{3, 4},
				StaleExecuting: []int64{9},
				MaxTimeWait:    10 * time.Minute,
				MaxTimeExecute: 30 * time.Minute,
			},
			contains: []string{
				"2 job(s) waiting longer than 10m0s.",
				"ids: 3, 4",
				"1 job(s) running longer than 30m0s.",
				"ids: 9",
			},
			excludes: []string{"consumer fleet"},
		},
		{
			name: "extreme wait",
			n: Notification{
				Kind:           KindStaleJobs,
				ExtremeWaiting: []int64{1},
				ExtremeWait:    4 * time.Hour,
			},
			contains: []string{"queued for more than 4h0m0s", "consumer fleet may be down", "ids: 1"},
			excludes: []string{"running longer"},
		},
		{
			name: "memory",
			n: Notification{
				Kind:                 KindMemory,
				MemoryUsageBytes:     1200 << 20,
				MemoryThresholdBytes: 1024 << 20,
				PreviousPeakBytes:    1100 << 20,
			},
			contains: []string{"1200 MB", "threshold 1024 MB", "previous peak 1100 MB"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Render(tt.n)
			require.NoError(t, err)

			for _, s := range tt.contains {
				assert.Contains(t, body, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, body, s)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "jobserver: worker memory warning", Subject(Notification{Kind: KindMemory}))
	assert.Equal(t, "jobserver: stale jobs detected", Subject(Notification{Kind: KindStaleJobs, StaleWaiting: []int64{1}}))
	assert.Contains(t, Subject(Notification{Kind: KindStaleJobs, ExtremeWaiting: []int64{1}}), "consumers may be down")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	notifier := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := notifier.Notify(context.Background(), Notification{Kind: KindStaleJobs, StaleWaiting: []int64{42}})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"kind":"stale_jobs"`)
	assert.Contains(t, buf.String(), "ids: 42")
}

func TestNewMailNotifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	_, err := NewMailNotifier(MailConfig{Host: "localhost"}, logger)
	assert.Error(t, err, "recipient is required")

	_, err = NewMailNotifier(MailConfig{To: "ops@example.com"}, logger)
	assert.Error(t, err, "host is required")

	n, err := NewMailNotifier(MailConfig{Host: "localhost", To: "ops@example.com"}, logger)
	require.NoError(t, err)
	assert.Equal(t, 25, n.config.Port)
	assert.Equal(t, "ops@example.com", n.config.From)
}

func TestMailNotifier_Message(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	n, err := NewMailNotifier(MailConfig{Host: "localhost", To: "ops@example.com", From: "jobs@example.com"}, logger)
	require.NoError(t, err)

	m, err := n.Message(Notification{Kind: KindStaleJobs, StaleExecuting: []int64{7}, MaxTimeExecute: time.Minute})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.String()
	assert.Contains(t, raw, "Subject: jobserver: stale jobs detected")
	assert.Contains(t, raw, "ops@example.com")
	assert.Contains(t, raw, "ids: 7")
}

func TestMailNotifier_UnreachableHost(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	n, err := NewMailNotifier(MailConfig{Host: "localhost", Port: 19999, To: "ops@example.com"}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = n.Notify(ctx, Notification{Kind: KindMemory})
	assert.Error(t, err)
}

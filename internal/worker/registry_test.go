package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{EchoKind, SleepKind}, r.Kinds())

	h, err := r.Lookup(EchoKind)
	require.NoError(t, err)
	out, err := h.Execute(context.Background(), 1, json.RawMessage(`{"a":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":true}`, string(out))

	_, err = r.Lookup("Missing")
	assert.True(t, errors.Is(err, jobs.ErrUnknownWorker))
}

func TestSleep(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "short sleep", payload: `{"seconds":0.01}`},
		{name: "zero", payload: `{"seconds":0}`},
		{name: "negative", payload: `{"seconds":-1}`, wantErr: true},
		{name: "wrong type", payload: `{"seconds":"x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Sleep(context.Background(), 1, json.RawMessage(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, string(out), "slept_seconds")
		})
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Sleep(ctx, 1, json.RawMessage(`{"seconds":5}`))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

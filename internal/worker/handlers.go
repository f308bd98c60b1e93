package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Built-in worker kinds
const (
	EchoKind  = "Echo"
	SleepKind = "Sleep"
)

// Echo returns its payload as the job result
func Echo(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

type sleepPayload struct {
	Seconds float64 `json:"seconds"`
}

// Sleep waits for {"seconds": n} and reports how long it slept
func Sleep(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
	var p sleepPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid sleep payload: %w", err)
	}
	if p.Seconds < 0 {
		return nil, fmt.Errorf("invalid sleep payload: negative seconds")
	}

	d := time.Duration(p.Seconds * float64(time.Second))
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}

	return json.Marshal(map[string]float64{"slept_seconds": p.Seconds})
}

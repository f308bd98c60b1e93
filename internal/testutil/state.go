package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuongbtq/jobserver/internal/notify"
)

// MemoryState is a key/value state store holding JSON documents
type MemoryState struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryState creates an empty state store
func NewMemoryState() *MemoryState {
	return &MemoryState{values: make(map[string][]byte)}
}

func (s *MemoryState) Load(ctx context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (s *MemoryState) Save(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = raw
	return nil
}

// RecordingNotifier keeps every notification it receives
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification

	// Err, when set, is returned by Notify after recording
	Err error
}

func (n *RecordingNotifier) Notify(ctx context.Context, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.Err
}

// Sent returns the recorded notifications
func (n *RecordingNotifier) Sent() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}

package rabbitmq

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// QueueNameFile is the state file holding the deployment queue name
const QueueNameFile = "queue_name"

// LoadOrCreateQueueName returns the queue name stored in stateDir, generating
// and persisting a new one on first use. Every producer and consumer of a
// deployment reads the same file, so they agree on the queue across restarts.
func LoadOrCreateQueueName(stateDir, prefix string) (string, error) {
	path := filepath.Join(stateDir, QueueNameFile)

	name, err := readQueueName(path)
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	name = prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	// The file appears fully written or not at all: link a complete
	// temp file into place, which fails if another process got there first
	tmp, err := os.CreateTemp(stateDir, "."+QueueNameFile+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create queue name file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(name + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write queue name file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write queue name file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write queue name file: %w", err)
	}

	err = os.Link(tmp.Name(), path)
	if errors.Is(err, fs.ErrExist) {
		// Another process won the race
		return readQueueName(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to publish queue name file: %w", err)
	}

	return name, nil
}

func readQueueName(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf("queue name file %s is empty", path)
	}

	return name, nil
}

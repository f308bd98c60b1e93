package jobs

import (
	"encoding/json"
	"fmt"
)

// Message is the broker representation of a queued job
type Message struct {
	JobID      int64           `json:"job_id"`
	WorkerKind string          `json:"worker_kind"`
	Payload    json.RawMessage `json:"payload"`
	Attributes Attributes      `json:"attributes"`
}

// NewMessage builds the broker message for job
func NewMessage(job *Job) Message {
	return Message{
		JobID:      job.ID,
		WorkerKind: job.WorkerKind,
		Payload:    job.Payload,
		Attributes: job.Attributes,
	}
}

// Encode serializes the message body
func (m Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode message for job %d: %v", ErrSerialization, m.JobID, err)
	}
	return body, nil
}

// DecodeMessage parses a delivery body. A body that is not JSON or misses
// one of the required keys is an ErrSerialization.
func DecodeMessage(body []byte) (*Message, error) {
	var raw struct {
		JobID      *int64          `json:"job_id"`
		WorkerKind string          `json:"worker_kind"`
		Payload    json.RawMessage `json:"payload"`
		Attributes *Attributes     `json:"attributes"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to decode message: %v", ErrSerialization, err)
	}

	if raw.JobID == nil || raw.WorkerKind == "" || raw.Payload == nil || raw.Attributes == nil {
		return nil, fmt.Errorf("%w: message is missing job_id, worker_kind, payload or attributes", ErrSerialization)
	}

	return &Message{
		JobID:      *raw.JobID,
		WorkerKind: raw.WorkerKind,
		Payload:    raw.Payload,
		Attributes: *raw.Attributes,
	}, nil
}

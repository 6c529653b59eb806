// Package journal records dispatch outcomes as newline-delimited JSON, one
// event per line, for audit trails over the publish pipeline.
package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vouch-labs/vouch-go/internal/domain"
)

// Action classifies a journal event.
type Action string

const (
	ActionStored    Action = "stored"
	ActionDelivered Action = "delivered"
	ActionQueued    Action = "queued"
	ActionRetried   Action = "retried"
	ActionAbandoned Action = "abandoned"
	ActionRejected  Action = "rejected"
)

// Event is one journal line.
type Event struct {
	OccurredAt time.Time          `json:"occurred_at"`
	Action     Action             `json:"action"`
	Hash       domain.ContentHash `json:"hash"`
	Attempts   int                `json:"attempts,omitempty"`
	Detail     string             `json:"detail,omitempty"`
}

// Journal serializes events to a writer. Record is safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	now    func() time.Time
}

// New writes events to w.
func New(w io.Writer) *Journal {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Journal{enc: enc, now: time.Now}
}

// Open appends events to the file at path, creating it if needed.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j := New(f)
	j.closer = f
	return j, nil
}

// Record appends one event, stamping the time if unset.
func (j *Journal) Record(event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = j.now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(event)
}

// Close releases the underlying file, when Open created one.
func (j *Journal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

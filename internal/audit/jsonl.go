package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/n-kumar7/sqlagent/internal/shared"
)

type jsonlLine struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Record    any    `json:"record"`
}

// JSONL appends one JSON object per record to <dir>/audit.jsonl.
// Generated records are fsynced before RecordGenerated returns, so a
// statement is on disk before it can be enqueued.
type JSONL struct {
	mu    sync.Mutex
	file  *os.File
	fsync func(*os.File) error
}

func OpenJSONL(dir string) (*JSONL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONL{file: f, fsync: (*os.File).Sync}, nil
}

func (j *JSONL) write(kind string, rec any, durable bool) error {
	b, err := json.Marshal(jsonlLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      kind,
		Record:    rec,
	})
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", kind, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	if _, err := j.file.Write(append(b, '\n')); err != nil {
		return err
	}
	if durable {
		if err := j.fsync(j.file); err != nil {
			return fmt.Errorf("sync %s record: %w", kind, err)
		}
	}
	return nil
}

func (j *JSONL) RecordGenerated(_ context.Context, g Generated) error {
	return j.write("generated", g, true)
}

func (j *JSONL) RecordOutcome(_ context.Context, o Outcome) error {
	o.Error = shared.Redact(o.Error)
	return j.write("outcome", o, false)
}

func (j *JSONL) RecordDropped(_ context.Context, d Dropped) error {
	return j.write("dropped", d, false)
}

func (j *JSONL) RecordEvent(_ context.Context, e Event) error {
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	return j.write("event", e, false)
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

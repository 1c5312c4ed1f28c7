// Package audit keeps the append-only trail of repair attempts,
// reassignments, escalations and the other pool events. One JSON record
// per line; the file is the contract external log collectors consume.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kelden/warden/internal/storage/jsonl"
	"github.com/kelden/warden/pkg/types"
)

// Log is an append-only audit log backed by a JSONL file
type Log struct {
	appender *jsonl.Appender
}

// Open opens (creating if necessary) the audit log at path
func Open(path string) (*Log, error) {
	a, err := jsonl.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Log{appender: a}, nil
}

// Record appends one audit entry and returns it
func (l *Log) Record(event string, payload map[string]interface{}) (types.AuditEntry, error) {
	entry := types.AuditEntry{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Event:   event,
		Payload: payload,
	}
	if err := l.appender.Append(entry); err != nil {
		return entry, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry, nil
}

// Flush forces buffered entries to disk
func (l *Log) Flush() error {
	return l.appender.Flush()
}

// Close flushes and closes the log. Safe to call more than once.
func (l *Log) Close() error {
	return l.appender.Close()
}

// Path returns the backing file path
func (l *Log) Path() string {
	return l.appender.Path()
}

// Read loads every audit entry from a log file. A missing file yields an
// empty slice, matching a run with auditing disabled.
func Read(path string) ([]types.AuditEntry, error) {
	var entries []types.AuditEntry
	err := jsonl.Read(path, func(line []byte) error {
		var e types.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

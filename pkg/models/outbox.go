package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// SyncAction is the kind of write recorded in the outbox.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

func ParseSyncAction(s string) (SyncAction, error) {
	switch a := SyncAction(s); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("invalid sync action %q", s)
}

// OutboxEntry is one queued local write.
//
// Entries are append-only. The drain flips Synced after the remote
// acknowledged the replay; rows are never deleted so the outbox doubles as an
// audit trail.
type OutboxEntry struct {
	Sequence  int64      `json:"sequence"`
	TableName string     `json:"table_name"`
	RecordID  string     `json:"record_id"`
	Action    SyncAction `json:"action"`
	Data      string     `json:"data"`
	Synced    bool       `json:"synced"`
	CreatedAt time.Time  `json:"-"`
	SyncedAt  *time.Time `json:"-"`
}

// NewOutboxEntry snapshots the given fields into an unsynced entry.
// Delete entries carry an empty object.
func NewOutboxEntry(table, recordID string, action SyncAction, fields Record) (*OutboxEntry, error) {
	if fields == nil {
		fields = Record{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s/%s snapshot: %w", table, recordID, err)
	}
	return &OutboxEntry{
		TableName: table,
		RecordID:  recordID,
		Action:    action,
		Data:      string(data),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Payload decodes the serialized field snapshot.
func (e *OutboxEntry) Payload() (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(e.Data), &r); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("snapshot is not an object")
	}
	return r, nil
}

// OutboxStats summarizes the outbox table.
type OutboxStats struct {
	Total         int64      `json:"total"`
	Pending       int64      `json:"pending"`
	Synced        int64      `json:"synced"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

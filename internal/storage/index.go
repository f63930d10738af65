package storage

import (
	"context"
	"encoding/json"
)

// SessionMeta is the lightweight record kept in the sessions index: enough
// to list and resume a session without replaying its full event log.
type SessionMeta struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectID"`
	Directory string `json:"directory"`
	ParentID  string `json:"parentID,omitempty"`
	Title     string `json:"title"`
	Created   int64  `json:"created"`
	Updated   int64  `json:"updated"`
}

// SessionIndex tracks known sessions per project, backed by the regular
// atomic JSON Storage so listing never needs to touch every session's event
// log (spec §6: "a companion index file lists known sessions per project,
// updated atomically").
type SessionIndex struct {
	store *Storage
}

// NewSessionIndex wraps an existing Storage instance.
func NewSessionIndex(store *Storage) *SessionIndex {
	return &SessionIndex{store: store}
}

// Put records or updates a session's metadata.
func (idx *SessionIndex) Put(ctx context.Context, meta SessionMeta) error {
	return idx.store.Put(ctx, []string{"session-index", meta.ProjectID, meta.ID}, meta)
}

// List returns every known session for a project.
func (idx *SessionIndex) List(ctx context.Context, projectID string) ([]SessionMeta, error) {
	var metas []SessionMeta
	err := idx.store.Scan(ctx, []string{"session-index", projectID}, func(_ string, data json.RawMessage) error {
		var m SessionMeta
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		metas = append(metas, m)
		return nil
	})
	return metas, err
}

// Delete removes a session from the index.
func (idx *SessionIndex) Delete(ctx context.Context, projectID, sessionID string) error {
	return idx.store.Delete(ctx, []string{"session-index", projectID, sessionID})
}

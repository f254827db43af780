// Package snapshot keeps the set of published workflows in Redis so a
// restarted manager can register them again.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"workflow-manager/internal/common/database"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/workflow"
)

const hashKey = "workflows"

type record struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Store implements workflow.EventSink on a Redis hash keyed by workflow name.
type Store struct {
	redis  *database.RedisClient
	logger logger.Logger
}

func NewStore(redis *database.RedisClient, log logger.Logger) *Store {
	return &Store{
		redis:  redis,
		logger: log.WithFields(map[string]interface{}{"component": "snapshot"}),
	}
}

// Record adds published workflows and drops unregistered ones. Failed
// registrations leave the snapshot untouched.
func (s *Store) Record(ctx context.Context, ev workflow.Event) error {
	switch {
	case ev.Type == workflow.EventRegistered && ev.StatusCode == http.StatusOK:
		data, err := json.Marshal(record{Name: ev.Workflow, URL: storeURL(ev.URL)})
		if err != nil {
			return err
		}
		if err := s.redis.HSet(ctx, s.redis.Key(hashKey), ev.Workflow, data); err != nil {
			return fmt.Errorf("snapshot %s: %w", ev.Workflow, err)
		}
	case ev.Type == workflow.EventUnregistered:
		if err := s.redis.HDel(ctx, s.redis.Key(hashKey), ev.Workflow); err != nil {
			return fmt.Errorf("drop snapshot %s: %w", ev.Workflow, err)
		}
	}
	return nil
}

// Entries returns the snapshotted workflows sorted by name. Unreadable
// records are logged and skipped.
func (s *Store) Entries(ctx context.Context) ([]workflow.Entry, error) {
	fields, err := s.redis.HGetAll(ctx, s.redis.Key(hashKey))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	entries := make([]workflow.Entry, 0, len(fields))
	for name, raw := range fields {
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil || r.URL == "" {
			s.logger.Warn("skipping unreadable snapshot record", map[string]interface{}{"workflow": name})
			continue
		}
		entries = append(entries, workflow.Entry{Name: name, URL: r.URL, Synchronous: true})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// storeURL maps a remote package onto the file the download left in the
// workflow store.
func storeURL(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return path.Base(strings.SplitN(url, "?", 2)[0])
	}
	return url
}

// Package learning implements the append-only project-knowledge store
// (SPEC_FULL.md §6.1 add_learning/learnings): entries are immutable once
// written, TTL'd, and indexed both per-project (timestamp order) and
// per-job (insertion order).
//
// Grounded on internal/approval's record-plus-index persistence shape,
// adapted from a mutable CAS-gated record to a strictly append-only one —
// there is no update or delete path here, only writes and reads.
package learning

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jobrelay/dispatch/internal/store"
)

const (
	maxLearningChars = 1024
	maxTags          = 10
)

var (
	// ErrLearningTooLong is returned when a learning entry's body exceeds
	// maxLearningChars.
	ErrLearningTooLong = errors.New("learning text exceeds maximum length")
	// ErrTooManyTags is returned when more than maxTags tags are supplied.
	ErrTooManyTags = errors.New("too many tags")
	// ErrMissingScope is returned when neither ProjectID nor JobID is
	// supplied to List.
	ErrMissingScope = errors.New("one of projectId or jobId is required")
)

// Entry is a durable, append-only learning record.
type Entry struct {
	ID            string    `json:"id"`
	JobID         string    `json:"jobId"`
	PreviousJobID string    `json:"previousJobId,omitempty"`
	ProjectID     string    `json:"projectId"`
	Phase         string    `json:"phase,omitempty"`
	AgentID       string    `json:"agentId"`
	Learning      string    `json:"learning"`
	Tags          []string  `json:"tags,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func entryKey(id string) string {
	return store.PrefixLearning + id
}

func projectIndexKey(projectID string) string {
	return store.PrefixLearnings + projectID
}

func jobIndexKey(jobID string) string {
	return store.PrefixLearningJob + jobID
}

// Store persists and queries learning entries.
type Store struct {
	store *store.Store
	ttl   time.Duration
}

// New constructs a learning Store with the given entry TTL.
func New(s *store.Store, ttl time.Duration) *Store {
	return &Store{store: s, ttl: ttl}
}

// AddParams describes a new learning entry.
type AddParams struct {
	ProjectID     string
	JobID         string
	PreviousJobID string
	AgentID       string
	Phase         string
	Learning      string
	Tags          []string
}

// Add records a new learning entry. Callers are responsible for enforcing
// that only system agents may call this (SPEC_FULL.md §6.1).
func (s *Store) Add(ctx context.Context, params AddParams) (*Entry, error) {
	if len(params.Learning) > maxLearningChars {
		return nil, ErrLearningTooLong
	}
	if len(params.Tags) > maxTags {
		return nil, ErrTooManyTags
	}

	entry := &Entry{
		ID:            uuid.NewString(),
		JobID:         params.JobID,
		PreviousJobID: params.PreviousJobID,
		ProjectID:     params.ProjectID,
		Phase:         params.Phase,
		AgentID:       params.AgentID,
		Learning:      params.Learning,
		Tags:          params.Tags,
		Timestamp:     time.Now(),
	}

	if err := s.store.SetJSON(ctx, entryKey(entry.ID), entry, s.ttl); err != nil {
		return nil, errors.Wrap(err, "failed to persist learning entry")
	}
	if entry.ProjectID != "" {
		if err := s.store.ZAdd(ctx, projectIndexKey(entry.ProjectID), float64(entry.Timestamp.UnixNano()), entry.ID); err != nil {
			return nil, errors.Wrap(err, "failed to index learning entry by project")
		}
	}
	if entry.JobID != "" {
		if err := s.store.LPush(ctx, jobIndexKey(entry.JobID), entry.ID); err != nil {
			return nil, errors.Wrap(err, "failed to index learning entry by job")
		}
	}

	return entry, nil
}

// ListParams scopes a learnings query. Exactly one of ProjectID or JobID
// must be set.
type ListParams struct {
	ProjectID string
	JobID     string
	Tags      []string
	Limit     int
}

// List returns learning entries matching params, newest first.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Entry, error) {
	if params.ProjectID == "" && params.JobID == "" {
		return nil, ErrMissingScope
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var ids []string
	var err error
	if params.ProjectID != "" {
		ids, err = s.store.ZRangeByScore(ctx, projectIndexKey(params.ProjectID), "-inf", "+inf")
		if err != nil {
			return nil, err
		}
		reverse(ids)
	} else {
		ids, err = s.store.LRange(ctx, jobIndexKey(params.JobID), 0, -1)
		if err != nil {
			return nil, err
		}
	}

	var entries []*Entry
	for _, id := range ids {
		var entry Entry
		found, err := s.store.GetJSON(ctx, entryKey(id), &entry)
		if err != nil || !found {
			continue
		}
		if len(params.Tags) > 0 && !hasAnyTag(entry.Tags, params.Tags) {
			continue
		}
		entries = append(entries, &entry)
		if len(entries) >= limit {
			break
		}
	}

	return entries, nil
}

func hasAnyTag(entryTags, filter []string) bool {
	set := make(map[string]struct{}, len(entryTags))
	for _, t := range entryTags {
		set[t] = struct{}{}
	}
	for _, t := range filter {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func reverse(ids []string) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}

// Package query implements the dispatcher-facing read operations
// (SPEC_FULL.md §6.1): status, list, activity, add_learning, learnings.
// Every operation here is authorization-filtered per internal/authz
// before a record ever reaches the caller.
//
// Grounded on internal/tracker's HKeys-scan pattern (GetQueueStats,
// CountActiveChildren), generalized into a single filtered-listing method
// and a per-agent activity rollup.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/jobrelay/dispatch/internal/authz"
	"github.com/jobrelay/dispatch/internal/learning"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/resultstatus"
	"github.com/jobrelay/dispatch/internal/tracker"
)

// ErrForbidden is returned when caller lacks authorization to view a job.
var ErrForbidden = errors.New("caller is not authorized to view this job")

// Service answers the dispatcher-facing read operations.
type Service struct {
	tracker  *tracker.Tracker
	identity *authz.Identity
	learning *learning.Store
}

// New constructs a query Service.
func New(t *tracker.Tracker, identity *authz.Identity, learnings *learning.Store) *Service {
	return &Service{tracker: t, identity: identity, learning: learnings}
}

// JobView is a job record projected for an external caller.
type JobView struct {
	JobID                  string       `json:"jobId"`
	Target                 string       `json:"target"`
	Task                   string       `json:"task"`
	DispatchedBy           string       `json:"dispatchedBy"`
	Project                string       `json:"project,omitempty"`
	Label                  string       `json:"label,omitempty"`
	Status                 queue.Status `json:"status"`
	QueuedAt               time.Time    `json:"queuedAt"`
	StartedAt              *time.Time   `json:"startedAt,omitempty"`
	CompletedAt            *time.Time   `json:"completedAt,omitempty"`
	Result                 string       `json:"result,omitempty"`
	Error                  string       `json:"error,omitempty"`
	RetryCount             int          `json:"retryCount,omitempty"`
	WaitingForDependencies bool         `json:"waitingForDependencies,omitempty"`
}

func project(record *queue.Record) *JobView {
	return &JobView{
		JobID:        record.JobID,
		Target:       record.Target,
		Task:         record.Task,
		DispatchedBy: record.DispatchedBy,
		Project:      record.Project,
		Label:        record.Label,
		Status:       record.Status,
		QueuedAt:     record.QueuedAt,
		StartedAt:    record.StartedAt,
		CompletedAt:  record.CompletedAt,
		Result:       record.Result,
		Error:        record.Error,
		RetryCount:   record.RetryCount,
	}
}

// Status resolves jobID to an authorized JobView for caller.
func (s *Service) Status(ctx context.Context, caller, jobID string) (*JobView, error) {
	record, _, err := s.tracker.FindJobByRunID(ctx, jobID)
	if err != nil {
		if errors.Is(err, tracker.ErrJobNotFound) {
			return nil, resultstatus.Wrap(resultstatus.StatusNotFound, err)
		}
		return nil, resultstatus.Wrap(resultstatus.StatusError, err)
	}
	if !s.identity.CanView(caller, record.DispatchedBy, record.Target) {
		return nil, resultstatus.Wrap(resultstatus.StatusForbidden, ErrForbidden)
	}

	view := project(record)
	if !record.Status.Terminal() && record.Status != queue.StatusActive && record.Status != queue.StatusAnnouncing {
		waiting, err := s.tracker.WaitingForDependencies(ctx, jobID)
		if err != nil {
			return nil, resultstatus.Wrap(resultstatus.StatusError, err)
		}
		view.WaitingForDependencies = waiting
	}
	return view, nil
}

// ListParams scopes a list query.
type ListParams struct {
	Agent   string
	Status  queue.Status
	Project string
	Limit   int
}

// ListResult is the list operation's result envelope.
type ListResult struct {
	Jobs  []*JobView `json:"jobs"`
	Count int        `json:"count"`
	Limit int        `json:"limit"`
}

// List returns jobs matching params, newest first, filtered to those
// caller is authorized to view.
func (s *Service) List(ctx context.Context, caller string, params ListParams) (*ListResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	records, err := s.tracker.ListJobs(ctx, tracker.ListFilter{
		Agent:   params.Agent,
		Status:  params.Status,
		Project: params.Project,
		// Over-fetch before the authorization filter narrows further, so a
		// caller restricted to their own jobs still gets a full page.
		Limit: limit * 4,
	})
	if err != nil {
		return nil, resultstatus.Wrap(resultstatus.StatusError, err)
	}

	views := make([]*JobView, 0, limit)
	for _, record := range records {
		if !s.identity.CanView(caller, record.DispatchedBy, record.Target) {
			continue
		}
		views = append(views, project(record))
		if len(views) >= limit {
			break
		}
	}

	return &ListResult{Jobs: views, Count: len(views), Limit: limit}, nil
}

// AgentActivity summarizes a single agent's current workload.
type AgentActivity struct {
	Status         string  `json:"status"`
	Pending        int     `json:"pending"`
	Active         int     `json:"active"`
	CompletedTotal int     `json:"completedTotal"`
	FailedTotal    int     `json:"failedTotal"`
	Job            *string `json:"job,omitempty"`
	Since          *string `json:"since,omitempty"`
}

// ActivityResult is the activity operation's result envelope.
type ActivityResult struct {
	Agents  map[string]AgentActivity `json:"agents"`
	Summary string                   `json:"summary"`
}

// Activity rolls up per-agent queue stats into a workforce snapshot.
func (s *Service) Activity(ctx context.Context) (*ActivityResult, error) {
	stats, err := s.tracker.GetQueueStats(ctx, "")
	if err != nil {
		return nil, resultstatus.Wrap(resultstatus.StatusError, err)
	}

	agents := make(map[string]AgentActivity, len(stats))
	working, idle := 0, 0
	for queueName, stat := range stats {
		agentID := queue.AgentFromQueueName(queueName)
		activity := AgentActivity{
			Pending:        stat.Waiting + stat.Delayed,
			Active:         stat.Active,
			CompletedTotal: stat.Completed,
			FailedTotal:    stat.Failed,
		}
		if stat.Active > 0 {
			activity.Status = "working"
			working++
			if runningJob, err := s.currentJob(ctx, agentID); err == nil && runningJob != nil {
				jobID := runningJob.JobID
				activity.Job = &jobID
				if runningJob.StartedAt != nil {
					since := runningJob.StartedAt.Format(time.RFC3339)
					activity.Since = &since
				}
			}
		} else {
			activity.Status = "idle"
			idle++
		}
		agents[agentID] = activity
	}

	summary := summarize(working, idle)
	return &ActivityResult{Agents: agents, Summary: summary}, nil
}

func (s *Service) currentJob(ctx context.Context, agentID string) (*queue.Record, error) {
	records, err := s.tracker.ListJobs(ctx, tracker.ListFilter{Agent: agentID, Status: queue.StatusActive, Limit: 1})
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func summarize(working, idle int) string {
	total := working + idle
	if total == 0 {
		return "no known agents"
	}
	if working == 0 {
		return "all agents idle"
	}
	return fmt.Sprintf("%d of %d agents working", working, total)
}

// AddLearningParams describes a new learning entry request.
type AddLearningParams struct {
	ProjectID     string
	JobID         string
	PreviousJobID string
	Learning      string
	Tags          []string
}

// AddLearningResult is the add_learning operation's result envelope.
type AddLearningResult struct {
	Status    string   `json:"status"`
	ID        string   `json:"id"`
	ProjectID string   `json:"projectId"`
	JobID     string   `json:"jobId"`
	Tags      []string `json:"tags,omitempty"`
}

// ErrSystemAgentRequired is returned when a non-system agent calls
// AddLearning.
var ErrSystemAgentRequired = errors.New("add_learning is restricted to system agents")

// AddLearning records a new learning entry on caller's behalf. Only
// system agents may call this, per SPEC_FULL.md §6.1.
func (s *Service) AddLearning(ctx context.Context, caller string, params AddLearningParams) (*AddLearningResult, error) {
	if !s.identity.IsSystemAgent(caller) {
		return nil, resultstatus.Wrap(resultstatus.StatusUnauthorized, ErrSystemAgentRequired)
	}

	entry, err := s.learning.Add(ctx, learning.AddParams{
		ProjectID:     params.ProjectID,
		JobID:         params.JobID,
		PreviousJobID: params.PreviousJobID,
		AgentID:       caller,
		Learning:      params.Learning,
		Tags:          params.Tags,
	})
	if err != nil {
		return nil, resultstatus.Wrap(resultstatus.StatusError, err)
	}

	return &AddLearningResult{Status: "ok", ID: entry.ID, ProjectID: entry.ProjectID, JobID: entry.JobID, Tags: entry.Tags}, nil
}

// LearningsParams scopes a learnings query.
type LearningsParams struct {
	ProjectID string
	JobID     string
	Tags      []string
	Limit     int
}

// Learnings returns learning entries matching params, newest first.
func (s *Service) Learnings(ctx context.Context, params LearningsParams) ([]*learning.Entry, error) {
	entries, err := s.learning.List(ctx, learning.ListParams{
		ProjectID: params.ProjectID,
		JobID:     params.JobID,
		Tags:      params.Tags,
		Limit:     params.Limit,
	})
	if err != nil {
		return nil, resultstatus.Wrap(resultstatus.StatusError, err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

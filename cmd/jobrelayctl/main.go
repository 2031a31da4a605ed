// Command jobrelayctl is the operator CLI for inspecting and nudging the
// job queue directly against the shared-state store, bypassing the
// dispatch/approval gates a live agent would otherwise go through
// (SPEC_FULL.md §6.2).
//
// No CLI framework (cobra, urfave-cli, kingpin) is imported anywhere in
// the retrieval pack, and the teacher has no standalone CLI binary to
// ground a flag shape against — it is a Mattermost plugin invoked via
// slash commands. This is therefore built on the standard library's flag
// package with conventional Go subcommand dispatch.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
)

const connectTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	s, err := store.New(ctx, store.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		TLS:      cfg.RedisTLS,
	})
	if err != nil {
		fatal("failed to connect to store: %v", err)
	}
	defer s.Close()

	tr := tracker.New(s)

	var cmdErr error
	switch os.Args[1] {
	case "stats":
		cmdErr = runStats(context.Background(), tr, os.Args[2:])
	case "list":
		cmdErr = runList(context.Background(), tr, os.Args[2:])
	case "inspect":
		cmdErr = runInspect(context.Background(), tr, os.Args[2:])
	case "retry":
		cmdErr = runRetry(context.Background(), tr, os.Args[2:])
	case "drain":
		cmdErr = runDrain(context.Background(), tr, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if cmdErr != nil {
		fatal("%v", cmdErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: jobrelayctl <command> [flags]

commands:
  stats   [--agent X]
  list    [--agent X] [--status S] [--limit N]
  inspect <jobId>
  retry   <jobId>
  drain   <agent> --confirm`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runStats(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	agent := fs.String("agent", "", "limit to a single agent's queue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	stats, err := tr.GetQueueStats(ctx, *agent)
	if err != nil {
		return fmt.Errorf("failed to fetch queue stats: %w", err)
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-24s %8s %8s %8s %8s %8s\n", "QUEUE", "WAITING", "ACTIVE", "DELAYED", "DONE", "FAILED")
	for _, name := range names {
		s := stats[name]
		fmt.Printf("%-24s %8d %8d %8d %8d %8d\n", name, s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed)
	}
	return nil
}

func runList(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	agent := fs.String("agent", "", "limit to a single agent")
	status := fs.String("status", "", "limit to a single status")
	limit := fs.Int("limit", 20, "maximum rows to return")
	if err := fs.Parse(args); err != nil {
		return err
	}

	records, err := tr.ListJobs(ctx, tracker.ListFilter{
		Agent:  *agent,
		Status: queue.Status(*status),
		Limit:  *limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	fmt.Printf("%-36s %-14s %-10s %-20s %s\n", "JOB ID", "TARGET", "STATUS", "QUEUED AT", "TASK")
	for _, r := range records {
		task := r.Task
		if len(task) > 40 {
			task = task[:40] + "…"
		}
		fmt.Printf("%-36s %-14s %-10s %-20s %s\n", r.JobID, r.Target, r.Status, r.QueuedAt.Format(time.RFC3339), task)
	}
	return nil
}

func runInspect(ctx context.Context, tr *tracker.Tracker, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: jobrelayctl inspect <jobId>")
	}
	record, _, err := tr.FindJobByRunID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to find job %q: %w", args[0], err)
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

// runRetry re-enqueues a terminally-failed job immediately, independent
// of internal/lifecycle's agent-failure retry backoff — an operator
// override for a job nobody expects to self-heal.
func runRetry(ctx context.Context, tr *tracker.Tracker, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: jobrelayctl retry <jobId>")
	}
	jobID := args[0]

	record, _, err := tr.FindJobByRunID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to find job %q: %w", jobID, err)
	}
	if record.Status != queue.StatusFailed && record.Status != queue.StatusFailedPermanent {
		return fmt.Errorf("job %q is in status %q, not retryable", jobID, record.Status)
	}

	originalJobID := record.OriginalJobID
	if originalJobID == "" {
		originalJobID = record.JobID
	}

	retryRecord, err := tr.CreateJob(ctx, tracker.CreateParams{
		Target:               record.Target,
		Task:                 record.Task,
		DispatchedBy:         record.DispatchedBy,
		Project:              record.Project,
		Label:                record.Label,
		Model:                record.Model,
		ThinkingLevel:        record.ThinkingLevel,
		SystemPromptAddition: record.SystemPromptAddition,
		Cleanup:              record.Cleanup,
		Depth:                record.Depth,
		DispatcherSessionKey: record.DispatcherSessionKey,
		DispatcherAgentID:    record.DispatcherAgentID,
		DispatcherDepth:      record.DispatcherDepth,
		DispatcherOrigin:     record.DispatcherOrigin,
		TimeoutMs:            record.TimeoutMs,
		StoreResult:          record.StoreResult,
	})
	if err != nil {
		return fmt.Errorf("failed to create retry job: %w", err)
	}

	if _, err := tr.UpdateJobStatus(ctx, retryRecord.JobID, queue.StatusQueued, func(r *queue.Record) {
		r.OriginalJobID = originalJobID
		r.RetryCount = record.RetryCount + 1
	}); err != nil {
		return fmt.Errorf("failed to stamp retry job lineage: %w", err)
	}

	if _, err := tr.UpdateJobStatus(ctx, jobID, record.Status, func(r *queue.Record) {
		r.RetriedByJobID = retryRecord.JobID
	}); err != nil {
		return fmt.Errorf("failed to stamp original job with retriedByJobId: %w", err)
	}

	fmt.Printf("queued retry job %s for %s (original %s)\n", retryRecord.JobID, record.Target, jobID)
	return nil
}

// runDrain force-fails every still-queued job on an agent's queue,
// leaving already-active jobs to finish on their own. It never touches
// the underlying waiting sorted set directly: a worker's drainOnce
// already skips any job whose status has gone terminal by the time it is
// popped, so marking failed_permanent here is sufficient.
func runDrain(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	confirm := fs.Bool("confirm", false, "required to actually drain the queue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: jobrelayctl drain <agent> --confirm")
	}
	agent := fs.Arg(0)
	if !*confirm {
		return fmt.Errorf("refusing to drain %q without --confirm", agent)
	}

	records, err := tr.ListJobs(ctx, tracker.ListFilter{Agent: agent, Status: queue.StatusQueued, Limit: 100})
	if err != nil {
		return fmt.Errorf("failed to list queued jobs for %q: %w", agent, err)
	}

	drained := 0
	for _, record := range records {
		if _, err := tr.UpdateJobStatus(ctx, record.JobID, queue.StatusFailedPermanent, func(r *queue.Record) {
			r.Error = "drained by operator via jobrelayctl"
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to drain job %s: %v\n", record.JobID, err)
			continue
		}
		drained++
	}

	fmt.Printf("drained %d queued job(s) for %q\n", drained, agent)
	return nil
}

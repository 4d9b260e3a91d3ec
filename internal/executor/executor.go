// Package executor runs batches of transfers one at a time and records each
// outcome in the queue.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go-remote-download/internal/agent"
	"go-remote-download/internal/helpers"
	"go-remote-download/internal/metrics"
	"go-remote-download/internal/models"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"
)

var (
	ErrDestinationUnavailable = errors.New("destination unavailable")
	ErrInterrupted            = errors.New("batch interrupted")
)

// StatusUpdater records terminal queue states. *database.Store satisfies it.
type StatusUpdater interface {
	MarkCompleted(ctx context.Context, id int64, finalPath string) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// Options controls destination handling and progress reporting.
type Options struct {
	CreateDestinations bool
	MinFreeBytes       uint64 // Headroom required beyond the file size

	// OnStart and OnDone, if set, are called around each job.
	OnStart func(index, total int, job models.TransferJob)
	OnDone  func(index, total int, outcome models.TransferOutcome, ok bool)
}

// Executor is the batch transfer executor.
type Executor struct {
	agent     agent.Agent
	status    StatusUpdater
	opts      Options
	freeSpace func(path string) (uint64, error)
	now       func() time.Time
}

// New creates an executor. status may be nil when only ad-hoc jobs are run.
func New(a agent.Agent, status StatusUpdater, opts Options) *Executor {
	return &Executor{
		agent:     a,
		status:    status,
		opts:      opts,
		freeSpace: diskFree,
		now:       time.Now,
	}
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Run processes jobs strictly in order. A failing job is recorded and the
// batch moves on. If ctx is cancelled the job in flight and everything after
// it is returned in Pending and left queued.
func (e *Executor) Run(ctx context.Context, jobs []models.TransferJob, defaultDestination string) models.BatchResult {
	start := e.now()
	result := models.BatchResult{ID: uuid.NewString()}
	logger := log.WithField("batch", result.ID)
	logger.Infof("Starting batch of %d transfer(s)", len(jobs))

	// Status writes must land even if the batch is being cancelled.
	recordCtx := context.WithoutCancel(ctx)

	for i, job := range jobs {
		if ctx.Err() != nil {
			result.Interrupted = true
			result.Pending = append(result.Pending, jobs[i:]...)
			break
		}
		if e.opts.OnStart != nil {
			e.opts.OnStart(i, len(jobs), job)
		}

		outcome, ok := e.runOne(ctx, job, defaultDestination)
		if !ok && ctx.Err() != nil && errors.Is(outcome.Err, ctx.Err()) {
			logger.WithField("path", job.Entry.Path).Warn("Transfer interrupted, leaving it queued")
			result.Interrupted = true
			result.Pending = append(result.Pending, jobs[i:]...)
			break
		}

		if ok {
			result.Succeeded = append(result.Succeeded, outcome)
			if job.QueueItemID != 0 && e.status != nil {
				if err := e.status.MarkCompleted(recordCtx, job.QueueItemID, outcome.FinalPath); err != nil {
					logger.WithError(err).Warnf("Downloaded %s but failed to mark queue item %d completed", job.Entry.Path, job.QueueItemID)
				}
			}
		} else {
			result.Failed = append(result.Failed, outcome)
			if job.QueueItemID != 0 && e.status != nil {
				if err := e.status.MarkFailed(recordCtx, job.QueueItemID, outcome.Reason); err != nil {
					logger.WithError(err).Warnf("Failed to mark queue item %d failed", job.QueueItemID)
				}
			}
		}
		metrics.RecordTransfer(job.Entry.SizeOrZero(), ok)

		if e.opts.OnDone != nil {
			e.opts.OnDone(i, len(jobs), outcome, ok)
		}
	}

	result.Duration = e.now().Sub(start)
	metrics.RecordBatch(result.Duration)
	logger.WithFields(log.Fields{
		"succeeded":   len(result.Succeeded),
		"failed":      len(result.Failed),
		"pending":     len(result.Pending),
		"interrupted": result.Interrupted,
	}).Infof("Batch finished in %v", result.Duration.Round(time.Millisecond))
	return result
}

func (e *Executor) runOne(ctx context.Context, job models.TransferJob, defaultDestination string) (models.TransferOutcome, bool) {
	outcome := models.TransferOutcome{Job: job}
	fail := func(err error) (models.TransferOutcome, bool) {
		outcome.Err = err
		outcome.Reason = err.Error()
		log.WithError(err).WithField("path", job.Entry.Path).Error("Transfer failed")
		return outcome, false
	}

	if job.Entry.IsDir() {
		return fail(fmt.Errorf("%w: %s", agent.ErrNotAFile, job.Entry.Path))
	}

	dest, err := e.prepareDestination(job, defaultDestination)
	if err != nil {
		return fail(err)
	}

	startTime := e.now()
	finalPath, err := e.agent.Copy(ctx, job.Entry.Path, dest)
	if err != nil {
		return fail(err)
	}
	outcome.FinalPath = finalPath
	log.WithField("path", job.Entry.Path).Infof("Downloaded to %s in %v", finalPath, e.now().Sub(startTime).Round(time.Millisecond))
	return outcome, true
}

// prepareDestination resolves the job's directory, creating it when allowed,
// and checks there is room for the file.
func (e *Executor) prepareDestination(job models.TransferJob, defaultDestination string) (string, error) {
	dest := job.Destination
	if dest == "" {
		dest = defaultDestination
	}
	if dest == "" {
		return "", fmt.Errorf("%w: no destination given and no default configured", ErrDestinationUnavailable)
	}
	dest = helpers.ExpandHome(dest)

	info, err := os.Stat(dest)
	switch {
	case err == nil && !info.IsDir():
		return "", fmt.Errorf("%w: %s is not a directory", ErrDestinationUnavailable, dest)
	case os.IsNotExist(err):
		if !e.opts.CreateDestinations {
			return "", fmt.Errorf("%w: %s does not exist", ErrDestinationUnavailable, dest)
		}
		if !helpers.CheckAndMakeDir(dest) {
			return "", fmt.Errorf("%w: could not create %s", ErrDestinationUnavailable, dest)
		}
		log.Infof("Created destination directory %s", dest)
	case err != nil:
		return "", fmt.Errorf("%w: %s: %v", ErrDestinationUnavailable, dest, err)
	}

	need := uint64(job.Entry.SizeOrZero()) + e.opts.MinFreeBytes
	if need > 0 && e.freeSpace != nil {
		free, err := e.freeSpace(dest)
		if err != nil {
			log.WithError(err).Warnf("Could not determine free space on %s, skipping check", dest)
		} else if free < need {
			return "", fmt.Errorf("%w: %s has %s free, need %s", ErrDestinationUnavailable, dest,
				helpers.BytesToSize(free), helpers.BytesToSize(need))
		}
	}
	return dest, nil
}

// Interrupted returns an error wrapping ErrInterrupted when the batch was cut
// short, and nil otherwise.
func Interrupted(result models.BatchResult) error {
	if !result.Interrupted {
		return nil
	}
	return fmt.Errorf("%w: %d item(s) left queued", ErrInterrupted, len(result.Pending))
}

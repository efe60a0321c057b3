// Package upload owns the final wizard step: submitting the committed
// upload, telling synchronous completions apart from background jobs, and
// polling the job-status endpoint until a terminal state.
package upload

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"csvwizard/domain"
	"csvwizard/obs"
	"csvwizard/procapi"
)

// DefaultPollInterval is the fixed polling cadence. No backoff: the backend
// job endpoint is cheap and the UI expects steady progress ticks.
const DefaultPollInterval = 2 * time.Second

// Backend is the slice of the procurement API the coordinator needs.
type Backend interface {
	Commit(ctx context.Context, orgID string, m map[string]string, skipInvalid bool, fileName string, file io.Reader) (*procapi.CommitResponse, error)
	PollTask(ctx context.Context, taskID string) (*procapi.TaskProgress, error)
}

// Callbacks deliver coordinator events back to the session owner. OnOutcome
// fires exactly once per upload attempt; OnProgress fires after every
// non-terminal poll and is the only source of incremental feedback.
type Callbacks struct {
	OnAsyncStarted func(task domain.UploadTask)
	OnProgress     func(task domain.UploadTask)
	OnOutcome      func(outcome domain.UploadOutcome)
}

type Coordinator struct {
	backend  Backend
	interval time.Duration
}

func NewCoordinator(backend Backend, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Coordinator{backend: backend, interval: interval}
}

// Handle controls one in-flight upload attempt. Cancel stops the polling
// ticker synchronously; no further polls are issued after it returns.
type Handle struct {
	cancelOnce sync.Once
	cancel     chan struct{}
	done       chan struct{}
}

func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// Done is closed when the attempt reached a terminal outcome or was
// cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

type SubmitRequest struct {
	OrganizationID string
	Mapping        map[string]string
	SkipInvalid    bool
	FileName       string
	File           io.Reader
}

// Submit posts the committed upload. A submit error or a synchronous
// response resolves the attempt before Submit returns; an asynchronous
// response starts the polling loop and returns immediately with a live
// handle.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest, cb Callbacks) *Handle {
	h := &Handle{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	start := time.Now()

	resp, err := c.backend.Commit(ctx, req.OrganizationID, req.Mapping, req.SkipInvalid, req.FileName, req.File)
	if err != nil {
		// No retry: a failed submit is terminal for this attempt.
		c.finish(h, cb, start, domain.UploadOutcome{
			Kind:    domain.OutcomeFailed,
			Message: err.Error(),
		})
		return h
	}

	if !resp.Async {
		c.finish(h, cb, start, outcomeFromCounts(resp.Status, resp.SuccessfulRows, resp.FailedRows, resp.DuplicateRows, ""))
		return h
	}

	task := domain.UploadTask{TaskID: resp.TaskID, UploadID: resp.UploadID}
	if cb.OnAsyncStarted != nil {
		cb.OnAsyncStarted(task)
	}
	go c.pollLoop(task, cb, h, start)
	return h
}

// pollLoop issues one poll per tick, synchronously, so a round-trip longer
// than the interval delays the next poll instead of overlapping it. The
// first non-"processing" result is terminal; so is any poll error.
func (c *Coordinator) pollLoop(task domain.UploadTask, cb Callbacks, h *Handle, start time.Time) {
	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		select {
		case <-h.cancel:
			slog.Info("upload polling cancelled", "taskId", task.TaskID)
			close(h.done)
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.interval*5)
		progress, err := c.backend.PollTask(ctx, task.TaskID)
		cancel()
		if err != nil {
			obs.RecordPoll("error")
			c.finish(h, cb, start, domain.UploadOutcome{
				Kind:    domain.OutcomeFailed,
				Message: err.Error(),
			})
			return
		}
		obs.RecordPoll(progress.Status)

		if !progress.Terminal() {
			select {
			case <-h.cancel:
				// Cancelled while the poll was in flight; drop the result.
				close(h.done)
				return
			default:
			}
			task.ProgressPercent = progress.ProgressPercent
			task.ProgressMessage = progress.ProgressMessage
			if cb.OnProgress != nil {
				cb.OnProgress(task)
			}
			continue
		}

		c.finish(h, cb, start, outcomeFromCounts(
			progress.Status,
			progress.SuccessfulRows,
			progress.FailedRows,
			progress.DuplicateRows,
			progress.ProgressMessage,
		))
		return
	}
}

func (c *Coordinator) finish(h *Handle, cb Callbacks, start time.Time, outcome domain.UploadOutcome) {
	select {
	case <-h.cancel:
		// Reset won the race; the session is gone, drop the outcome.
		close(h.done)
		return
	default:
	}
	obs.RecordUploadOutcome(string(outcome.Kind), start)
	if cb.OnOutcome != nil {
		cb.OnOutcome(outcome)
	}
	close(h.done)
}

func outcomeFromCounts(status string, successful, failed, duplicate int, message string) domain.UploadOutcome {
	out := domain.UploadOutcome{
		SuccessfulRows: successful,
		FailedRows:     failed,
		DuplicateRows:  duplicate,
		Message:        strings.TrimSpace(message),
	}
	switch status {
	case domain.TaskStatusCompleted, "":
		out.Kind = domain.OutcomeCompleted
	case domain.TaskStatusPartial:
		out.Kind = domain.OutcomePartialFailure
	default:
		out.Kind = domain.OutcomeFailed
		if out.Message == "" {
			out.Message = "upload ended with status " + status
		}
	}
	return out
}

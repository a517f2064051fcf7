package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrDispatcherBusy is returned when the pending job limit is reached.
var ErrDispatcherBusy = errors.New("server is busy, please retry later")

// ErrDispatcherClosed is returned for submissions after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// ErrJobCancelled is returned to callers whose queued job was dropped by CancelUser.
var ErrJobCancelled = errors.New("job cancelled")

type jobType int

const (
	runJob jobType = iota
	stopJob
)

// Job is one unit of work owned by a user.
type Job struct {
	Type   jobType
	UserID int64
	ctx    context.Context
	run    func(context.Context)
	done   chan<- error
}

// abandon completes the waiter of a job that will never run.
func (job Job) abandon(err error) {
	if job.done == nil {
		return
	}
	select {
	case job.done <- err:
	default:
	}
}

func (job Job) execute() {
	if job.ctx != nil && job.ctx.Err() != nil {
		// caller already gave up
		slog.Debug("skip cancelled job", "user_id", job.UserID)
		return
	}
	job.run(job.ctx)
}

func guarded(fn func(context.Context) error, done chan<- error) func(context.Context) {
	return func(ctx context.Context) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job panicked", "panic", r)
				err = fmt.Errorf("job panicked: %v", r)
			}
			done <- err
		}()
		err = fn(ctx)
	}
}

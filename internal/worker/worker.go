package worker

import "log/slog"

type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start runs the worker loop: report idle, take a job, repeat until told to stop.
func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.Type == stopJob {
				slog.Debug("worker stopped")
				return
			}
			job.execute()
		}
	}()
}

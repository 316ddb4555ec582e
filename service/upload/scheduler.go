package upload

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"

	"WorkChat/logger"
	"WorkChat/service/actor"
	"WorkChat/service/bus"
	"WorkChat/service/metrics"
	"WorkChat/tools/errs"
	"WorkChat/tools/ids"
	"WorkChat/tools/safe"
)

type Conf struct {
	MaxConcurrent int // processing slots, system-wide
	MaxRetries    int
	Clock         func() time.Time
}

func (c *Conf) norm() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type runningJob struct {
	job    *Job
	cancel context.CancelFunc
}

// Scheduler is the bounded-concurrency file intake pipeline. Submissions
// beyond the slot count wait in the priority queue; no unbounded spawning.
type Scheduler struct {
	mb   *actor.Mailbox
	conf Conf
	bus  bus.Bus
	pipe *Pipeline
	pool *ants.Pool

	queue    []*Job                 // sorted: higher priority first, FIFO within
	running  map[string]*runningJob // job id -> slot
	jobs     map[string]*Job        // job id -> bookkeeping (incl. finished)
	byUpload map[string]string      // upload id -> latest job id

	completed *metrics.Counter
	failedCnt *metrics.Counter
	rejected  *metrics.Counter
}

func NewScheduler(conf Conf, b bus.Bus, pipe *Pipeline) (*Scheduler, error) {
	conf.norm()
	pool, err := ants.NewPool(conf.MaxConcurrent)
	if err != nil {
		return nil, errs.WrapMsg(err, "create job pool")
	}
	s := &Scheduler{
		mb:        actor.NewMailbox(512),
		conf:      conf,
		bus:       b,
		pipe:      pipe,
		pool:      pool,
		running:   make(map[string]*runningJob),
		jobs:      make(map[string]*Job),
		byUpload:  make(map[string]string),
		completed: metrics.GetCounter("upload.completed"),
		failedCnt: metrics.GetCounter("upload.failed"),
		rejected:  metrics.GetCounter("upload.rejected"),
	}
	return s, nil
}

// Submit queues a job and returns its id.
func (s *Scheduler) Submit(uploadID, filePath string, opts Options) string {
	job := &Job{
		ID:        ids.GenerateString(),
		UploadID:  uploadID,
		FilePath:  filePath,
		Options:   opts,
		Status:    StatusQueued,
		Priority:  opts.Priority,
		CreatedAt: s.conf.Clock(),
	}
	s.mb.Cast(func() {
		s.jobs[job.ID] = job
		s.byUpload[uploadID] = job.ID
		s.enqueue(job)
		s.dispatch()
	})
	return job.ID
}

// Status reports the latest job for an upload id.
func (s *Scheduler) Status(uploadID string) (Job, error) {
	type result struct {
		job Job
		err error
	}
	r, callErr := actor.Call(s.mb, func() result {
		id, ok := s.byUpload[uploadID]
		if !ok {
			return result{err: errs.ErrUnknownJob.WrapMsg("status", "upload_id", uploadID)}
		}
		return result{job: *s.jobs[id]}
	})
	if callErr != nil {
		return Job{}, callErr
	}
	return r.job, r.err
}

// Cancel removes a queued job outright or terminates an in-flight one.
func (s *Scheduler) Cancel(jobID string) error {
	return actor.CallErr(s.mb, func() error {
		if r, ok := s.running[jobID]; ok {
			r.cancel()
			// slot frees when the worker observes the cancellation
			return nil
		}
		for i, job := range s.queue {
			if job.ID == jobID {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				job.Status = StatusCancelled
				return nil
			}
		}
		return errs.ErrUnknownJob.WrapMsg("cancel", "job_id", jobID)
	})
}

// RunningCount reports occupied slots; test hook.
func (s *Scheduler) RunningCount() int {
	n, _ := actor.Call(s.mb, func() int { return len(s.running) })
	return n
}

func (s *Scheduler) QueuedCount() int {
	n, _ := actor.Call(s.mb, func() int { return len(s.queue) })
	return n
}

// Done reports actor-loop termination; watched by the supervisor.
func (s *Scheduler) Done() <-chan struct{} { return s.mb.Done() }

func (s *Scheduler) Stop() {
	_ = actor.CallErr(s.mb, func() error {
		for _, r := range s.running {
			r.cancel()
		}
		return nil
	})
	s.mb.Stop()
	s.mb.Join(2 * time.Second)
	s.pool.Release()
}

// ----- internal (scheduler goroutine only) -----

// enqueue inserts keeping the queue sorted by priority, FIFO within equal
// priorities.
func (s *Scheduler) enqueue(job *Job) {
	job.Status = StatusQueued
	at := len(s.queue)
	for i, q := range s.queue {
		if job.Priority > q.Priority {
			at = i
			break
		}
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[at+1:], s.queue[at:])
	s.queue[at] = job
}

// dispatch starts queued jobs while slots are free.
func (s *Scheduler) dispatch() {
	for len(s.running) < s.conf.MaxConcurrent && len(s.queue) > 0 {
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.start(job)
	}
}

func (s *Scheduler) start(job *Job) {
	job.Status = StatusProcessing
	ctx, cancel := context.WithCancel(context.Background())
	s.running[job.ID] = &runningJob{job: job, cancel: cancel}

	snapshot := *job
	err := s.pool.Submit(func() {
		result, runErr := s.pipe.Run(ctx, snapshot)
		ctxErr := ctx.Err() // read before releasing the context
		cancel()
		s.mb.Cast(func() { s.onJobDone(snapshot.ID, result, runErr, ctxErr) })
	})
	if err != nil {
		// pool rejected (released during shutdown); put the job back
		cancel()
		delete(s.running, job.ID)
		s.enqueue(job)
		logger.Warnf("[upload] pool submit job=%s: %v", job.ID, err)
	}
}

func (s *Scheduler) onJobDone(jobID string, result map[string]any, runErr, ctxErr error) {
	r, ok := s.running[jobID]
	if !ok {
		return
	}
	delete(s.running, jobID)
	job := r.job
	defer s.dispatch() // freed slot pulls the next eligible job

	switch {
	case runErr == nil:
		job.Status = StatusCompleted
		job.Result = result
		s.completed.Inc()
		s.publish(bus.EvUploadCompleted, job, "")
	case ctxErr != nil:
		job.Status = StatusCancelled
		job.Error = "cancelled"
		logger.Infof("[upload] job cancelled id=%s upload=%s", job.ID, job.UploadID)
	case errs.IsTerminal(runErr):
		// threat detected: quarantine, never retried
		job.Status = StatusRejected
		job.Error = runErr.Error()
		s.rejected.Inc()
		s.updateStatus(job, StatusRejected)
		s.publish(bus.EvUploadRejected, job, runErr.Error())
	default:
		job.Error = runErr.Error()
		if job.RetryCount < s.conf.MaxRetries {
			job.RetryCount++
			logger.Warnf("[upload] job failed id=%s retry=%d: %v", job.ID, job.RetryCount, runErr)
			s.enqueue(job)
			return
		}
		job.Status = StatusFailed
		s.failedCnt.Inc()
		s.updateStatus(job, StatusFailed)
		s.publish(bus.EvUploadFailed, job, runErr.Error())
	}
}

func (s *Scheduler) updateStatus(job *Job, status JobStatus) {
	uploadID := job.UploadID
	errStr := job.Error
	store := s.pipe.Store
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.UpdateUploadStatus(ctx, uploadID, string(status), map[string]any{"error": errStr}); err != nil {
			logger.Warnf("[upload] update status upload=%s: %v", uploadID, err)
		}
	})
}

func (s *Scheduler) publish(evType string, job *Job, reason string) {
	s.bus.Publish(bus.TopicUploadEvents, bus.Event{
		Type: evType,
		Payload: map[string]any{
			"job_id":    job.ID,
			"upload_id": job.UploadID,
			"submit_by": job.Options.SubmitBy,
			"status":    string(job.Status),
			"reason":    reason,
		},
	})
}

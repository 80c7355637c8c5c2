package operations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LabKey/platform-sub050/internal/infrastructure"
	"github.com/LabKey/platform-sub050/internal/script"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job will not change status again
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one background (pipeline mode) run of a report
type Job struct {
	ID          string                 `json:"id"`
	ReportID    int64                  `json:"report_id"`
	ContainerID string                 `json:"container_id"`
	ReportType  string                 `json:"report_type,omitempty"`
	Status      JobStatus              `json:"status"`
	Progress    int                    `json:"progress"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	WorkDir     string                 `json:"work_dir,omitempty"`
	LogFile     string                 `json:"log_file,omitempty"`
	Outputs     []script.ScriptOutput  `json:"outputs,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a copy that shares nothing mutable with j
func (j *Job) Clone() *Job {
	cp := *j
	cp.Outputs = append([]script.ScriptOutput(nil), j.Outputs...)
	if j.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// JobResult is what a finished run reports back
type JobResult struct {
	WorkDir string
	LogFile string
	Outputs []script.ScriptOutput
}

// RunFunc executes the report a job names. A returned error fails the job.
type RunFunc func(ctx context.Context, job *Job) (*JobResult, error)

// JobStore interface for job persistence
type JobStore interface {
	CreateJob(job *Job) error
	GetJob(id string) (*Job, error)
	UpdateJob(job *Job) error
	ListJobs(filter JobFilter) ([]*Job, error)
	DeleteJob(id string) error
}

// JobFilter for querying jobs
type JobFilter struct {
	Status      JobStatus
	ReportID    int64
	ContainerID string
	Since       time.Time
	Limit       int
}

// JobQueue runs report jobs on a fixed pool of workers
type JobQueue struct {
	mu       sync.RWMutex
	jobs     chan *Job
	workers  int
	wg       sync.WaitGroup
	store    JobStore
	run      RunFunc
	tracer   trace.Tracer
	logger   *slog.Logger
	shutdown chan struct{}
	stopOnce sync.Once
	active   map[string]*Job // Currently executing jobs
	queued   map[string]bool // Enqueued by this process
	watchers []func(*Job)

	retention     time.Duration
	sweepInterval time.Duration
}

// jobCleaner is implemented by stores that can drop finished jobs
type jobCleaner interface {
	CleanupOldJobs(olderThan time.Duration) (int, error)
}

// NewJobQueue creates a new job queue. queueSize defaults to twice the
// number of workers.
func NewJobQueue(workers, queueSize int, store JobStore, run RunFunc, logger *slog.Logger) *JobQueue {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &JobQueue{
		jobs:     make(chan *Job, queueSize),
		workers:  workers,
		store:    store,
		run:      run,
		tracer:   otel.Tracer(infrastructure.MeterName),
		logger:   logger.With(slog.String("component", "jobqueue")),
		shutdown: make(chan struct{}),
		active:   make(map[string]*Job),
		queued:   make(map[string]bool),
	}
}

// OnUpdate registers fn to receive a copy of every job after each status
// change. It must be called before Start and fn must not block.
func (q *JobQueue) OnUpdate(fn func(*Job)) {
	q.mu.Lock()
	q.watchers = append(q.watchers, fn)
	q.mu.Unlock()
}

func (q *JobQueue) notify(job *Job) {
	q.mu.RLock()
	watchers := q.watchers
	q.mu.RUnlock()
	for _, fn := range watchers {
		fn(job.Clone())
	}
}

// SetRetention makes the queue drop finished jobs older than retention,
// checking every interval. It must be called before Start. A zero
// retention keeps jobs forever.
func (q *JobQueue) SetRetention(retention, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	q.retention = retention
	q.sweepInterval = interval
}

// Start begins processing jobs
func (q *JobQueue) Start(ctx context.Context) {
	q.logger.Info("starting job queue", slog.Int("workers", q.workers))

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	if cleaner, ok := q.store.(jobCleaner); ok && q.retention > 0 {
		q.wg.Add(1)
		go q.sweep(ctx, cleaner)
	}
	q.recoverJobs()
}

func (q *JobQueue) sweep(ctx context.Context, cleaner jobCleaner) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.shutdown:
			return
		case <-ticker.C:
			n, err := cleaner.CleanupOldJobs(q.retention)
			if err != nil {
				q.logger.Warn("job cleanup failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				q.logger.Info("removed finished jobs", slog.Int("count", n))
			}
		}
	}
}

// Stop waits for running jobs to finish. Queued jobs stay pending in the
// store and are picked up again by the next Start.
func (q *JobQueue) Stop(timeout time.Duration) error {
	q.logger.Info("stopping job queue")
	q.stopOnce.Do(func() { close(q.shutdown) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		q.logger.Info("job queue stopped gracefully")
		return nil
	case <-timer.C:
		q.logger.Warn("job queue stop timeout exceeded")
		return fmt.Errorf("timeout waiting for workers to finish")
	}
}

// Enqueue stores a job as pending and hands it to the workers
func (q *JobQueue) Enqueue(job *Job) error {
	job.Status = JobStatusPending
	job.CreatedAt = time.Now()
	if job.Message == "" {
		job.Message = "Waiting for a worker"
	}

	if err := q.store.CreateJob(job.Clone()); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	q.mu.Lock()
	q.queued[job.ID] = true
	q.mu.Unlock()
	q.notify(job)

	select {
	case q.jobs <- job.Clone():
		q.logger.Info("job enqueued",
			slog.String("job_id", job.ID),
			slog.Int64("report_id", job.ReportID))
		return nil
	default:
		job.Status = JobStatusFailed
		job.Error = "job queue is full"
		now := time.Now()
		job.CompletedAt = &now
		q.store.UpdateJob(job.Clone())
		q.notify(job)
		return fmt.Errorf("job queue is full")
	}
}

// GetJob retrieves a job by ID
func (q *JobQueue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	if activeJob, ok := q.active[id]; ok {
		cp := activeJob.Clone()
		q.mu.RUnlock()
		return cp, nil
	}
	q.mu.RUnlock()

	return q.store.GetJob(id)
}

// CancelJob cancels a pending job. A running script is not interrupted,
// so running jobs cannot be cancelled.
func (q *JobQueue) CancelJob(id string) error {
	job, err := q.store.GetJob(id)
	if err != nil {
		return err
	}

	q.mu.RLock()
	_, running := q.active[id]
	q.mu.RUnlock()
	if running || job.Status != JobStatusPending {
		return fmt.Errorf("job %s cannot be cancelled (status: %s)", id, job.Status)
	}

	job.Status = JobStatusCancelled
	job.Message = "Job cancelled"
	now := time.Now()
	job.CompletedAt = &now

	if err := q.store.UpdateJob(job); err != nil {
		return err
	}
	q.notify(job)
	return nil
}

// ListJobs returns jobs matching the filter
func (q *JobQueue) ListJobs(filter JobFilter) ([]*Job, error) {
	return q.store.ListJobs(filter)
}

// worker processes jobs from the queue
func (q *JobQueue) worker(ctx context.Context, workerID int) {
	defer q.wg.Done()

	logger := q.logger.With(slog.Int("worker_id", workerID))
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-q.shutdown:
			logger.Debug("worker stopped by shutdown")
			return
		case job := <-q.jobs:
			q.processJob(ctx, job, logger)
		}
	}
}

// processJob executes a single job
func (q *JobQueue) processJob(ctx context.Context, job *Job, logger *slog.Logger) {
	if stored, err := q.store.GetJob(job.ID); err == nil && stored.Status == JobStatusCancelled {
		logger.Info("skipping cancelled job", slog.String("job_id", job.ID))
		return
	}

	if job.Metadata != nil {
		if traceID, ok := job.Metadata["trace_id"].(string); ok {
			ctx = context.WithValue(ctx, middleware.RequestIDKey, traceID)
			ctx = infrastructure.WithTraceID(ctx, traceID)
		}
	}
	ctx = infrastructure.WithJobID(ctx, job.ID)

	logger = logger.With(
		slog.Int64("report_id", job.ReportID),
		slog.String("container", job.ContainerID),
	)
	logger.InfoContext(ctx, "processing job started")

	ctx, span := q.tracer.Start(ctx, "report.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int64("report.id", job.ReportID),
	))
	defer span.End()

	q.update(job, func(j *Job) {
		j.Status = JobStatusRunning
		now := time.Now()
		j.StartedAt = &now
		j.Progress = 10
		j.Message = "Running report"
	})
	q.mu.Lock()
	q.active[job.ID] = job
	q.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "job processing panicked", slog.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
			q.finish(job, nil, fmt.Errorf("job processing panicked: %v", r))
		}

		q.mu.Lock()
		delete(q.active, job.ID)
		q.mu.Unlock()
	}()

	res, err := q.run(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		logger.ErrorContext(ctx, "job failed", slog.String("error", err.Error()))
	} else {
		logger.InfoContext(ctx, "processing job completed")
	}
	q.finish(job, res, err)
}

// finish records the final status of a job
func (q *JobQueue) finish(job *Job, res *JobResult, err error) {
	q.update(job, func(j *Job) {
		if res != nil {
			j.WorkDir = res.WorkDir
			j.LogFile = res.LogFile
			j.Outputs = res.Outputs
		}
		now := time.Now()
		j.CompletedAt = &now
		j.Progress = 100
		if err != nil {
			j.Status = JobStatusFailed
			j.Error = err.Error()
			j.Message = "Job failed"
			return
		}
		j.Status = JobStatusCompleted
		j.Message = "Job completed successfully"
	})
}

// update applies fn to the job under the queue lock and persists it
func (q *JobQueue) update(job *Job, fn func(*Job)) {
	q.mu.Lock()
	fn(job)
	cp := job.Clone()
	q.mu.Unlock()

	if err := q.store.UpdateJob(cp); err != nil {
		q.logger.Error("failed to update job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
	q.notify(cp)
}

// recoverJobs re-queues jobs left pending or running by a previous process
func (q *JobQueue) recoverJobs() {
	running, err := q.store.ListJobs(JobFilter{Status: JobStatusRunning})
	if err != nil {
		q.logger.Error("failed to recover running jobs", slog.String("error", err.Error()))
		return
	}
	pending, err := q.store.ListJobs(JobFilter{Status: JobStatusPending})
	if err != nil {
		q.logger.Error("failed to recover pending jobs", slog.String("error", err.Error()))
		return
	}

	for _, job := range append(running, pending...) {
		q.mu.RLock()
		seen := q.queued[job.ID]
		q.mu.RUnlock()
		if seen {
			continue
		}

		if job.Status == JobStatusRunning {
			job.Status = JobStatusPending
			job.StartedAt = nil
			job.Progress = 0
			q.store.UpdateJob(job.Clone())
		}

		select {
		case q.jobs <- job:
			q.logger.Info("recovered job",
				slog.String("job_id", job.ID),
				slog.String("status", string(job.Status)))
		default:
			q.logger.Warn("could not recover job - queue full",
				slog.String("job_id", job.ID))
		}
	}
}

// GetQueueStats returns queue statistics
func (q *JobQueue) GetQueueStats() map[string]interface{} {
	q.mu.RLock()
	activeCount := len(q.active)
	q.mu.RUnlock()

	return map[string]interface{}{
		"workers":     q.workers,
		"queue_size":  len(q.jobs),
		"queue_cap":   cap(q.jobs),
		"active_jobs": activeCount,
	}
}

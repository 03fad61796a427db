package pulljob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/domain/forum"
	"tickerpulse/internal/metrics"
	"tickerpulse/internal/services/ingestion"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

const (
	lockKey        = "tickerpulse:pull-job"
	maxErrorRows   = 6
	maxErrorLen    = 4000
	maxJobsTracked = 100
)

// Mode selects which subreddits a job pulls
type Mode string

const (
	ModeSingle Mode = "single"
	ModeAll    Mode = "all"
)

// Status of a job as a whole
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial_success"
	StatusFailed  Status = "failed"
)

// Job-level phases around the per-subreddit pull phases
const (
	PhaseSubredditStarted = "subreddit_started"
	PhaseSubredditDone    = "subreddit_done"
	PhaseFinished         = "finished"
)

// Active reports whether the job still occupies the single job slot
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// SubredditResult is the outcome of one subreddit inside a job
type SubredditResult struct {
	RunID         uuid.UUID       `json:"run_id"`
	Subreddit     string          `json:"subreddit"`
	Status        forum.RunStatus `json:"status"`
	Submissions   int             `json:"submissions"`
	Comments      int             `json:"comments"`
	Mentions      int             `json:"mentions"`
	PartialErrors int             `json:"partial_errors"`
	Error         *string         `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of a job
type Snapshot struct {
	ID                   uuid.UUID         `json:"job_id"`
	Mode                 Mode              `json:"mode"`
	RequestedSubreddit   *string           `json:"requested_subreddit"`
	Status               Status            `json:"status"`
	StartedAt            time.Time         `json:"started_at"`
	FinishedAt           *time.Time        `json:"finished_at"`
	TotalSteps           int               `json:"total_steps"`
	CompletedSteps       int               `json:"completed_steps"`
	CurrentSubreddit     *string           `json:"current_subreddit"`
	CurrentPhase         string            `json:"current_phase"`
	CurrentTotal         *int              `json:"current_total_submissions"`
	CurrentProcessed     int               `json:"current_processed_submissions"`
	CurrentSubmissionID  *string           `json:"current_submission_id"`
	CurrentComments      int               `json:"current_comments"`
	CurrentMentions      int               `json:"current_mentions"`
	CurrentPartialErrors int               `json:"current_partial_errors"`
	Heartbeat            time.Time         `json:"heartbeat"`
	Results              []SubredditResult `json:"results"`
	Error                *string           `json:"error"`
}

// Puller runs one pull cycle
type Puller interface {
	PullSubreddit(ctx context.Context, subreddit string, observer ingestion.ProgressFunc) (*forum.PullRun, error)
}

// Locker is a cross-process mutex (Redis in production)
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Manager runs at most one pull job at a time in the background and keeps
// snapshots of recent jobs
type Manager struct {
	cfg    config.PullConfig
	puller Puller
	locker Locker
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[uuid.UUID]*Snapshot
	order  []uuid.UUID
	active uuid.UUID

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a job manager. locker may be nil.
func NewManager(cfg config.PullConfig, puller Puller, locker Locker, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		puller: puller,
		locker: locker,
		log:    log.With("component", "pull_jobs"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[uuid.UUID]*Snapshot),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Start queues a job. While another job is queued or running, the active
// job's snapshot is returned together with ErrJobActive.
func (m *Manager) Start(ctx context.Context, mode Mode, subreddit string) (*Snapshot, error) {
	subreddits, err := m.resolve(mode, subreddit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if active, ok := m.jobs[m.active]; ok && active.Status.Active() {
		snap := copySnapshot(active)
		m.mu.Unlock()
		return snap, errors.ErrJobActive
	}

	now := m.now().UTC()
	job := &Snapshot{
		ID:           uuid.New(),
		Mode:         mode,
		Status:       StatusQueued,
		StartedAt:    now,
		TotalSteps:   len(subreddits),
		Heartbeat:    now,
		Results:      []SubredditResult{},
		CurrentPhase: string(StatusQueued),
	}
	if mode == ModeSingle {
		job.RequestedSubreddit = &subreddits[0]
	}
	// The slot is reserved before the cross-process lock is taken, so
	// concurrent callers see this job while the lock call is in flight.
	m.track(job)
	m.active = job.ID
	snap := copySnapshot(job)
	m.mu.Unlock()

	if m.locker != nil {
		ok, err := m.locker.AcquireLock(ctx, lockKey, m.cfg.LockTTL)
		if err != nil {
			m.forget(job.ID)
			return nil, errors.Wrap(err, "acquire pull lock")
		}
		if !ok {
			m.forget(job.ID)
			return nil, errors.Wrap(errors.ErrJobActive, "pull lock held by another process")
		}
	}

	m.log.Infow("Pull job queued", "job_id", job.ID, "mode", mode, "subreddits", len(subreddits))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(job.ID, subreddits)
	}()
	return snap, nil
}

// Snapshot returns a copy of the job, or ErrNotFound
func (m *Manager) Snapshot(id uuid.UUID) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "pull job %s", id)
	}
	return copySnapshot(job), nil
}

// Close cancels the running job and waits for it to finish
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) resolve(mode Mode, subreddit string) ([]string, error) {
	switch mode {
	case ModeSingle:
		sub := strings.TrimSpace(subreddit)
		if sub == "" {
			return nil, errors.NewValidationError("subreddit", "required for a single-subreddit job", subreddit)
		}
		return []string{sub}, nil
	case ModeAll:
		subs := m.cfg.SubredditList()
		if len(subs) == 0 {
			return nil, errors.NewValidationError("subreddits", "no subreddits configured", m.cfg.Subreddits)
		}
		return subs, nil
	default:
		return nil, errors.NewValidationError("mode", "unknown mode", mode)
	}
}

// track registers a job and forgets the oldest finished ones past the limit
func (m *Manager) track(job *Snapshot) {
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	for len(m.order) > maxJobsTracked {
		oldest := m.order[0]
		if j, ok := m.jobs[oldest]; ok && j.Status.Active() {
			break
		}
		delete(m.jobs, oldest)
		m.order = m.order[1:]
	}
}

// forget drops a reserved job that never started
func (m *Manager) forget(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	for i, jid := range m.order {
		if jid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == id {
		m.active = uuid.Nil
	}
}

func (m *Manager) run(id uuid.UUID, subreddits []string) {
	log := m.log.With("job_id", id)

	m.update(id, func(j *Snapshot) { j.Status = StatusRunning })
	start := m.now()

	var fatal error
	for i, sub := range subreddits {
		if err := m.ctx.Err(); err != nil {
			fatal = errors.Wrap(err, "pull job cancelled")
			break
		}

		current := sub
		m.update(id, func(j *Snapshot) {
			j.CurrentSubreddit = &current
			j.CurrentPhase = PhaseSubredditStarted
			j.CurrentTotal = nil
			j.CurrentProcessed = 0
			j.CurrentSubmissionID = nil
			j.CurrentComments = 0
			j.CurrentMentions = 0
			j.CurrentPartialErrors = 0
		})

		run, err := m.puller.PullSubreddit(m.ctx, sub, func(p forum.Progress) {
			m.applyProgress(id, p)
		})
		result, isFatal := toResult(sub, run, err)
		if isFatal {
			fatal = err
			log.Errorw("Pull cycle aborted", "subreddit", sub, "error", err)
		}

		m.update(id, func(j *Snapshot) {
			j.Results = append(j.Results, result)
			j.CompletedSteps++
			j.CurrentPhase = PhaseSubredditDone
			total := j.CurrentProcessed
			if j.CurrentTotal != nil && *j.CurrentTotal > total {
				total = *j.CurrentTotal
			}
			j.CurrentTotal = &total
			j.CurrentSubmissionID = nil
		})

		if i < len(subreddits)-1 && m.cfg.SubredditPause > 0 {
			if err := m.sleep(m.ctx, m.cfg.SubredditPause); err != nil {
				fatal = errors.Wrap(err, "pull job cancelled")
				break
			}
		}
	}

	// released before the slot frees up so an immediate restart can lock
	m.release(log)
	m.update(id, func(j *Snapshot) {
		j.Status, j.Error = finalStatus(j.Results, fatal)
		j.CurrentSubreddit = nil
		j.CurrentPhase = PhaseFinished
		j.CurrentSubmissionID = nil
		finished := m.now().UTC()
		j.FinishedAt = &finished
		if m.active == j.ID {
			m.active = uuid.Nil
		}
	})

	snap, err := m.Snapshot(id)
	if err != nil {
		return
	}
	var jobErr error
	if snap.Error != nil {
		jobErr = errors.New(*snap.Error)
	}
	metrics.RecordWorkerExecution("pull_job", m.now().Sub(start), jobErr)
	log.Infow("Pull job finished", "status", snap.Status, "steps", snap.CompletedSteps)
}

func (m *Manager) release(log *logger.Logger) {
	if m.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.locker.ReleaseLock(ctx, lockKey); err != nil {
		log.Warnw("Failed to release pull lock", "error", err)
	}
}

// update mutates a job under the lock and refreshes its heartbeat
func (m *Manager) update(id uuid.UUID, fn func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.Heartbeat = m.now().UTC()
}

func (m *Manager) applyProgress(id uuid.UUID, p forum.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	if job.CurrentSubreddit != nil && *job.CurrentSubreddit != p.Subreddit {
		return
	}
	job.CurrentPhase = string(p.Phase)
	if p.TotalSubmissions != nil {
		total := *p.TotalSubmissions
		job.CurrentTotal = &total
	} else {
		job.CurrentTotal = nil
	}
	if p.CurrentSubmissionID != nil {
		sid := *p.CurrentSubmissionID
		job.CurrentSubmissionID = &sid
	} else {
		job.CurrentSubmissionID = nil
	}
	job.CurrentProcessed = max(p.ProcessedSubmissions, 0)
	job.CurrentComments = max(p.Comments, 0)
	job.CurrentMentions = max(p.Mentions, 0)
	job.CurrentPartialErrors = max(p.PartialErrors, 0)
	job.Heartbeat = m.now().UTC()
}

// toResult turns a pull outcome into a job row. A cycle that could not even
// record a failed run is fatal for the whole job.
func toResult(sub string, run *forum.PullRun, err error) (SubredditResult, bool) {
	if run == nil || (err != nil && run.Status != forum.RunFailed) {
		msg := "pull cycle returned no run"
		if err != nil {
			msg = errors.Truncate(err, maxErrorLen)
		}
		res := SubredditResult{Subreddit: sub, Status: forum.RunFailed, Error: &msg}
		if run != nil {
			res.RunID = run.ID
		}
		return res, true
	}
	return SubredditResult{
		RunID:         run.ID,
		Subreddit:     sub,
		Status:        run.Status,
		Submissions:   run.Submissions,
		Comments:      run.Comments,
		Mentions:      run.Mentions,
		PartialErrors: run.PartialErrors,
		Error:         run.Error,
	}, false
}

func finalStatus(results []SubredditResult, fatal error) (Status, *string) {
	if fatal != nil {
		msg := errors.Truncate(fatal, maxErrorLen)
		return StatusFailed, &msg
	}

	var failed []string
	for _, r := range results {
		if r.Status != forum.RunSuccess {
			failed = append(failed, fmt.Sprintf("%s:%s", r.Subreddit, r.Status))
		}
	}
	if len(failed) == 0 {
		return StatusSuccess, nil
	}

	msg := strings.Join(failed[:min(len(failed), maxErrorRows)], "; ")
	if len(failed) < len(results) {
		return StatusPartial, &msg
	}
	return StatusFailed, &msg
}

func copySnapshot(j *Snapshot) *Snapshot {
	c := *j
	c.Results = append([]SubredditResult(nil), j.Results...)
	return &c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

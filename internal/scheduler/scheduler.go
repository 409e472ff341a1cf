// Package scheduler runs cron-scheduled application scans. Each job either
// starts a one-shot scan on the application client or the two-band OS bulk
// scan, over the bands and SSID it names.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/wlan"
)

// Runner starts scans. Implemented by the station.
type Runner interface {
	Scan(ctx context.Context, client wlan.ClientID, bands wlan.BandMask, ssids []string) (wlan.Status, error)
	OSScan(ctx context.Context, bands wlan.BandMask, ssids []string) (wlan.Status, error)
}

// Scheduler manages scheduled scan jobs.
type Scheduler struct {
	runner  Runner
	cron    *cron.Cron
	jobs    map[uuid.UUID]*ScheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
}

// ScheduledJob represents a scheduled job wrapper.
type ScheduledJob struct {
	ID         uuid.UUID             `json:"id"`
	CronID     cron.EntryID          `json:"-"`
	Config     config.ScheduleConfig `json:"config"`
	Enabled    bool                  `json:"enabled"`
	LastRun    time.Time             `json:"last_run"`
	NextRun    time.Time             `json:"next_run"`
	LastStatus string                `json:"last_status,omitempty"`
	Runs       int                   `json:"runs"`
	Running    bool                  `json:"running"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a new job scheduler.
func NewScheduler(runner Runner, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		runner: runner,
		cron:   cron.New(),
		jobs:   make(map[uuid.UUID]*ScheduledJob),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).WithComponent("scheduler")
	return s
}

// Load adds every configured schedule.
func (s *Scheduler) Load(schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		if _, err := s.AddJob(sc); err != nil {
			return err
		}
	}
	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops the scheduler and waits for running triggers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// AddJob validates sc and schedules it.
func (s *Scheduler) AddJob(sc config.ScheduleConfig) (uuid.UUID, error) {
	// Validate cron expression using standard 5-field format
	schedule, err := cron.ParseStandard(sc.Cron)
	if err != nil {
		return uuid.Nil, errors.WrapConfigError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression for schedule %q", sc.Name), err)
	}
	if _, err := bandMask(sc.Bands); err != nil {
		return uuid.Nil, err
	}

	job := &ScheduledJob{
		ID:      uuid.New(),
		Config:  sc,
		Enabled: true,
		NextRun: schedule.Next(time.Now()),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := job.ID
	cronID, err := s.cron.AddFunc(sc.Cron, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Scheduled scan panicked", "name", sc.Name, "panic", r)
				s.cleanupJobExecution(id)
			}
		}()
		s.execute(id)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to add cron job: %w", err)
	}
	job.CronID = cronID
	s.jobs[job.ID] = job

	s.logger.Info("Added scheduled scan",
		"name", sc.Name,
		"cron", sc.Cron,
		"bulk", sc.Bulk,
		"id", job.ID.String())
	return job.ID, nil
}

// RemoveJob removes a scheduled job.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	s.cron.Remove(job.CronID)
	delete(s.jobs, jobID)
	return nil
}

// GetJobs returns copies of all scheduled jobs.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		if entry := s.cron.Entry(job.CronID); entry.Valid() && !entry.Next.IsZero() {
			cp.NextRun = entry.Next
		}
		out = append(out, cp)
	}
	return out
}

// EnableJob resumes a disabled job.
func (s *Scheduler) EnableJob(jobID uuid.UUID) error {
	return s.setJobEnabled(jobID, true)
}

// DisableJob keeps a job scheduled but skips its triggers.
func (s *Scheduler) DisableJob(jobID uuid.UUID) error {
	return s.setJobEnabled(jobID, false)
}

func (s *Scheduler) setJobEnabled(jobID uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.Enabled = enabled
	return nil
}

// RunNow triggers a job outside its schedule.
func (s *Scheduler) RunNow(jobID uuid.UUID) error {
	s.mu.RLock()
	_, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	s.execute(jobID)
	return nil
}

func (s *Scheduler) execute(jobID uuid.UUID) {
	job, ok := s.prepareJobExecution(jobID)
	if !ok {
		return
	}
	defer s.cleanupJobExecution(jobID)

	sc := job.Config
	bands, _ := bandMask(sc.Bands)
	var ssids []string
	if sc.SSID != "" {
		ssids = []string{sc.SSID}
	}

	var (
		status wlan.Status
		err    error
	)
	if sc.Bulk {
		status, err = s.runner.OSScan(s.ctx, bands, ssids)
	} else {
		status, err = s.runner.Scan(s.ctx, wlan.ClientAppOneShot, bands, ssids)
	}

	s.mu.Lock()
	if j, ok := s.jobs[jobID]; ok {
		j.Runs++
		j.LastStatus = status.String()
		if err != nil {
			j.LastStatus = "error"
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorScan("Scheduled scan failed", wlan.ClientAppOneShot.String(), err, "name", sc.Name)
		return
	}
	if status != wlan.StatusRunning && status != wlan.StatusOK {
		s.logger.Warn("Scheduled scan not started", "name", sc.Name, "status", status.String())
		return
	}
	s.logger.Debug("Scheduled scan started", "name", sc.Name, "status", status.String())
}

// prepareJobExecution marks the job running; a disabled or already
// running job is skipped.
func (s *Scheduler) prepareJobExecution(jobID uuid.UUID) (ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || !job.Enabled || job.Running {
		return ScheduledJob{}, false
	}
	job.Running = true
	job.LastRun = time.Now()
	return *job, true
}

func (s *Scheduler) cleanupJobExecution(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Running = false
	}
}

// bandMask parses band names; none means every band.
func bandMask(bands []string) (wlan.BandMask, error) {
	if len(bands) == 0 {
		return wlan.BandMaskAll, nil
	}
	var mask wlan.BandMask
	for _, name := range bands {
		b, err := wlan.ParseBand(name)
		if err != nil {
			return 0, errors.ErrConfigInvalid("schedules.bands", name)
		}
		mask |= 1 << b
	}
	return mask, nil
}

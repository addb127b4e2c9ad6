package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aditya/go-carpool/internal/cache"
	"github.com/aditya/go-carpool/internal/service"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	JobAutoFinish   = "auto_finish"
	JobPurgeExpired = "purge_expired"
)

// ErrJobLocked means another replica is running the same job.
var ErrJobLocked = errors.New("sweep job is locked by another instance")

type Config struct {
	AutoFinishSchedule string
	RetentionSchedule  string
	LockTTL            time.Duration
}

// Scheduler fires the offer sweeps on cron schedules evaluated in UTC.
type Scheduler struct {
	cron   *cron.Cron
	sweeps service.SweepService
	state  cache.SweepStateCache
	nrApp  *newrelic.Application
	log    logrus.FieldLogger
	cfg    Config
	now    func() time.Time
}

// New builds a scheduler. state and nrApp may be nil; without state every replica runs
// every firing.
func New(sweeps service.SweepService, state cache.SweepStateCache, nrApp *newrelic.Application, log logrus.FieldLogger, cfg Config) *Scheduler {
	log = log.WithField("component", "scheduler")
	cronLog := cron.PrintfLogger(log)

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		sweeps: sweeps,
		state:  state,
		nrApp:  nrApp,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Register adds both sweeps. It fails on a malformed schedule.
func (s *Scheduler) Register() error {
	jobs := []struct {
		name string
		spec string
	}{
		{JobAutoFinish, s.cfg.AutoFinishSchedule},
		{JobPurgeExpired, s.cfg.RetentionSchedule},
	}

	for _, job := range jobs {
		name := job.name
		if _, err := s.cron.AddFunc(job.spec, func() {
			if _, err := s.RunJob(context.Background(), name); err != nil && !errors.Is(err, ErrJobLocked) {
				s.log.WithError(err).WithField("job", name).Error("sweep run failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, job.spec, err)
		}
		s.log.WithFields(logrus.Fields{"job": name, "schedule": job.spec}).Info("sweep scheduled")
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new firings and waits for running sweeps until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunJob runs one sweep now, under the job lock.
func (s *Scheduler) RunJob(ctx context.Context, job string) (*service.SweepResult, error) {
	var run func(context.Context, time.Time) (*service.SweepResult, error)
	switch job {
	case JobAutoFinish:
		run = s.sweeps.AutoFinish
	case JobPurgeExpired:
		run = s.sweeps.PurgeExpired
	default:
		return nil, fmt.Errorf("unknown sweep job %q", job)
	}

	log := s.log.WithField("job", job)

	if s.state != nil {
		lock, err := s.state.Acquire(ctx, job, s.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire %s lock: %w", job, err)
		}
		if lock == nil {
			log.Info("sweep already running on another instance, skipping")
			return nil, ErrJobLocked
		}
		defer func() {
			if err := s.state.Release(context.Background(), lock); err != nil {
				log.WithError(err).Warn("failed to release sweep lock")
			}
		}()
	}

	if s.nrApp != nil {
		txn := s.nrApp.StartTransaction("sweep/" + job)
		defer txn.End()
		ctx = newrelic.NewContext(ctx, txn)
	}

	started := s.now().UTC()
	result, err := run(ctx, started)
	if err != nil {
		if txn := newrelic.FromContext(ctx); txn != nil {
			txn.NoticeError(err)
		}
	}

	s.record(ctx, job, started, result, err)
	return result, err
}

func (s *Scheduler) record(ctx context.Context, job string, started time.Time, result *service.SweepResult, runErr error) {
	if s.state == nil {
		return
	}
	last := &cache.LastRun{Job: job, StartedAt: started, FinishedAt: s.now().UTC()}
	if result != nil {
		last.Scanned = result.Scanned
		last.Succeeded = result.Succeeded
		last.Failed = result.Failed
	}
	if runErr != nil {
		last.Error = runErr.Error()
	}
	if err := s.state.RecordRun(ctx, last); err != nil {
		s.log.WithError(err).WithField("job", job).Warn("failed to record sweep run")
	}
}

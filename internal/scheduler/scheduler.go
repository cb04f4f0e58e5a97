package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is a pipeline stage run on a cron spec. It holds every lock in Locks
// while running (just its own name when empty), so jobs sharing a lock never
// run at the same time.
type Job struct {
	Name  string
	Spec  string
	Locks []string
	Run   func(ctx context.Context) error
}

func (j Job) lockNames() []string {
	if len(j.Locks) == 0 {
		return []string{j.Name}
	}
	names := append([]string(nil), j.Locks...)
	sort.Strings(names)
	return names
}

// Scheduler runs jobs on their cron specs. A job never overlaps itself: the
// cron chain skips a tick while the previous run is still going, and the
// locker extends that across processes.
type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. A nil locker means in-process locking only.
func New(locker Locker, logger *logrus.Logger) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		locker: locker,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job; an empty spec disables it
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.logger.WithField("stage", job.Name).Info("no schedule, stage disabled")
		return nil
	}

	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger})).
		Then(cron.FuncJob(func() { s.runJob(s.ctx, job) }))

	if _, err := s.cron.AddJob(job.Spec, wrapped); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", job.Spec, job.Name, err)
	}
	s.logger.WithFields(logrus.Fields{"stage": job.Name, "spec": job.Spec}).Info("stage scheduled")
	return nil
}

// RunNow runs job once outside its schedule, still honouring the lock.
// It reports whether the job actually ran.
func (s *Scheduler) RunNow(ctx context.Context, job Job) (bool, error) {
	return s.runLocked(ctx, job)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if _, err := s.runLocked(ctx, job); err != nil {
		s.logger.WithField("stage", job.Name).WithError(err).Error("scheduled stage failed")
	}
}

func (s *Scheduler) runLocked(ctx context.Context, job Job) (bool, error) {
	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()

	for _, name := range job.lockNames() {
		release, ok, err := s.locker.TryLock(ctx, name)
		if err != nil {
			return false, fmt.Errorf("lock %s for %s: %w", name, job.Name, err)
		}
		if !ok {
			s.logger.WithFields(logrus.Fields{"stage": job.Name, "lock": name}).
				Info("lock held by another run, skipping")
			return false, nil
		}
		releases = append(releases, release)
	}

	return true, job.Run(ctx)
}

// Start begins firing jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels running ones and waits up to timeout for them to return
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.logger.Warn("timed out waiting for running stages")
	}
}

// Entries lists the next run time of every scheduled job, soonest first
func (s *Scheduler) Entries() []time.Time {
	var next []time.Time
	for _, e := range s.cron.Entries() {
		next = append(next, e.Next)
	}
	return next
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

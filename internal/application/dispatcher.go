package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const SkipReasonInFlight = "already in flight"

type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	Backoff       time.Duration
	SweepInterval time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       2,
		QueueSize:     64,
		MaxAttempts:   3,
		Backoff:       time.Second,
		SweepInterval: 5 * time.Second,
	}
}

type TriggerResult struct {
	Enqueued bool
	Job      domain.AnalysisJob
	Reason   string
}

// Dispatcher runs analysis jobs from the durable queue. The store is the
// source of truth; the ready channel only wakes idle workers and a periodic
// sweep picks up anything a dropped wake-up missed.
type Dispatcher struct {
	jobs     ports.JobStore
	ledger   ports.SymbolLedger
	analyzer ports.Analyzer
	observer ports.JobObserver
	clock    ports.Clock
	logger   *zap.Logger
	cfg      DispatcherConfig

	ready  chan domain.JobID
	mu     sync.Mutex
	timers map[domain.JobID]ports.Timer
}

func NewDispatcher(jobs ports.JobStore, ledger ports.SymbolLedger, analyzer ports.Analyzer, observer ports.JobObserver, clock ports.Clock, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}

	return &Dispatcher{
		jobs:     jobs,
		ledger:   ledger,
		analyzer: analyzer,
		observer: observer,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		ready:    make(chan domain.JobID, cfg.QueueSize),
		timers:   make(map[domain.JobID]ports.Timer),
	}
}

// Trigger enqueues an analysis of the session's current ledger unless a job
// is already queued or running. A running job is flagged so that it is
// followed by another run over the symbols that arrived meanwhile.
func (d *Dispatcher) Trigger(ctx context.Context, sessionID domain.SessionID) (TriggerResult, error) {
	job, found, err := d.jobs.InFlight(ctx, sessionID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("check in-flight job: %w", err)
	}
	if found && job.Status.InFlight() {
		skipped, err := d.skip(ctx, job)
		if err == nil {
			return skipped, nil
		}
		if !errors.Is(err, domain.ErrJobNotQueued) {
			return TriggerResult{}, err
		}
	}

	count, err := d.ledger.Count(ctx, sessionID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("count symbols: %w", err)
	}

	job, err = d.jobs.Enqueue(ctx, sessionID, count, d.cfg.MaxAttempts, d.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrJobInFlight) {
			return TriggerResult{Reason: SkipReasonInFlight}, nil
		}
		return TriggerResult{}, fmt.Errorf("enqueue analysis: %w", err)
	}

	d.logger.Info("analysis enqueued",
		zap.String("session_id", string(sessionID)),
		zap.String("job_id", string(job.ID)),
		zap.Int("symbol_count", count),
	)
	d.wake(job.ID)

	return TriggerResult{Enqueued: true, Job: job}, nil
}

// skip returns domain.ErrJobNotQueued when the job finished before the
// follow-up flag could be recorded.
func (d *Dispatcher) skip(ctx context.Context, job domain.AnalysisJob) (TriggerResult, error) {
	if job.Status == domain.JobRunning && !job.FollowUp {
		if err := d.jobs.RequestFollowUp(ctx, job.ID); err != nil {
			if errors.Is(err, domain.ErrJobNotQueued) {
				return TriggerResult{}, err
			}
			return TriggerResult{}, fmt.Errorf("request follow-up: %w", err)
		}
		job.FollowUp = true
	}

	return TriggerResult{Job: job, Reason: SkipReasonInFlight}, nil
}

// Run recovers jobs abandoned by a previous process and works the queue
// until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	recovered, err := d.jobs.Recover(ctx, d.clock.Now())
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if recovered > 0 {
		d.logger.Info("recovered interrupted analysis jobs", zap.Int("count", recovered))
	}

	defer d.stopTimers()

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		eg.Go(func() error {
			d.work(egCtx)
			return nil
		})
	}
	eg.Go(func() error {
		d.sweep(egCtx)
		return nil
	})

	return eg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.ready:
			d.execute(ctx, id)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		d.wakeDue(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) wakeDue(ctx context.Context) {
	due, err := d.jobs.Due(ctx, d.clock.Now())
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("list due jobs failed", zap.Error(err))
		}
		return
	}

	for _, job := range due {
		d.wake(job.ID)
	}
}

func (d *Dispatcher) wake(id domain.JobID) {
	select {
	case d.ready <- id:
	default:
		d.logger.Debug("ready queue full, leaving job to sweep", zap.String("job_id", string(id)))
	}
}

func (d *Dispatcher) execute(ctx context.Context, id domain.JobID) {
	job, err := d.jobs.Get(ctx, id)
	if err != nil {
		d.logFault(ctx, "load job failed", id, err)
		return
	}
	if job.Status != domain.JobQueued || job.NextAttemptAt.After(d.clock.Now()) {
		return
	}

	count, err := d.ledger.Count(ctx, job.SessionID)
	if err != nil {
		d.logFault(ctx, "count symbols failed", id, err)
		return
	}

	job, err = d.jobs.Claim(ctx, id, count, d.clock.Now())
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotQueued) {
			d.logFault(ctx, "claim job failed", id, err)
		}
		return
	}

	logger := d.logger.With(
		zap.String("job_id", string(job.ID)),
		zap.String("session_id", string(job.SessionID)),
		zap.Int("attempt", job.Attempts),
	)

	if job.Attempts > job.MaxAttempts {
		d.fail(ctx, job, fmt.Errorf("%w: attempts exhausted: %s", domain.ErrTransientAnalysis, job.LastError), logger)
		return
	}
	if count == 0 {
		d.fail(ctx, job, fmt.Errorf("%w: %w", domain.ErrPermanentAnalysis, domain.ErrEmptyLedger), logger)
		return
	}

	events, err := d.ledger.Latest(ctx, job.SessionID, count)
	if err != nil {
		d.retryOrFail(ctx, job, fmt.Errorf("load symbols: %w", err), logger)
		return
	}
	symbols := make([]domain.Symbol, 0, len(events))
	for _, event := range events {
		symbols = append(symbols, event.Symbol)
	}

	logger.Info("analysis running", zap.Int("symbol_count", len(symbols)))
	results, err := d.analyzer.Analyze(ctx, job.SessionID, symbols, func(fraction float64) {
		d.observer.JobProgress(job, fraction)
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("analysis interrupted by shutdown")
			return
		}
		d.retryOrFail(ctx, job, err, logger)
		return
	}

	if len(results) == 0 {
		d.retryOrFail(ctx, job, fmt.Errorf("%w: analyzer returned no results", domain.ErrPermanentAnalysis), logger)
		return
	}

	d.settle(ctx, job.ID, logger, func(ctx context.Context) error {
		return d.jobs.Complete(ctx, job.ID, results, d.clock.Now())
	}, func() {
		job.Status = domain.JobCompleted
		logger.Info("analysis completed", zap.Int("results", len(results)))
		d.observer.JobCompleted(job, results)
		d.followUp(ctx, job, logger)
	})
}

func (d *Dispatcher) retryOrFail(ctx context.Context, job domain.AnalysisJob, cause error, logger *zap.Logger) {
	if domain.IsPermanentAnalysis(cause) || !job.AttemptsRemaining() {
		d.fail(ctx, job, cause, logger)
		return
	}

	delay := domain.BackoffDelay(d.cfg.Backoff, job.Attempts)
	d.settle(ctx, job.ID, logger, func(ctx context.Context) error {
		return d.jobs.Retry(ctx, job.ID, cause.Error(), d.clock.Now().Add(delay))
	}, func() {
		logger.Warn("analysis attempt failed, retrying", zap.Duration("backoff", delay), zap.Error(cause))
		d.schedule(job.ID, delay)
	})
}

func (d *Dispatcher) fail(ctx context.Context, job domain.AnalysisJob, cause error, logger *zap.Logger) {
	d.settle(ctx, job.ID, logger, func(ctx context.Context) error {
		return d.jobs.Fail(ctx, job.ID, cause.Error(), d.clock.Now())
	}, func() {
		job.Status = domain.JobFailed
		job.LastError = cause.Error()
		logger.Warn("analysis failed", zap.Error(cause))
		d.observer.JobFailed(job, cause)
	})
}

// settle records the outcome of a run. A storage fault is retried with
// backoff until the write lands or the dispatcher stops; meanwhile the job
// stays running, and on restart Recover runs it again.
func (d *Dispatcher) settle(ctx context.Context, id domain.JobID, logger *zap.Logger, apply func(context.Context) error, then func()) {
	d.settleAttempt(ctx, id, logger, 1, apply, then)
}

func (d *Dispatcher) settleAttempt(ctx context.Context, id domain.JobID, logger *zap.Logger, attempt int, apply func(context.Context) error, then func()) {
	err := apply(ctx)
	switch {
	case err == nil:
		then()
		return
	case ctx.Err() != nil:
		return
	case errors.Is(err, domain.ErrJobNotQueued), errors.Is(err, domain.ErrJobNotFound):
		logger.Warn("job moved on before its outcome was recorded", zap.Error(err))
		return
	}

	delay := domain.BackoffDelay(d.cfg.Backoff, attempt)
	logger.Error("record job outcome failed, retrying", zap.Int("write_attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
	d.after(id, delay, func() {
		d.settleAttempt(ctx, id, logger, attempt+1, apply, then)
	})
}

func (d *Dispatcher) followUp(ctx context.Context, job domain.AnalysisJob, logger *zap.Logger) {
	current, err := d.jobs.Get(ctx, job.ID)
	if err != nil {
		logger.Error("reload job failed", zap.Error(err))
		return
	}
	if !current.FollowUp {
		return
	}

	count, err := d.ledger.Count(ctx, job.SessionID)
	if err != nil {
		logger.Error("count symbols for follow-up failed", zap.Error(err))
		return
	}
	if count <= job.SymbolCount {
		return
	}

	next, err := d.jobs.Enqueue(ctx, job.SessionID, count, d.cfg.MaxAttempts, d.clock.Now())
	if err != nil {
		if !errors.Is(err, domain.ErrJobInFlight) {
			logger.Error("enqueue follow-up failed", zap.Error(err))
		}
		return
	}

	logger.Info("follow-up analysis enqueued", zap.String("next_job_id", string(next.ID)), zap.Int("symbol_count", count))
	d.observer.JobStarted(next)
	d.wake(next.ID)
}

func (d *Dispatcher) schedule(id domain.JobID, delay time.Duration) {
	d.after(id, delay, func() { d.wake(id) })
}

// after keeps at most one pending timer per job.
func (d *Dispatcher) after(id domain.JobID, delay time.Duration, f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.timers[id]; ok {
		timer.Stop()
	}
	var timer ports.Timer
	timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[id] == timer {
			delete(d.timers, id)
		}
		d.mu.Unlock()
		f()
	})
	d.timers[id] = timer
}

func (d *Dispatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

func (d *Dispatcher) logFault(ctx context.Context, msg string, id domain.JobID, err error) {
	if ctx.Err() != nil {
		return
	}
	d.logger.Error(msg, zap.String("job_id", string(id)), zap.Error(err))
}

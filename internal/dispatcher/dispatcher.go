// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/breaker"
	"github.com/kelsjon3/stablequeue/internal/config"
	"github.com/kelsjon3/stablequeue/internal/monitor"
	"github.com/kelsjon3/stablequeue/internal/obs"
	"github.com/kelsjon3/stablequeue/internal/queue"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

// token tracks one backend alias's exclusivity state: at most one
// Monitor may be busy on a given backend at a time.
type token struct {
	busy   bool
	jobID  string
	cancel chan struct{}
}

// Dispatcher binds pending jobs to backends, preserving the
// one-active-job-per-backend invariant, and spawns Monitors.
type Dispatcher struct {
	cfg     config.Dispatcher
	cbCfg   config.CircuitBreaker
	queue   *queue.Store
	reg     *registry.Store
	monitor *monitor.Monitor
	log     *zap.Logger

	mu               sync.Mutex
	tokens           map[string]*token
	firstSeenUnknown map[string]time.Time
	breakers         map[string]*breaker.CircuitBreaker
	wg               sync.WaitGroup
}

func New(cfg config.Dispatcher, cbCfg config.CircuitBreaker, q *queue.Store, reg *registry.Store, m *monitor.Monitor, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:              cfg,
		cbCfg:            cbCfg,
		queue:            q,
		reg:              reg,
		monitor:          m,
		log:              log,
		tokens:           make(map[string]*token),
		firstSeenUnknown: make(map[string]time.Time),
		breakers:         make(map[string]*breaker.CircuitBreaker),
	}
}

// breakerFor returns (creating if absent) the per-backend circuit
// breaker gating claim attempts against a repeatedly failing backend.
func (d *Dispatcher) breakerFor(alias string) *breaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[alias]
	if !ok {
		cb = breaker.New(d.cbCfg.Window, d.cbCfg.CooldownPeriod, d.cbCfg.FailureThreshold, d.cbCfg.MinSamples)
		d.breakers[alias] = cb
	}
	return cb
}

// recordOutcome feeds the job's terminal status to alias's breaker and
// mirrors the transition onto the circuit breaker gauges/counters.
func (d *Dispatcher) recordOutcome(alias string, cb *breaker.CircuitBreaker, ok bool) {
	before := cb.State()
	cb.Record(ok)
	after := cb.State()
	obs.CircuitBreakerState.WithLabelValues(alias).Set(float64(after))
	if before != breaker.Open && after == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(alias).Inc()
	}
}

// Run blocks until ctx is cancelled, maintaining one supervisory loop
// per known backend alias and re-reading the registry periodically so
// added/removed backends gain or lose a loop.
func (d *Dispatcher) Run(ctx context.Context) {
	registryTicker := time.NewTicker(d.cfg.RegistryPoll)
	defer registryTicker.Stop()

	d.syncBackendLoops(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-registryTicker.C:
			d.syncBackendLoops(ctx)
			d.sweepUnknownBackends(ctx)
		}
	}
}

func (d *Dispatcher) syncBackendLoops(ctx context.Context) {
	backends, err := d.reg.List(ctx)
	if err != nil {
		d.log.Error("list backends failed", zap.Error(err))
		return
	}
	known := make(map[string]bool, len(backends))

	d.mu.Lock()
	for _, b := range backends {
		known[b.Alias] = true
		if _, ok := d.tokens[b.Alias]; !ok {
			tok := &token{}
			d.tokens[b.Alias] = tok
			d.wg.Add(1)
			go func(alias string, tok *token) {
				defer d.wg.Done()
				d.backendLoop(ctx, alias, tok)
			}(b.Alias, tok)
		}
		delete(d.firstSeenUnknown, b.Alias)
	}
	for alias := range d.tokens {
		if !known[alias] {
			// removed backend: the loop exits on its own once it next
			// observes the alias missing; leave any in-flight Monitor
			// to finish.
			delete(d.tokens, alias)
		}
	}
	d.mu.Unlock()
}

// backendLoop owns one backend's exclusivity token: idle, attempt a
// claim; busy, wait for the Monitor to finish.
func (d *Dispatcher) backendLoop(ctx context.Context, alias string, tok *token) {
	ticker := time.NewTicker(d.cfg.IdleScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		stillKnown := d.tokens[alias] == tok
		d.mu.Unlock()
		if !stillKnown {
			return
		}

		cb := d.breakerFor(alias)
		if !cb.Allow() {
			continue
		}

		job, err := d.queue.ClaimNextForBackend(ctx, alias)
		if err != nil {
			d.log.Warn("claim_next_for_backend failed", zap.String("backend", alias), zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}

		cancel := make(chan struct{})
		d.mu.Lock()
		tok.busy, tok.jobID, tok.cancel = true, job.JobID, cancel
		d.mu.Unlock()

		d.monitor.RunJob(ctx, job, cancel)
		d.recordJobOutcome(ctx, alias, cb, job.JobID)

		d.mu.Lock()
		tok.busy, tok.jobID, tok.cancel = false, "", nil
		d.mu.Unlock()
	}
}

// recordJobOutcome re-reads the job's terminal status once RunJob
// returns and feeds it to the backend's circuit breaker; cancellations
// don't count against the backend since it never got to misbehave.
func (d *Dispatcher) recordJobOutcome(ctx context.Context, alias string, cb *breaker.CircuitBreaker, jobID string) {
	j, err := d.queue.Get(ctx, jobID)
	if err != nil {
		return
	}
	switch j.Status {
	case queue.Completed:
		d.recordOutcome(alias, cb, true)
	case queue.Failed:
		d.recordOutcome(alias, cb, false)
	}
}

// AdoptOrphan spawns a Monitor for a job found in processing with no
// owning Monitor at startup, implementing reconcile.Spawner. Monitor.RunJob
// itself decides whether to resume in Polling (backend_session present)
// or restart from Submitting.
func (d *Dispatcher) AdoptOrphan(ctx context.Context, job *queue.Job) {
	d.mu.Lock()
	tok, ok := d.tokens[job.TargetBackend]
	if !ok {
		tok = &token{}
		d.tokens[job.TargetBackend] = tok
	}
	cancel := make(chan struct{})
	tok.busy, tok.jobID, tok.cancel = true, job.JobID, cancel
	d.mu.Unlock()

	cb := d.breakerFor(job.TargetBackend)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.monitor.RunJob(ctx, job, cancel)
		d.recordJobOutcome(ctx, job.TargetBackend, cb, job.JobID)
		d.mu.Lock()
		tok.busy, tok.jobID, tok.cancel = false, "", nil
		d.mu.Unlock()
		if !ok {
			// syncBackendLoops skips aliases that already hold a token, so
			// the token created here goes on to drive the backend's loop.
			d.backendLoop(ctx, job.TargetBackend, tok)
		}
	}()
}

// RequestCancel signals the Monitor owning jobID, if any is currently
// active, to cancel at its next polling tick.
func (d *Dispatcher) RequestCancel(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tok := range d.tokens {
		if tok.busy && tok.jobID == jobID && tok.cancel != nil {
			select {
			case <-tok.cancel:
			default:
				close(tok.cancel)
			}
			return true
		}
	}
	return false
}

// sweepUnknownBackends gathers the distinct target_backend aliases
// among pending jobs and hands them to FailUnknownBackendJobs.
func (d *Dispatcher) sweepUnknownBackends(ctx context.Context) {
	jobs, _, err := d.queue.List(ctx, queue.ListFilter{Status: queue.Pending, Limit: 10000})
	if err != nil {
		d.log.Error("list pending jobs for unknown-backend sweep failed", zap.Error(err))
		return
	}
	seen := map[string]bool{}
	var aliases []string
	for _, j := range jobs {
		if !seen[j.TargetBackend] {
			seen[j.TargetBackend] = true
			aliases = append(aliases, j.TargetBackend)
		}
	}
	d.FailUnknownBackendJobs(ctx, aliases)
}

// FailUnknownBackendJobs fails pending jobs whose target_backend has
// had no matching registry entry for longer than UnknownBackendGrace,
// tolerating brief admin races during registry edits.
func (d *Dispatcher) FailUnknownBackendJobs(ctx context.Context, pendingAliases []string) {
	d.mu.Lock()
	now := time.Now()
	var graceExpired []string
	for _, alias := range pendingAliases {
		if _, known := d.tokens[alias]; known {
			delete(d.firstSeenUnknown, alias)
			continue
		}
		first, seen := d.firstSeenUnknown[alias]
		if !seen {
			d.firstSeenUnknown[alias] = now
			continue
		}
		if now.Sub(first) >= d.cfg.UnknownBackendGrace {
			graceExpired = append(graceExpired, alias)
		}
	}
	d.mu.Unlock()

	for _, alias := range graceExpired {
		d.failPendingForUnknownBackend(ctx, alias)
	}
}

func (d *Dispatcher) failPendingForUnknownBackend(ctx context.Context, alias string) {
	jobs, _, err := d.queue.List(ctx, queue.ListFilter{Status: queue.Pending, Limit: 10000})
	if err != nil {
		d.log.Error("list pending jobs failed", zap.Error(err))
		return
	}
	for _, j := range jobs {
		if j.TargetBackend != alias {
			continue
		}
		if err := d.queue.Fail(ctx, j.JobID, "bad_request", "unknown backend "+alias, false); err != nil {
			d.log.Warn("fail unknown-backend job failed", zap.String("job_id", j.JobID), zap.Error(err))
		}
	}
}

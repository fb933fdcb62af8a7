// Package scheduler provides durable cron and one-off task execution with
// catch-up semantics. Schedules persist in a WAL-mode sqlite store; firing
// dispatches either to an in-process handler registered by task key or into
// the agent executor as a synthetic prompt turn. Catch-up deduplication is
// keyed by a canonical period identifier derived from the firing instant.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// ErrDuplicateTaskKey reports an attempt to create a schedule whose task key
// already exists. Callers must decide whether to update instead.
var ErrDuplicateTaskKey = errors.New("schedule already exists")

type (
	// HandlerType selects how a schedule is dispatched when it fires.
	HandlerType string

	// ExecutionPolicy governs what happens when firings are missed while the
	// process was down.
	ExecutionPolicy string

	// Status is the outcome recorded in the execution log.
	Status string

	// Item is a persisted schedule.
	Item struct {
		// ID is the stable schedule identifier (UUID).
		ID string
		// Description documents the schedule for operators.
		Description string
		// Expression is either a standard five-field cron expression or an
		// RFC 3339 instant for a one-off schedule.
		Expression string
		// Payload is opaque handler input, typically a prompt string or
		// serialized handler arguments.
		Payload []byte
		// TaskKey is unique per process and maps to a registered handler or
		// identifies an agent task. Uniqueness prevents duplicate seeding of
		// system tasks.
		TaskKey string
		// HandlerType selects direct-handler or agent-prompt dispatch.
		HandlerType HandlerType
		// Policy is the missed-firing policy.
		Policy ExecutionPolicy
		// Active reports whether timers are armed for this schedule.
		Active bool
		// CreatedAt is the creation time.
		CreatedAt time.Time
		// LastInvocation is advisory; cron correctness never depends on it.
		LastInvocation *time.Time
	}

	// LogRecord is one append-only execution log row.
	LogRecord struct {
		ID         int64
		ScheduleID string
		// PeriodID is the canonical deduplication key for the firing period.
		PeriodID   string
		Status     Status
		ExecutedAt time.Time
		Notes      string
	}

	// DirectHandlerFunc is an in-process handler registered under a task key.
	DirectHandlerFunc func(ctx context.Context, payload []byte) error

	// AgentRunner dispatches AGENT_PROMPT schedules into the agent executor.
	// The payload is passed as user input with empty history in scheduled
	// mode.
	AgentRunner interface {
		RunScheduled(ctx context.Context, prompt string) (string, error)
	}

	// Scheduler persists schedules, reconciles missed firings at startup and
	// arms in-memory timers. Each active schedule has at most one timer armed
	// at any instant.
	Scheduler struct {
		store   *store
		runner  AgentRunner
		logger  telemetry.Logger
		metrics telemetry.Metrics
		parser  cron.Parser

		mu       sync.Mutex
		handlers map[string]DirectHandlerFunc
		timers   map[string]*time.Timer
		started  bool

		baseCtx context.Context
		cancel  context.CancelFunc
		wg      sync.WaitGroup
		grace   time.Duration
	}
)

// Handler types.
const (
	// DirectHandler dispatches to a function registered via
	// RegisterDirectHandler.
	DirectHandler HandlerType = "DIRECT_HANDLER"
	// AgentPrompt dispatches the payload into the agent executor.
	AgentPrompt HandlerType = "AGENT_PROMPT"
)

// Execution policies.
const (
	// SkipMissed ignores missed firings and arms the next future one.
	SkipMissed ExecutionPolicy = "SKIP_MISSED"
	// RunImmediatelyIfMissed executes once at startup when the most recent
	// firing was missed.
	RunImmediatelyIfMissed ExecutionPolicy = "RUN_IMMEDIATELY_IF_MISSED"
	// RunOncePerPeriodCatchUp executes at most once per period, deduplicated
	// through the execution log. Idempotent across restarts within a period.
	RunOncePerPeriodCatchUp ExecutionPolicy = "RUN_ONCE_PER_PERIOD_CATCH_UP"
)

// Execution statuses.
const (
	StatusSuccess          Status = "SUCCESS"
	StatusFailure          Status = "FAILURE"
	StatusSkippedDuplicate Status = "SKIPPED_DUPLICATE"
)

// shutdownGrace is how long in-flight fires get to finish at shutdown before
// being abandoned and logged as failures.
const shutdownGrace = 10 * time.Second

// maxErrorNote bounds the error summary stored in log notes.
const maxErrorNote = 500

// New opens the scheduler store at dbPath. The runner may be nil when no
// agent executor is available; AGENT_PROMPT fires then log FAILURE.
func New(dbPath string, runner AgentRunner, logger telemetry.Logger, metrics telemetry.Metrics) (*Scheduler, error) {
	st, err := openStore(dbPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		logger:   logger,
		metrics:  metrics,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		handlers: make(map[string]DirectHandlerFunc),
		timers:   make(map[string]*time.Timer),
		grace:    shutdownGrace,
	}, nil
}

// SetAgentRunner installs the agent dispatch target. Must be called before
// Start; the executor depends on the scheduler for its schedule tool, so the
// two are wired in two phases.
func (s *Scheduler) SetAgentRunner(r AgentRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// Create validates and persists a new schedule, returning its generated ID.
// It rejects duplicate task keys with ErrDuplicateTaskKey and leaves the
// existing schedule unchanged. When the scheduler is already started, the
// timer for the new schedule is armed immediately.
func (s *Scheduler) Create(ctx context.Context, it Item) (string, error) {
	if it.TaskKey == "" {
		return "", errors.New("task key is required")
	}
	if it.Expression == "" {
		return "", errors.New("schedule expression is required")
	}
	if _, _, err := s.parseExpression(it.Expression); err != nil {
		return "", err
	}
	switch it.HandlerType {
	case DirectHandler, AgentPrompt:
	default:
		return "", fmt.Errorf("unknown handler type %q", it.HandlerType)
	}
	switch it.Policy {
	case SkipMissed, RunImmediatelyIfMissed, RunOncePerPeriodCatchUp:
	default:
		return "", fmt.Errorf("unknown execution policy %q", it.Policy)
	}
	it.ID = uuid.NewString()
	it.Active = true
	it.CreatedAt = time.Now()
	it.LastInvocation = nil
	if err := s.store.insertSchedule(ctx, &it); err != nil {
		return "", err
	}
	s.logger.Info(ctx, "schedule created", "id", it.ID, "task_key", it.TaskKey, "expression", it.Expression)
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.arm(&it)
	}
	return it.ID, nil
}

// Delete removes a schedule and disarms its timer.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.disarm(id)
	return s.store.deleteSchedule(ctx, id)
}

// GetByKey returns the schedule with the given task key, or nil when absent.
func (s *Scheduler) GetByKey(ctx context.Context, taskKey string) (*Item, error) {
	return s.store.getByKey(ctx, taskKey)
}

// List returns every persisted schedule.
func (s *Scheduler) List(ctx context.Context) ([]*Item, error) {
	return s.store.list(ctx)
}

// ExecutionLog returns the append-only log rows for a schedule.
func (s *Scheduler) ExecutionLog(ctx context.Context, scheduleID string) ([]*LogRecord, error) {
	return s.store.logForSchedule(ctx, scheduleID)
}

// RegisterDirectHandler registers fn under taskKey, replacing any previous
// registration.
func (s *Scheduler) RegisterDirectHandler(taskKey string, fn DirectHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskKey] = fn
}

// Start loads active schedules, runs missed-task reconciliation per policy,
// then arms timers. It is not safe to call twice.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	items, err := s.store.list(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, it := range items {
		if !it.Active {
			continue
		}
		if err := s.reconcile(ctx, it, now); err != nil {
			s.logger.Error(ctx, err, "schedule reconciliation failed", "task_key", it.TaskKey)
		}
		// One-offs executed by reconciliation are deactivated and must not
		// be re-armed.
		fresh, err := s.store.getByID(ctx, it.ID)
		if err != nil || fresh == nil || !fresh.Active {
			continue
		}
		s.arm(fresh)
	}
	s.logger.Info(ctx, "scheduler started", "schedules", len(items))
	return nil
}

// Shutdown cancels pending fires that have not begun, waits up to the grace
// window for in-flight handlers and closes the store. Abandoned handlers are
// logged.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Warn(ctx, "abandoning in-flight scheduled work after grace window")
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	return s.store.close()
}

// reconcile applies the missed-firing policy for one schedule at startup.
func (s *Scheduler) reconcile(ctx context.Context, it *Item, now time.Time) error {
	sched, oneOff, err := s.parseExpression(it.Expression)
	if err != nil {
		return err
	}
	var missed time.Time
	if oneOff != nil {
		if oneOff.After(now) {
			return nil
		}
		missed = *oneOff
	} else {
		missed = mostRecentFiring(sched, it.CreatedAt, now)
		if missed.IsZero() {
			return nil
		}
	}

	switch it.Policy {
	case SkipMissed:
		// One-off schedules in the past would otherwise never deactivate.
		if oneOff != nil {
			return s.store.setActive(ctx, it.ID, false)
		}
		return nil

	case RunImmediatelyIfMissed:
		if it.LastInvocation != nil && !it.LastInvocation.Before(missed) {
			return nil
		}
		s.spawnFire(it, missed, "missed firing executed at startup")
		return nil

	case RunOncePerPeriodCatchUp:
		periodID := periodIdentifier(it.Expression, oneOff != nil, missed)
		done, err := s.store.hasSuccess(ctx, it.ID, periodID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		s.spawnFire(it, missed, "catch-up execution at startup")
		return nil
	}
	return nil
}

// arm schedules the next in-memory timer for it. Any previously armed timer
// for the same schedule is stopped first, preserving the one-timer-per
// -schedule invariant.
func (s *Scheduler) arm(it *Item) {
	sched, oneOff, err := s.parseExpression(it.Expression)
	if err != nil {
		return
	}
	now := time.Now()
	var next time.Time
	if oneOff != nil {
		if !oneOff.After(now) {
			return
		}
		next = *oneOff
	} else {
		next = sched.Next(now)
	}
	item := *it
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if prev, ok := s.timers[item.ID]; ok {
		prev.Stop()
	}
	s.timers[item.ID] = time.AfterFunc(time.Until(next), func() {
		s.onTimer(&item, next)
	})
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// onTimer handles a timer expiry: fire in a fresh goroutine so long-running
// handlers never block the timer loop, then re-arm cron schedules.
func (s *Scheduler) onTimer(it *Item, firedAt time.Time) {
	s.mu.Lock()
	delete(s.timers, it.ID)
	s.mu.Unlock()
	s.spawnFire(it, firedAt, "")
	if _, oneOff, err := s.parseExpression(it.Expression); err == nil && oneOff == nil {
		s.arm(it)
	}
}

func (s *Scheduler) spawnFire(it *Item, firedAt time.Time, note string) {
	item := *it
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.fireContext()
		s.fire(ctx, &item, firedAt, note)
	}()
}

func (s *Scheduler) fireContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// fire executes one firing of a schedule: catch-up dedupe check, dispatch,
// log record, one-off deactivation.
func (s *Scheduler) fire(ctx context.Context, it *Item, firedAt time.Time, note string) {
	_, oneOffPtr, err := s.parseExpression(it.Expression)
	if err != nil {
		return
	}
	oneOff := oneOffPtr != nil
	periodID := periodIdentifier(it.Expression, oneOff, firedAt)
	start := time.Now()

	if it.Policy == RunOncePerPeriodCatchUp {
		done, err := s.store.hasSuccess(ctx, it.ID, periodID)
		if err != nil {
			s.logger.Error(ctx, err, "execution log check failed", "task_key", it.TaskKey)
			return
		}
		if done {
			_, _ = s.store.appendLog(ctx, &LogRecord{
				ScheduleID: it.ID, PeriodID: periodID, Status: StatusSkippedDuplicate,
				ExecutedAt: time.Now(), Notes: "period already succeeded",
			})
			return
		}
	}

	dispatchErr := s.dispatch(ctx, it)
	status := StatusSuccess
	notes := note
	if dispatchErr != nil {
		status = StatusFailure
		notes = truncate(dispatchErr.Error(), maxErrorNote)
	}
	recorded, logErr := s.store.appendLog(ctx, &LogRecord{
		ScheduleID: it.ID, PeriodID: periodID, Status: status,
		ExecutedAt: time.Now(), Notes: notes,
	})
	if logErr != nil {
		s.logger.Error(ctx, logErr, "execution log write failed", "task_key", it.TaskKey)
	}
	s.metrics.IncCounter("scheduler.fires", 1, "task_key", it.TaskKey, "status", string(recorded))
	s.metrics.RecordTimer("scheduler.fire_duration", time.Since(start), "task_key", it.TaskKey)
	s.logger.Info(ctx, "schedule fired", "task_key", it.TaskKey, "status", string(recorded), "period", periodID)

	if recorded == StatusSuccess {
		if err := s.store.touchLastInvocation(ctx, it.ID, firedAt); err != nil {
			s.logger.Error(ctx, err, "last invocation update failed", "task_key", it.TaskKey)
		}
	}
	if oneOff && recorded == StatusSuccess {
		s.disarm(it.ID)
		if err := s.store.setActive(ctx, it.ID, false); err != nil {
			s.logger.Error(ctx, err, "one-off deactivation failed", "task_key", it.TaskKey)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, it *Item) error {
	switch it.HandlerType {
	case DirectHandler:
		s.mu.Lock()
		fn, ok := s.handlers[it.TaskKey]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("no direct handler registered for task key %q", it.TaskKey)
		}
		return fn(ctx, it.Payload)
	case AgentPrompt:
		s.mu.Lock()
		runner := s.runner
		s.mu.Unlock()
		if runner == nil {
			return errors.New("agent runner not configured")
		}
		_, err := runner.RunScheduled(ctx, string(it.Payload))
		return err
	default:
		return fmt.Errorf("unknown handler type %q", it.HandlerType)
	}
}

// parseExpression parses the schedule expression. Exactly one of the returns
// is set: a cron schedule, or a one-off instant.
func (s *Scheduler) parseExpression(expr string) (cron.Schedule, *time.Time, error) {
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return nil, &t, nil
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid schedule expression %q: %w", expr, err)
	}
	return sched, nil, nil
}

// mostRecentFiring computes the latest firing instant at or before now by
// walking the cron sequence forward from a bounded lookback. Returns zero
// when no firing has occurred yet.
func mostRecentFiring(sched cron.Schedule, createdAt, now time.Time) time.Time {
	start := now.AddDate(0, 0, -366)
	if createdAt.After(start) {
		start = createdAt
	}
	var last time.Time
	t := sched.Next(start.Add(-time.Second))
	// Walk cap protects against pathological expressions; a year of
	// minute-granularity firings stays within it for daily/hourly schedules,
	// and for denser schedules the most recent firing is found long before
	// the cap.
	for i := 0; i < 600000 && !t.IsZero() && !t.After(now); i++ {
		last = t
		t = sched.Next(t)
	}
	return last
}

// periodIdentifier derives the canonical deduplication key for a firing:
// the local calendar date for daily cron schedules, date plus hour for
// hourly, the RFC 3339 firing instant otherwise, and the RFC 3339 instant
// for one-off schedules.
func periodIdentifier(expr string, oneOff bool, firedAt time.Time) string {
	if oneOff {
		return firedAt.UTC().Format(time.RFC3339)
	}
	fields := strings.Fields(expr)
	if len(fields) == 5 {
		minuteFixed := fields[0] != "*"
		hourFixed := fields[1] != "*"
		restWild := fields[2] == "*" && fields[3] == "*" && fields[4] == "*"
		switch {
		case hourFixed && restWild:
			return firedAt.Local().Format("2006-01-02")
		case minuteFixed && !hourFixed && restWild:
			return firedAt.Local().Format("2006-01-02T15")
		}
	}
	return firedAt.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

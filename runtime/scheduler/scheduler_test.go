package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/wooster-ai/wooster/runtime/telemetry"
)

type fakeRunner struct {
	calls atomic.Int64
}

func (f *fakeRunner) RunScheduled(context.Context, string) (string, error) {
	f.calls.Add(1)
	return "done", nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	s, err := New(filepath.Join(t.TempDir(), "sched.db"), runner, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, runner
}

func TestCreate_DuplicateTaskKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	item := Item{
		Description: "daily review",
		Expression:  "0 7 * * *",
		TaskKey:     "system.dailyReview",
		HandlerType: AgentPrompt,
		Policy:      RunOncePerPeriodCatchUp,
		Payload:     []byte("review"),
	}
	id, err := s.Create(ctx, item)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.Create(ctx, item)
	require.ErrorIs(t, err, ErrDuplicateTaskKey)

	// The stored schedule is untouched.
	got, err := s.GetByKey(ctx, "system.dailyReview")
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
}

func TestCreate_RejectsInvalidExpression(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	_, err := s.Create(ctx, Item{
		Expression:  "not a cron",
		TaskKey:     "bad",
		HandlerType: AgentPrompt,
		Policy:      SkipMissed,
	})
	require.Error(t, err)
}

func TestFire_CatchUpRunsOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	s, runner := newTestScheduler(t)

	id, err := s.Create(ctx, Item{
		Description: "daily",
		Expression:  "0 7 * * *",
		TaskKey:     "test.daily",
		HandlerType: AgentPrompt,
		Policy:      RunOncePerPeriodCatchUp,
		Payload:     []byte("go"),
	})
	require.NoError(t, err)
	it, err := s.GetByKey(ctx, "test.daily")
	require.NoError(t, err)

	firedAt := time.Date(2026, 8, 26, 7, 0, 0, 0, time.Local)
	s.fire(ctx, it, firedAt, "")
	s.fire(ctx, it, firedAt.Add(time.Minute), "")
	require.Equal(t, int64(1), runner.calls.Load())

	log, err := s.ExecutionLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, log, 2)
	statuses := map[Status]int{}
	for _, rec := range log {
		statuses[rec.Status]++
	}
	require.Equal(t, 1, statuses[StatusSuccess])
	require.Equal(t, 1, statuses[StatusSkippedDuplicate])
}

func TestFire_NextPeriodRunsAgain(t *testing.T) {
	ctx := context.Background()
	s, runner := newTestScheduler(t)

	_, err := s.Create(ctx, Item{
		Expression:  "0 7 * * *",
		TaskKey:     "test.nextday",
		HandlerType: AgentPrompt,
		Policy:      RunOncePerPeriodCatchUp,
	})
	require.NoError(t, err)
	it, err := s.GetByKey(ctx, "test.nextday")
	require.NoError(t, err)

	s.fire(ctx, it, time.Date(2026, 8, 26, 7, 0, 0, 0, time.Local), "")
	s.fire(ctx, it, time.Date(2026, 8, 27, 7, 0, 0, 0, time.Local), "")
	require.Equal(t, int64(2), runner.calls.Load())
}

func TestFire_DirectHandlerAndFailureLogged(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	id, err := s.Create(ctx, Item{
		Expression:  "*/5 * * * *",
		TaskKey:     "test.unregistered",
		HandlerType: DirectHandler,
		Policy:      SkipMissed,
	})
	require.NoError(t, err)
	it, err := s.GetByKey(ctx, "test.unregistered")
	require.NoError(t, err)

	// No handler registered: the firing records a failure, not a crash.
	s.fire(ctx, it, time.Now(), "")
	log, err := s.ExecutionLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, StatusFailure, log[0].Status)
	require.Contains(t, log[0].Notes, "no direct handler")

	var ran atomic.Bool
	s.RegisterDirectHandler("test.unregistered", func(context.Context, []byte) error {
		ran.Store(true)
		return nil
	})
	s.fire(ctx, it, time.Now(), "")
	require.True(t, ran.Load())
}

func TestFire_OneOffDeactivates(t *testing.T) {
	ctx := context.Background()
	s, runner := newTestScheduler(t)

	when := time.Now().Add(time.Hour).Truncate(time.Second)
	_, err := s.Create(ctx, Item{
		Expression:  when.Format(time.RFC3339),
		TaskKey:     "test.oneoff",
		HandlerType: AgentPrompt,
		Policy:      SkipMissed,
	})
	require.NoError(t, err)
	it, err := s.GetByKey(ctx, "test.oneoff")
	require.NoError(t, err)
	require.True(t, it.Active)

	s.fire(ctx, it, when, "")
	require.Equal(t, int64(1), runner.calls.Load())

	after, err := s.GetByKey(ctx, "test.oneoff")
	require.NoError(t, err)
	require.False(t, after.Active)
}

func TestStart_CatchUpAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sched.db")

	runner1 := &fakeRunner{}
	s1, err := New(dbPath, runner1, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)

	id, err := s1.Create(ctx, Item{
		Description: "daily catch-up",
		Expression:  "0 7 * * *",
		TaskKey:     "test.restart",
		HandlerType: AgentPrompt,
		Policy:      RunOncePerPeriodCatchUp,
		Payload:     []byte("go"),
	})
	require.NoError(t, err)

	// Backdate creation so the most recent firing falls inside the
	// schedule's lifetime and reads as missed at startup.
	_, err = s1.store.db.Exec(`UPDATE schedules SET created_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour), id)
	require.NoError(t, err)

	require.NoError(t, s1.Start(ctx))
	require.Eventually(t, func() bool { return runner1.calls.Load() == 1 },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, s1.Shutdown(ctx))

	// Restart within the same period: the success in the execution log
	// suppresses a second catch-up run.
	runner2 := &fakeRunner{}
	s2, err := New(dbPath, runner2, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Shutdown(context.Background()) })

	require.NoError(t, s2.Start(ctx))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int64(0), runner2.calls.Load())

	log, err := s2.ExecutionLog(ctx, id)
	require.NoError(t, err)
	successes := 0
	for _, rec := range log {
		if rec.Status == StatusSuccess {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}

func TestStart_SkipMissedDeactivatesPastOneOff(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sched.db")
	runner := &fakeRunner{}
	s, err := New(dbPath, runner, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	past := time.Now().Add(-time.Hour).Truncate(time.Second).Format(time.RFC3339)
	_, err = s.Create(ctx, Item{
		Expression:  past,
		TaskKey:     "test.stale",
		HandlerType: AgentPrompt,
		Policy:      SkipMissed,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.Equal(t, int64(0), runner.calls.Load())

	it, err := s.GetByKey(ctx, "test.stale")
	require.NoError(t, err)
	require.False(t, it.Active)
}

func TestAppendLog_SuccessRaceDowngraded(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	id, err := s.Create(ctx, Item{
		Expression:  "0 7 * * *",
		TaskKey:     "test.race",
		HandlerType: AgentPrompt,
		Policy:      RunOncePerPeriodCatchUp,
	})
	require.NoError(t, err)

	first, err := s.store.appendLog(ctx, &LogRecord{
		ScheduleID: id, PeriodID: "2026-08-26", Status: StatusSuccess, ExecutedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, first)

	second, err := s.store.appendLog(ctx, &LogRecord{
		ScheduleID: id, PeriodID: "2026-08-26", Status: StatusSuccess, ExecutedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, StatusSkippedDuplicate, second)

	// Failures are never deduplicated.
	fail, err := s.store.appendLog(ctx, &LogRecord{
		ScheduleID: id, PeriodID: "2026-08-26", Status: StatusFailure, ExecutedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailure, fail)
}

func TestPeriodIdentifier(t *testing.T) {
	at := time.Date(2026, 8, 26, 7, 30, 0, 0, time.Local)

	require.Equal(t, "2026-08-26", periodIdentifier("0 7 * * *", false, at))
	require.Equal(t, "2026-08-26T07", periodIdentifier("30 * * * *", false, at))
	require.Equal(t, at.UTC().Format(time.RFC3339), periodIdentifier("*/5 * * * *", false, at))
	require.Equal(t, at.UTC().Format(time.RFC3339), periodIdentifier(at.Format(time.RFC3339), true, at))
}

func TestParseExpression(t *testing.T) {
	s, _ := newTestScheduler(t)

	sched, oneOff, err := s.parseExpression("0 7 * * *")
	require.NoError(t, err)
	require.NotNil(t, sched)
	require.Nil(t, oneOff)

	instant := "2026-12-01T09:00:00Z"
	sched, oneOff, err = s.parseExpression(instant)
	require.NoError(t, err)
	require.Nil(t, sched)
	require.NotNil(t, oneOff)

	_, _, err = s.parseExpression("gibberish")
	require.Error(t, err)
}

// For any firing time, a catch-up schedule never records two successes with
// the same period identifier.
func TestCatchUpIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one success per period", prop.ForAll(
		func(hourOffsets []int64) bool {
			ctx := context.Background()
			s, _ := newTestScheduler(t)
			id, err := s.Create(ctx, Item{
				Expression:  "0 7 * * *",
				TaskKey:     "prop.catchup",
				HandlerType: AgentPrompt,
				Policy:      RunOncePerPeriodCatchUp,
			})
			if err != nil {
				return false
			}
			it, err := s.GetByKey(ctx, "prop.catchup")
			if err != nil {
				return false
			}
			base := time.Date(2026, 1, 1, 7, 0, 0, 0, time.Local)
			for _, off := range hourOffsets {
				s.fire(ctx, it, base.Add(time.Duration(off%240)*time.Hour), "")
			}
			log, err := s.ExecutionLog(ctx, id)
			if err != nil {
				return false
			}
			successes := map[string]int{}
			for _, rec := range log {
				if rec.Status == StatusSuccess {
					successes[rec.PeriodID]++
					if successes[rec.PeriodID] > 1 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 1000)),
	))

	properties.TestingRun(t)
}

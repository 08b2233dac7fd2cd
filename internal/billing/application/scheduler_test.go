package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	billing "water-billing/internal/billing/domain"
	"water-billing/internal/billing/infrastructure/memory"
)

type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (e *recordingExecutor) ExecuteBilling(_ context.Context, configID string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, configID)
	if err := e.errs[configID]; err != nil {
		return nil, err
	}
	return &Result{ExecutionID: "exec-" + configID, Status: billing.ExecutionSuccess}, nil
}

func (e *recordingExecutor) called() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func scheduledConfig(id string, next time.Time, active bool) billing.BillingConfig {
	cfg := monthlyConfig()
	cfg.ID = id
	cfg.Active = active
	cfg.NextRunAt = &next
	return cfg
}

func TestScheduler_RunDueExecutesOnlyDueConfigs(t *testing.T) {
	now := time.Date(2024, time.March, 1, 2, 30, 0, 0, time.UTC)
	s := memory.NewStore()
	s.AddConfig(scheduledConfig("due-early", now.Add(-time.Hour), true))
	s.AddConfig(scheduledConfig("due-now", now, true))
	s.AddConfig(scheduledConfig("later", now.Add(time.Minute), true))
	s.AddConfig(scheduledConfig("disabled", now.Add(-time.Hour), false))
	unscheduled := monthlyConfig()
	unscheduled.ID = "unscheduled"
	s.AddConfig(unscheduled)

	exec := &recordingExecutor{errs: map[string]error{
		"due-now": fmt.Errorf("%w: due-now", billing.ErrRunInProgress),
	}}
	sched := NewScheduler(s, exec, time.Minute, fixedClock{now: now}, zaptest.NewLogger(t))

	started := sched.RunDue(context.Background(), now)

	assert.Equal(t, 2, started)
	assert.Equal(t, []string{"due-early", "due-now"}, exec.called())
}

func TestScheduler_ListFailureRunsNothing(t *testing.T) {
	exec := &recordingExecutor{}
	sched := NewScheduler(failingConfigs{}, exec, 0, nil, nil)

	assert.Equal(t, 0, sched.RunDue(context.Background(), time.Now()))
	assert.Empty(t, exec.called())
}

func TestScheduler_StartStopsOnCancel(t *testing.T) {
	now := time.Date(2024, time.March, 1, 2, 30, 0, 0, time.UTC)
	s := memory.NewStore()
	s.AddConfig(scheduledConfig("cfg-1", now, true))
	exec := &recordingExecutor{}
	sched := NewScheduler(s, exec, 5*time.Millisecond, fixedClock{now: now}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(exec.called()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_InvalidConfigSkippedAndReportedOnce(t *testing.T) {
	now := time.Date(2024, time.March, 1, 2, 30, 0, 0, time.UTC)
	s := memory.NewStore()
	broken := scheduledConfig("broken", now.Add(-time.Hour), true)
	broken.Hour = 25
	s.AddConfig(broken)
	s.AddConfig(scheduledConfig("healthy", now.Add(-time.Hour), true))

	core, logs := observer.New(zap.DebugLevel)
	exec := &recordingExecutor{}
	sched := NewScheduler(s, exec, time.Minute, fixedClock{now: now}, zap.New(core))

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, sched.RunDue(context.Background(), now))
	}
	assert.Equal(t, []string{"healthy", "healthy", "healthy"}, exec.called())
	assert.Equal(t, 1, logs.FilterMessage("billing config is invalid, skipping until fixed").Len())
	assert.Equal(t, 0, logs.FilterLevelExact(zap.ErrorLevel).Len())

	broken.Hour = 2
	s.AddConfig(broken)
	assert.Equal(t, 2, sched.RunDue(context.Background(), now))
	assert.Contains(t, exec.called(), "broken")
}

type failingConfigs struct{}

func (failingConfigs) GetConfig(context.Context, string) (*billing.BillingConfig, error) {
	return nil, errors.New("unavailable")
}

func (failingConfigs) ListDueConfigs(context.Context, time.Time) ([]billing.BillingConfig, error) {
	return nil, errors.New("unavailable")
}

func (failingConfigs) UpdateConfigAfterRun(context.Context, string, billing.RunBookkeeping) error {
	return errors.New("unavailable")
}

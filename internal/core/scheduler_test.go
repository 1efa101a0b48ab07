package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/logging"
)

type scriptedRunner struct {
	mu       sync.Mutex
	executed []int64
	fail     map[int64]bool
}

func (r *scriptedRunner) ExecuteTask(ctx context.Context, taskID int64, triggeredBy string) *ExecuteResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, taskID)
	if r.fail[taskID] {
		return &ExecuteResult{TaskID: taskID, Error: "boom"}
	}
	return &ExecuteResult{TaskID: taskID, Success: true}
}

func TestProcessPendingTasksSelectsEligibleOnly(t *testing.T) {
	store := newFakeStore()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	store.addTask(&Task{ID: 1, TaskType: TaskTypeCustom, Status: TaskStatusPending, AssignedToBot: true})
	store.addTask(&Task{ID: 2, TaskType: TaskTypeCustom, Status: TaskStatusQueued, AssignedToBot: true, ScheduledFor: &past})
	// Not eligible: unassigned, awaiting review, future-scheduled, terminal.
	store.addTask(&Task{ID: 3, TaskType: TaskTypeCustom, Status: TaskStatusPending})
	store.addTask(&Task{ID: 4, TaskType: TaskTypeCustom, Status: TaskStatusPending, AssignedToBot: true, RequiresHumanReview: true})
	store.addTask(&Task{ID: 5, TaskType: TaskTypeCustom, Status: TaskStatusPending, AssignedToBot: true, ScheduledFor: &future})
	store.addTask(&Task{ID: 6, TaskType: TaskTypeCustom, Status: TaskStatusCompleted, AssignedToBot: true})

	runner := &scriptedRunner{}
	s := NewScheduler(store, runner, 10, logging.Discard())

	result, err := s.ProcessPendingTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Success)
	assert.ElementsMatch(t, []int64{1, 2}, runner.executed)
}

func TestProcessPendingTasksCountsFailures(t *testing.T) {
	store := newFakeStore()
	store.addTask(&Task{ID: 1, TaskType: TaskTypeCustom, Status: TaskStatusPending, AssignedToBot: true})
	store.addTask(&Task{ID: 2, TaskType: TaskTypeCustom, Status: TaskStatusPending, AssignedToBot: true})

	runner := &scriptedRunner{fail: map[int64]bool{2: true}}
	s := NewScheduler(store, runner, 10, logging.Discard())

	result, err := s.ProcessPendingTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 1, result.Failed)
}

func TestProcessPendingTasksRespectsBatchSize(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= 5; i++ {
		store.addTask(&Task{ID: i, TaskType: TaskTypeCustom, Status: TaskStatusPending, AssignedToBot: true})
	}
	runner := &scriptedRunner{}
	s := NewScheduler(store, runner, 2, logging.Discard())

	result, err := s.ProcessPendingTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Len(t, runner.executed, 2)
}

func TestProcessPendingTasksStopsOnCancelledContext(t *testing.T) {
	store := newFakeStore()
	store.addTask(&Task{ID: 1, TaskType: TaskTypeCustom, Status: TaskStatusPending, AssignedToBot: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &scriptedRunner{}
	s := NewScheduler(store, runner, 10, logging.Discard())

	result, err := s.ProcessPendingTasks(ctx)
	require.Error(t, err)
	assert.Zero(t, result.Processed)
	assert.Empty(t, runner.executed)
}

func TestSchedulerStartRejectsDoubleStart(t *testing.T) {
	store := newFakeStore()
	s := NewScheduler(store, &scriptedRunner{}, 10, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, time.Hour))
	assert.Error(t, s.Start(ctx, time.Hour))

	stop := s.Stop()
	select {
	case <-stop.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

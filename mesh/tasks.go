package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustmesh/ledger"
	"trustmesh/observability"
)

// TaskTable tracks issued work. All mutation goes through the transition API;
// callers receive copies only.
type TaskTable struct {
	mu    sync.Mutex
	tasks map[string]*Task
	nowFn func() time.Time
}

// NewTaskTable constructs an empty task table.
func NewTaskTable() *TaskTable {
	return &TaskTable{
		tasks: make(map[string]*Task),
		nowFn: time.Now,
	}
}

// Issue creates a pending task and returns its id.
func (t *TaskTable) Issue(taskType, consumerAgentID string, accountID ledger.AccountID) (string, error) {
	if taskType == "" {
		taskType = "trustscore"
	}
	if consumerAgentID == "" {
		return "", fmt.Errorf("consumer agent id required")
	}
	taskID := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[taskID] = &Task{
		TaskID:          taskID,
		Type:            taskType,
		ConsumerAgentID: consumerAgentID,
		AccountID:       accountID,
		State:           TaskPending,
		CreatedAt:       t.nowFn().UTC(),
	}
	observability.Mesh().RecordTaskTransition(string(TaskPending))
	return taskID, nil
}

// Update transitions a task. Allowed transitions are pending->in_progress,
// in_progress->completed|failed and pending->failed; a transition to the
// current state is a no-op. Terminal states stamp CompletedAt.
func (t *TaskTable) Update(taskID string, state TaskState, result, errMsg string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("unknown task %s", taskID)
	}
	if task.State == state {
		return *task, nil
	}
	if !transitionAllowed(task.State, state) {
		return Task{}, fmt.Errorf("invalid transition %s -> %s for task %s", task.State, state, taskID)
	}
	task.State = state
	if result != "" {
		task.Result = result
	}
	if errMsg != "" {
		task.Error = errMsg
	}
	if state.Terminal() {
		completed := t.nowFn().UTC()
		task.CompletedAt = &completed
	}
	observability.Mesh().RecordTaskTransition(string(state))
	return *task, nil
}

// Get returns a copy of the task.
func (t *TaskTable) Get(taskID string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

func transitionAllowed(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskInProgress || to == TaskFailed
	case TaskInProgress:
		return to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}

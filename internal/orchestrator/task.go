package orchestrator

import (
	"container/heap"
	"time"

	"github.com/clawinfra/arbnet/internal/types"
)

// TaskStatus is the lifecycle state of a submitted task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimeout
}

// Task is one unit of work: execute a single opportunity through a bot.
// BotID is assigned late, at dequeue time.
type Task struct {
	ID          string                 `json:"task_id"`
	BotID       string                 `json:"bot_id,omitempty"`
	Opportunity types.Opportunity      `json:"opportunity"`
	Priority    int                    `json:"priority"` // 1..10, higher first
	Status      TaskStatus             `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	Deadline    time.Time              `json:"deadline"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Result      *types.ExecutionResult `json:"result,omitempty"`

	// seq orders equal-priority tasks by submission.
	seq uint64
}

// taskQueue is a max-heap on priority with FIFO order inside a priority
// band. Owned by the orchestrator loop; never accessed concurrently.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

func (q *taskQueue) push(t *Task) { heap.Push(q, t) }

// reheap restores heap order after the backing slice was filtered in
// place.
func (q *taskQueue) reheap() { heap.Init(q) }

func (q *taskQueue) pop() *Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Task)
}

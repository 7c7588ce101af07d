package service

import (
	"context"
	"strconv"
	"sync"

	"steammarket/parser/internal/domain/task"
)

// memoryRetries is the PageRetries used when no Redis queue is configured.
// Its tasks live only as long as the run.
type memoryRetries struct {
	mu     sync.Mutex
	tasks  []task.PageRetryTask
	nextID int
}

func newMemoryRetries() *memoryRetries {
	return &memoryRetries{}
}

func (m *memoryRetries) Push(ctx context.Context, t *task.PageRetryTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, *t)
	return nil
}

// Pop returns nil when no task is left.
func (m *memoryRetries) Pop(ctx context.Context) (*task.PageRetryTask, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return nil, "", nil
	}
	t := m.tasks[0]
	m.tasks = m.tasks[1:]
	m.nextID++
	return &t, strconv.Itoa(m.nextID), nil
}

func (m *memoryRetries) Ack(ctx context.Context, msgID string) error {
	return nil
}

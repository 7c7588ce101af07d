package queue

import (
	"context"
	"fmt"
	"time"

	"steammarket/parser/internal/domain/task"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// PageRetryQueue is the typed view of the PageRetryTask stream used while
// draining failed pages.
type PageRetryQueue struct {
	q        Queue
	stream   string
	consumer string
	block    time.Duration
	minIdle  time.Duration
}

func NewPageRetryQueue(q Queue, block, minIdle time.Duration) *PageRetryQueue {
	return &PageRetryQueue{
		q:        q,
		stream:   StreamName((&task.PageRetryTask{}).TaskType()),
		consumer: "indexer-" + uuid.NewString(),
		block:    block,
		minIdle:  minIdle,
	}
}

func (p *PageRetryQueue) Push(ctx context.Context, t *task.PageRetryTask) error {
	_, err := p.q.AddTask(ctx, t)
	return err
}

// Pop returns the next failed page and its message ID, or nil when the
// stream is drained. Messages left unacked by a crashed run are claimed first.
func (p *PageRetryQueue) Pop(ctx context.Context) (*task.PageRetryTask, string, error) {
	for {
		msg, err := p.next(ctx)
		if err != nil || msg == nil {
			return nil, "", err
		}

		t, err := decodePageRetry(msg)
		if err != nil {
			log.Warnf("⚠️ Dropping message %s: %v", msg.ID, err)
			if ackErr := p.Ack(ctx, msg.ID); ackErr != nil {
				return nil, "", ackErr
			}
			continue
		}
		return t, msg.ID, nil
	}
}

func (p *PageRetryQueue) next(ctx context.Context) (*redis.XMessage, error) {
	claimed, err := p.q.AutoClaim(ctx, p.consumer, p.stream, p.minIdle)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		log.Infof("🔄 Claimed abandoned page retry %s", claimed[0].ID)
		return &claimed[0], nil
	}
	return p.q.GetTask(ctx, p.consumer, p.stream, p.block)
}

func (p *PageRetryQueue) Ack(ctx context.Context, msgID string) error {
	if err := p.q.AckTask(ctx, p.stream, msgID); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msgID, err)
	}
	return nil
}

func decodePageRetry(msg *redis.XMessage) (*task.PageRetryTask, error) {
	taskData, ok := msg.Values["task_data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid task data in message %s", msg.ID)
	}

	t, err := task.UnmarshalTask[task.PageRetryTask]([]byte(taskData))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry task data: %w", err)
	}
	return t, nil
}

package browser

import (
	"context"
	"strings"
	"sync"
	"time"
)

// responseLog buffers responses observed since the last navigation so that a
// waiter registered after the event fired still sees it.
type responseLog struct {
	mu        sync.Mutex
	responses []*observedResponse
	notify    chan struct{}
}

type observedResponse struct {
	id       string
	response Response
}

func newResponseLog() *responseLog {
	return &responseLog{notify: make(chan struct{})}
}

// reset drops everything recorded so far. Called before each navigation.
func (l *responseLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses = nil
}

// add records a finished response and wakes every waiter.
func (l *responseLog) add(id string, resp Response) {
	l.mu.Lock()
	l.responses = append(l.responses, &observedResponse{id: id, response: resp})
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
}

// find returns the first recorded response matching, plus the channel that
// is closed on the next add.
func (l *responseLog) find(match func(string) bool) (*observedResponse, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.responses {
		if match(r.response.URL) {
			return r, nil
		}
	}
	return nil, l.notify
}

func (l *responseLog) wait(ctx context.Context, match func(string) bool, timeout time.Duration) (*observedResponse, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		found, next := l.find(match)
		if found != nil {
			return found, nil
		}
		select {
		case <-next:
		case <-timer.C:
			return nil, ErrWaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

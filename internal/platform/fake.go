package platform

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FakePublisher is a scripted adapter for tests and local development. It
// fails the first FailuresBeforeSuccess calls with Err, then succeeds,
// counting every attempt.
type FakePublisher struct {
	mu                    sync.Mutex
	FailuresBeforeSuccess int
	Err                   error
	attempts              int
	published             []PublishRequest
}

func (f *FakePublisher) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.FailuresBeforeSuccess {
		return PublishResult{}, f.Err
	}
	f.published = append(f.published, req)
	return PublishResult{RemoteID: "remote-" + uuid.NewString()}, nil
}

// Attempts returns how many Publish calls were made.
func (f *FakePublisher) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// Published returns the successfully published requests, in order.
func (f *FakePublisher) Published() []PublishRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishRequest, len(f.published))
	copy(out, f.published)
	return out
}

// Package platform defines the outbound surface to social platforms. The
// orchestrator talks to a Publisher per platform; real adapters live behind
// this interface so workflow logic stays transport-agnostic and tests can
// substitute scripted fakes.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
)

// Terminal error kinds. Publish attempts failing with one of these must
// not be retried: the request itself is defective and will fail the same
// way every time.
var (
	// ErrInvalidAsset marks a media reference the platform can never accept.
	ErrInvalidAsset = errors.New("invalid media asset")
	// ErrUnauthorized marks revoked or expired account credentials.
	ErrUnauthorized = errors.New("account unauthorized")
	// ErrContentRejected marks content refused by platform policy.
	ErrContentRejected = errors.New("content rejected by platform")
)

// Terminal reports whether err is one of the non-retryable publish errors.
func Terminal(err error) bool {
	return errors.Is(err, ErrInvalidAsset) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrContentRejected)
}

// PublishRequest carries one prepared post to a platform adapter.
type PublishRequest struct {
	AccountID string
	PostID    string
	Caption   string
	MediaRef  string
}

// PublishResult is the platform's acknowledgement of a successful publish.
type PublishResult struct {
	// RemoteID is the platform-assigned identifier of the created post.
	RemoteID string `json:"remote_id"`
	// PermalinkURL is the public URL when the platform reports one.
	PermalinkURL string `json:"permalink_url,omitempty"`
}

// Publisher publishes prepared posts to one platform.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
}

// Registry maps platforms to their adapters. Registration happens during
// startup; lookups are concurrency-safe afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Platform]Publisher
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Platform]Publisher)}
}

// Register installs the adapter for a platform, replacing any previous one.
func (r *Registry) Register(p domain.Platform, pub Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = pub
}

// Lookup returns the adapter for a platform.
func (r *Registry) Lookup(p domain.Platform) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", p)
	}
	return pub, nil
}

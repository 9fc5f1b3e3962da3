package platform

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LoopbackPublisher accepts every publish and synthesizes a remote identity.
// It stands in for real platform integrations, which plug in behind the same
// Publisher contract; the orchestration pipeline (rate limiting, scheduling,
// idempotent replay, retries) is exercised end to end either way.
type LoopbackPublisher struct {
	Platform string
}

// NewLoopback returns a publisher for the given platform name.
func NewLoopback(platform string) *LoopbackPublisher {
	return &LoopbackPublisher{Platform: platform}
}

// Publish generates a stable-looking remote ID and permalink for req.
func (p *LoopbackPublisher) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	id := uuid.NewString()
	log.Info().
		Str("platform", p.Platform).
		Str("account_id", req.AccountID).
		Str("post_id", req.PostID).
		Str("remote_id", id).
		Msg("loopback publish")
	return PublishResult{
		RemoteID:     id,
		PermalinkURL: fmt.Sprintf("https://%s.local/p/%s", p.Platform, id),
	}, nil
}

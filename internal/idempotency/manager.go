// Package idempotency maps a caller-supplied operation key to a single
// authoritative outcome, preventing duplicate side effects on retry. The
// manager wraps the durable record store with the at-most-once behavior
// contract: a completed key replays its cached response forever (within
// TTL), a failed key may be retried, an in-flight key refuses concurrent
// execution, and a completed key presented with a different payload is a
// loud integrity failure.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
	"github.com/chrlshc/ofm-social-os-sub006/internal/repo"
)

// Sentinel errors surfaced to callers. Handlers map these to structured
// machine-readable rejections.
var (
	// ErrInFlight means a processing record exists for the key: someone is
	// already executing this operation and the caller must poll, not retry.
	ErrInFlight = errors.New("operation already in flight")

	// ErrPayloadMismatch means a record exists for the key but with a
	// different payload hash. This signals a key collision or replay attack
	// and is never silently resolved.
	ErrPayloadMismatch = errors.New("payload does not match recorded operation")
)

var idemOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "publish_idempotency_outcomes_total",
		Help: "Idempotency check outcomes.",
	},
	[]string{"outcome"}, // created | replayed | retried | adopted | in_flight | mismatch
)

func init() {
	prometheus.MustRegister(idemOutcomes)
}

// CheckResult is the outcome of CheckOrCreate.
type CheckResult struct {
	// IsNew is true when the caller now owns a processing claim and must
	// execute the operation, then call Complete exactly once.
	IsNew bool
	// KeyHash addresses the record for the later Complete call.
	KeyHash string
	// ExistingResponse carries the cached response when IsNew is false.
	ExistingResponse string
}

// Manager coordinates idempotency records. Safe for concurrent use; all
// races are resolved by the store's conditional writes, never by in-process
// locking (in-process memory is not authoritative).
type Manager struct {
	DB *gorm.DB
	// TTL is how long a record blocks (completed) or gates (processing,
	// failed) its key. Default 24h.
	TTL time.Duration
	// ProcessingTimeout bounds how long a processing claim may sit before
	// the reaper converts it to failed, unblocking retries after a crash.
	ProcessingTimeout time.Duration

	// now is a seam for tests.
	now func() time.Time
}

// NewManager constructs a Manager with the given TTLs.
func NewManager(db *gorm.DB, ttl, processingTimeout time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if processingTimeout <= 0 {
		processingTimeout = 15 * time.Minute
	}
	return &Manager{DB: db, TTL: ttl, ProcessingTimeout: processingTimeout, now: time.Now}
}

// HashKey derives the record key hash from the logical operation identity.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashPayload hashes the operation payload for replay verification.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CheckOrCreate resolves a key against the behavior table:
//
//	no record                     → create processing claim, IsNew=true
//	completed, payload matches    → replay cached response, IsNew=false
//	completed, payload differs    → ErrPayloadMismatch
//	failed, payload matches       → reset to processing, IsNew=true
//	failed, payload differs       → ErrPayloadMismatch
//	processing                    → ErrInFlight
//
// The create and the failed→processing reset are both conditional writes,
// so two racing callers cannot both obtain a claim: the loser re-reads and
// lands on the in-flight row.
func (m *Manager) CheckOrCreate(ctx context.Context, key, accountID, operationType string, payload []byte) (CheckResult, error) {
	return m.resolve(ctx, key, accountID, operationType, payload, false)
}

// Adopt resolves a key like CheckOrCreate but treats an existing processing
// record as the caller's own claim instead of refusing with ErrInFlight.
// Safe only when the caller is provably the sole executor for the key — the
// workflow engine runs one execution thread per identity, so a processing
// record found during recovery can only be a leftover from a crashed run,
// not a concurrent executor. Payload verification still applies.
func (m *Manager) Adopt(ctx context.Context, key, accountID, operationType string, payload []byte) (CheckResult, error) {
	return m.resolve(ctx, key, accountID, operationType, payload, true)
}

func (m *Manager) resolve(ctx context.Context, key, accountID, operationType string, payload []byte, adoptInFlight bool) (CheckResult, error) {
	keyHash := HashKey(key)
	payloadHash := HashPayload(payload)
	now := m.now().UTC()

	for attempt := 0; attempt < 2; attempt++ {
		rec, err := repo.GetIdempotencyRecord(ctx, m.DB, keyHash, now)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			err = repo.CreateIdempotencyRecord(ctx, m.DB, &domain.IdempotencyRecord{
				KeyHash:       keyHash,
				AccountID:     accountID,
				OperationType: operationType,
				PayloadHash:   payloadHash,
				Status:        domain.IdempotencyProcessing,
				CreatedAt:     now,
				ExpiresAt:     now.Add(m.TTL),
			})
			if errors.Is(err, repo.ErrDuplicate) {
				// Lost the insert race; re-read and classify the winner.
				continue
			}
			if err != nil {
				return CheckResult{}, err
			}
			idemOutcomes.WithLabelValues("created").Inc()
			return CheckResult{IsNew: true, KeyHash: keyHash}, nil

		case err != nil:
			return CheckResult{}, err

		case rec.PayloadHash != payloadHash:
			idemOutcomes.WithLabelValues("mismatch").Inc()
			log.Error().
				Str("key_hash", keyHash).
				Str("account_id", accountID).
				Str("operation_type", operationType).
				Str("record_status", string(rec.Status)).
				Msg("idempotency payload mismatch")
			return CheckResult{}, ErrPayloadMismatch

		case rec.Status == domain.IdempotencyCompleted:
			idemOutcomes.WithLabelValues("replayed").Inc()
			return CheckResult{IsNew: false, KeyHash: keyHash, ExistingResponse: rec.ResponseData}, nil

		case rec.Status == domain.IdempotencyFailed:
			err = repo.RetryIdempotencyRecord(ctx, m.DB, keyHash, payloadHash, now, now.Add(m.TTL))
			if errors.Is(err, repo.ErrNotFound) {
				// The record moved under us (another retrier won); re-read.
				continue
			}
			if err != nil {
				return CheckResult{}, err
			}
			idemOutcomes.WithLabelValues("retried").Inc()
			return CheckResult{IsNew: true, KeyHash: keyHash}, nil

		default: // processing
			if adoptInFlight {
				idemOutcomes.WithLabelValues("adopted").Inc()
				return CheckResult{IsNew: true, KeyHash: keyHash}, nil
			}
			idemOutcomes.WithLabelValues("in_flight").Inc()
			return CheckResult{}, ErrInFlight
		}
	}
	// Two consecutive race losses: someone else holds the claim.
	idemOutcomes.WithLabelValues("in_flight").Inc()
	return CheckResult{}, ErrInFlight
}

// Complete finalizes the processing claim obtained from CheckOrCreate.
// Must be called exactly once per claim; a duplicate completion surfaces
// repo.ErrNotFound because the conditional update matches nothing.
func (m *Manager) Complete(ctx context.Context, keyHash, responseData string, success bool) error {
	return repo.CompleteIdempotencyRecord(ctx, m.DB, keyHash, responseData, success, m.now().UTC())
}

// CleanupExpired removes records past their TTL. Maintenance sweep only.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return repo.DeleteExpiredIdempotencyRecords(ctx, m.DB, m.now().UTC())
}

// ReapStale converts processing records older than ProcessingTimeout to
// failed so operations abandoned by a crashed process become retryable.
func (m *Manager) ReapStale(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	return repo.FailStaleProcessingRecords(ctx, m.DB, now.Add(-m.ProcessingTimeout), now)
}

// Package domain defines the core persistence models for the application.
// This file holds the schedulable unit: one account's standing eligibility
// to be picked by the fair-share scheduler, including its circuit breaker.
package domain

import "time"

// CircuitState is the tagged state of a per-account circuit breaker.
//
// Transitions: closed → open after N consecutive failures; open → half-open
// once the cooldown elapses; half-open → closed on a successful trial, or
// back to open (with escalated cooldown) on a failed one.
type CircuitState string

// Circuit breaker states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// SchedulableUnit represents one account's eligibility to be scheduled.
// Units are created when an account is first registered and are never
// deleted, only deactivated. All fields that scheduling mutates are
// written as single-field conditional updates so administrative resets
// can run concurrently with a scheduling loop without corrupting state.
type SchedulableUnit struct {
	AccountToken        string       `json:"account_token" gorm:"type:varchar(128);primaryKey"`
	Priority            int          `json:"priority"      gorm:"not null;default:5"` // lower = higher priority
	Active              bool         `json:"active"        gorm:"not null;default:true"`
	RegisteredAt        time.Time    `json:"registered_at"`
	LastScheduledAt     *time.Time   `json:"last_scheduled_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures" gorm:"not null;default:0"`
	CircuitState        CircuitState `json:"circuit_state" gorm:"type:varchar(16);not null;default:'closed'"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty"`
	OpenCount           int          `json:"open_count"    gorm:"not null;default:0"` // cooldown escalation exponent
	UpdatedAt           time.Time    `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (SchedulableUnit) TableName() string { return "schedulable_units" }

package models

import (
	"maps"
	"time"
)

// ── Escalation Queue ─────────────────────────────────────────

// QueueStatus is the lifecycle of an escalation queue entry:
//
//	waiting → locked → done
//	waiting|locked → cancelled
//	locked → waiting (expired lock reclaimed)
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueLocked    QueueStatus = "locked"
	QueueDone      QueueStatus = "done"
	QueueCancelled QueueStatus = "cancelled"
)

// Active reports whether the status counts towards the one-active-entry rule.
func (s QueueStatus) Active() bool {
	return s == QueueWaiting || s == QueueLocked
}

// Terminal reports whether no further transitions are allowed.
func (s QueueStatus) Terminal() bool {
	return s == QueueDone || s == QueueCancelled
}

// EscalationEntry hands one customer's conversation to a human operator.
// At most one entry per customer is waiting or locked at any time; entries are
// never deleted.
type EscalationEntry struct {
	ID            string         `json:"id" db:"id"`
	TenantID      string         `json:"tenant_id" db:"tenant_id"`
	CustomerID    string         `json:"customer_id" db:"customer_id"`
	Status        QueueStatus    `json:"status" db:"status"`
	OperatorID    string         `json:"operator_id,omitempty" db:"operator_id"`
	LockExpiresAt *time.Time     `json:"lock_expires_at,omitempty" db:"lock_expires_at"`
	Reason        string         `json:"reason" db:"reason"`
	Priority      Priority       `json:"priority" db:"priority"`
	Metadata      map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// LockedAt reports whether the entry holds a live lock at the given instant.
func (e *EscalationEntry) LockedAt(now time.Time) bool {
	return e.Status == QueueLocked && e.LockExpiresAt != nil && e.LockExpiresAt.After(now)
}

// Clone returns a deep copy of the entry.
func (e *EscalationEntry) Clone() *EscalationEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.LockExpiresAt != nil {
		t := *e.LockExpiresAt
		cp.LockExpiresAt = &t
	}
	cp.Metadata = maps.Clone(e.Metadata)
	return &cp
}

// ClearLock drops operator ownership.
func (e *EscalationEntry) ClearLock() {
	e.OperatorID = ""
	e.LockExpiresAt = nil
}

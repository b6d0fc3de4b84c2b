// Package store provides the storage interface and implementations for the
// Parley conversation engine. The in-memory store backs tests and local
// development; PostgreSQL is the production store.
//
// Every read-modify-write of a customer's conversation state or escalation
// entry runs inside WithTx and takes a row-level hold through the Lock*
// methods of Tx. Row holds are the only cross-request synchronisation the
// engine relies on, so callers must acquire them in a fixed order:
// conversation first, then escalation entry.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// Store is the primary storage interface for the engine.
// All services depend on this interface, making it easy to swap between
// in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	TenantStore
	CustomerStore
	InteractionStore
	EscalationStore

	// WithTx runs fn inside a transaction. Returning an error (or panicking)
	// rolls everything back; returning nil commits.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// Tx is the transactional view of the store. Lock* methods take an exclusive
// row hold that lasts until commit or rollback; a second transaction locking
// the same row waits.
type Tx interface {
	GetCustomerByAddress(ctx context.Context, tenantID, address string) (*models.Customer, error)
	// CreateCustomer fails with ErrDuplicate when (tenant, address) exists.
	CreateCustomer(ctx context.Context, c *models.Customer) error

	LockConversation(ctx context.Context, tenantID, customerID string) (*models.ConversationState, error)
	CreateConversation(ctx context.Context, cs *models.ConversationState) error
	UpdateConversation(ctx context.Context, cs *models.ConversationState) error

	// LockActiveEscalation locks the customer's waiting or locked entry.
	// Returns *ErrNotFound when the customer has no active entry.
	LockActiveEscalation(ctx context.Context, tenantID, customerID string) (*models.EscalationEntry, error)
	CreateEscalation(ctx context.Context, e *models.EscalationEntry) error
	UpdateEscalation(ctx context.Context, e *models.EscalationEntry) error

	AppendInteraction(ctx context.Context, rec *models.InteractionRecord) error
}

// ── Tenant Store ─────────────────────────────────────────────

type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	UpsertTenant(ctx context.Context, t *models.Tenant) error
}

// ── Customer Store ───────────────────────────────────────────

// CustomerStore holds the non-locking reads of customers and their state.
type CustomerStore interface {
	GetCustomer(ctx context.Context, tenantID, customerID string) (*models.Customer, error)
	GetCustomerByAddress(ctx context.Context, tenantID, address string) (*models.Customer, error)
	GetConversation(ctx context.Context, tenantID, customerID string) (*models.ConversationState, error)
}

// ── Interaction Store ────────────────────────────────────────

type InteractionStore interface {
	// AppendInteraction writes one immutable log entry outside any transaction.
	AppendInteraction(ctx context.Context, rec *models.InteractionRecord) error

	// ListInteractions returns the most recent records, oldest first.
	ListInteractions(ctx context.Context, tenantID, customerID string, limit int) ([]models.InteractionRecord, error)
}

// ── Escalation Store ─────────────────────────────────────────

// EscalationFilter defines optional filters for listing queue entries.
type EscalationFilter struct {
	Status     models.QueueStatus // exact match on status; empty = all
	CustomerID string             // exact match on customer
	Limit      int                // max results (default 100)
}

type EscalationStore interface {
	GetActiveEscalation(ctx context.Context, tenantID, customerID string) (*models.EscalationEntry, error)
	ListEscalations(ctx context.Context, tenantID string, filter EscalationFilter) ([]models.EscalationEntry, error)

	// ListExpiredLocks returns locked entries whose lock expired before now.
	ListExpiredLocks(ctx context.Context, tenantID string, now time.Time) ([]models.EscalationEntry, error)

	// WaitingAhead counts the waiting entries of e's tenant that are served
	// before e: higher priority first, then older.
	WaitingAhead(ctx context.Context, e *models.EscalationEntry) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err wraps an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("duplicate entity")

// DefaultListLimit caps list queries without an explicit limit.
const DefaultListLimit = 100

func key(tenantID, id string) string {
	return tenantID + ":" + id
}

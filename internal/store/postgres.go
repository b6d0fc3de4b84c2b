package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	URL            string
	MaxConnections int32
}

// PostgresStore implements Store on PostgreSQL. Row holds are real
// SELECT … FOR UPDATE locks; the one-active-entry rule is backed by a partial
// unique index.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("PostgreSQL store connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies all pending migrations in order under an advisory lock so
// concurrently starting nodes do not race.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `SELECT pg_advisory_lock(7071)`); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	defer func() {
		_, _ = s.pool.Exec(ctx, `SELECT pg_advisory_unlock(7071)`)
	}()

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")
		if applied[version] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
				return fmt.Errorf("record migration %s: %w", entry.Name(), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Info().Str("version", version).Msg("Applied migration")
	}
	return nil
}

// ── Transactions ─────────────────────────────────────────────

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// querier is the subset shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetCustomerByAddress(ctx context.Context, tenantID, address string) (*models.Customer, error) {
	return customerByAddress(ctx, t.tx, tenantID, address)
}

func (t *pgTx) CreateCustomer(ctx context.Context, c *models.Customer) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO customers (id, tenant_id, address, channel, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, address) DO NOTHING`,
		c.ID, c.TenantID, c.Address, c.Channel, c.Name, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("customer %s: %w", c.Address, ErrDuplicate)
	}
	return nil
}

func (t *pgTx) LockConversation(ctx context.Context, tenantID, customerID string) (*models.ConversationState, error) {
	return scanConversation(t.tx.QueryRow(ctx, `
		SELECT tenant_id, customer_id, state, context, created_at, updated_at
		FROM conversations WHERE tenant_id = $1 AND customer_id = $2
		FOR UPDATE`, tenantID, customerID), customerID)
}

func (t *pgTx) CreateConversation(ctx context.Context, cs *models.ConversationState) error {
	doc, err := cs.Context.MarshalDocument()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO conversations (tenant_id, customer_id, state, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cs.TenantID, cs.CustomerID, string(cs.State), string(doc), cs.CreatedAt, cs.UpdatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("conversation %s: %w", cs.CustomerID, ErrDuplicate)
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateConversation(ctx context.Context, cs *models.ConversationState) error {
	doc, err := cs.Context.MarshalDocument()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE conversations SET state = $3, context = $4, updated_at = $5
		WHERE tenant_id = $1 AND customer_id = $2`,
		cs.TenantID, cs.CustomerID, string(cs.State), string(doc), cs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "conversation", Key: cs.CustomerID}
	}
	return nil
}

func (t *pgTx) LockActiveEscalation(ctx context.Context, tenantID, customerID string) (*models.EscalationEntry, error) {
	return scanEscalation(t.tx.QueryRow(ctx, escalationColumns+`
		FROM escalations
		WHERE tenant_id = $1 AND customer_id = $2 AND status IN ('waiting', 'locked')
		FOR UPDATE`, tenantID, customerID), customerID)
}

func (t *pgTx) CreateEscalation(ctx context.Context, e *models.EscalationEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode escalation metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO escalations (id, tenant_id, customer_id, status, operator_id, lock_expires_at,
			reason, priority, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TenantID, e.CustomerID, string(e.Status), e.OperatorID, e.LockExpiresAt,
		e.Reason, string(e.Priority), string(meta), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("active escalation for %s: %w", e.CustomerID, ErrDuplicate)
		}
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEscalation(ctx context.Context, e *models.EscalationEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode escalation metadata: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE escalations SET status = $2, operator_id = $3, lock_expires_at = $4,
			reason = $5, priority = $6, metadata = $7, updated_at = $8
		WHERE id = $1`,
		e.ID, string(e.Status), e.OperatorID, e.LockExpiresAt,
		e.Reason, string(e.Priority), string(meta), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "escalation", Key: e.ID}
	}
	return nil
}

func (t *pgTx) AppendInteraction(ctx context.Context, rec *models.InteractionRecord) error {
	return insertInteraction(ctx, t.tx, rec)
}

// ── Tenants ──────────────────────────────────────────────────

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, vertical, fallback_reply, active, created_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Vertical, &t.FallbackReply, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, vertical, fallback_reply, active, created_at
		FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Vertical, &t.FallbackReply, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, vertical, fallback_reply, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, vertical = EXCLUDED.vertical,
			fallback_reply = EXCLUDED.fallback_reply, active = EXCLUDED.active`,
		t.ID, t.Name, t.Vertical, t.FallbackReply, t.Active, created)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// ── Customers ────────────────────────────────────────────────

func (s *PostgresStore) GetCustomer(ctx context.Context, tenantID, customerID string) (*models.Customer, error) {
	var c models.Customer
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, address, channel, name, created_at
		FROM customers WHERE tenant_id = $1 AND id = $2`, tenantID, customerID).
		Scan(&c.ID, &c.TenantID, &c.Address, &c.Channel, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "customer", Key: customerID}
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetCustomerByAddress(ctx context.Context, tenantID, address string) (*models.Customer, error) {
	return customerByAddress(ctx, s.pool, tenantID, address)
}

func customerByAddress(ctx context.Context, q querier, tenantID, address string) (*models.Customer, error) {
	var c models.Customer
	err := q.QueryRow(ctx, `
		SELECT id, tenant_id, address, channel, name, created_at
		FROM customers WHERE tenant_id = $1 AND address = $2`, tenantID, address).
		Scan(&c.ID, &c.TenantID, &c.Address, &c.Channel, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "customer", Key: address}
	}
	if err != nil {
		return nil, fmt.Errorf("get customer by address: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, tenantID, customerID string) (*models.ConversationState, error) {
	return scanConversation(s.pool.QueryRow(ctx, `
		SELECT tenant_id, customer_id, state, context, created_at, updated_at
		FROM conversations WHERE tenant_id = $1 AND customer_id = $2`, tenantID, customerID), customerID)
}

func scanConversation(row pgx.Row, customerID string) (*models.ConversationState, error) {
	var (
		cs    models.ConversationState
		state string
		doc   []byte
	)
	err := row.Scan(&cs.TenantID, &cs.CustomerID, &state, &doc, &cs.CreatedAt, &cs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "conversation", Key: customerID}
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	cs.State = models.State(state)
	if cs.Context, err = models.UnmarshalDocument(doc); err != nil {
		return nil, err
	}
	return &cs, nil
}

// ── Interactions ─────────────────────────────────────────────

func (s *PostgresStore) AppendInteraction(ctx context.Context, rec *models.InteractionRecord) error {
	return insertInteraction(ctx, s.pool, rec)
}

func insertInteraction(ctx context.Context, q querier, rec *models.InteractionRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO interactions (id, tenant_id, customer_id, direction, channel, state, text, operator_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TenantID, rec.CustomerID, string(rec.Direction), rec.Channel,
		string(rec.State), rec.Text, rec.OperatorID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInteractions(ctx context.Context, tenantID, customerID string, limit int) ([]models.InteractionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, customer_id, direction, channel, state, text, operator_id, created_at
		FROM (
			SELECT * FROM interactions
			WHERE tenant_id = $1 AND customer_id = $2
			ORDER BY created_at DESC LIMIT $3
		) recent ORDER BY created_at ASC`, tenantID, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []models.InteractionRecord
	for rows.Next() {
		var (
			r             models.InteractionRecord
			direction, st string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.CustomerID, &direction, &r.Channel, &st, &r.Text, &r.OperatorID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		r.Direction = models.Direction(direction)
		r.State = models.State(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Escalations ──────────────────────────────────────────────

const escalationColumns = `
		SELECT id, tenant_id, customer_id, status, operator_id, lock_expires_at,
			reason, priority, metadata, created_at, updated_at`

func (s *PostgresStore) GetActiveEscalation(ctx context.Context, tenantID, customerID string) (*models.EscalationEntry, error) {
	return scanEscalation(s.pool.QueryRow(ctx, escalationColumns+`
		FROM escalations
		WHERE tenant_id = $1 AND customer_id = $2 AND status IN ('waiting', 'locked')`,
		tenantID, customerID), customerID)
}

func (s *PostgresStore) ListEscalations(ctx context.Context, tenantID string, filter EscalationFilter) ([]models.EscalationEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := escalationColumns + ` FROM escalations WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		query += fmt.Sprintf(" AND customer_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))

	return s.queryEscalations(ctx, query, args...)
}

func (s *PostgresStore) ListExpiredLocks(ctx context.Context, tenantID string, now time.Time) ([]models.EscalationEntry, error) {
	return s.queryEscalations(ctx, escalationColumns+`
		FROM escalations
		WHERE tenant_id = $1 AND status = 'locked' AND lock_expires_at <= $2
		ORDER BY lock_expires_at ASC`, tenantID, now)
}

const priorityRank = `CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END`

func (s *PostgresStore) WaitingAhead(ctx context.Context, e *models.EscalationEntry) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM escalations
		WHERE tenant_id = $1 AND status = 'waiting' AND id <> $2
			AND (`+priorityRank+` > $3 OR (`+priorityRank+` = $3 AND created_at < $4))`,
		e.TenantID, e.ID, e.Priority.Rank(), e.CreatedAt).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count waiting ahead: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) queryEscalations(ctx context.Context, query string, args ...any) ([]models.EscalationEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []models.EscalationEntry
	for rows.Next() {
		e, err := scanEscalation(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEscalation(row pgx.Row, customerID string) (*models.EscalationEntry, error) {
	var (
		e                models.EscalationEntry
		status, priority string
		meta             []byte
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.CustomerID, &status, &e.OperatorID, &e.LockExpiresAt,
		&e.Reason, &priority, &meta, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "escalation", Key: customerID}
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation: %w", err)
	}
	e.Status = models.QueueStatus(status)
	e.Priority = models.Priority(priority)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode escalation metadata: %w", err)
		}
	}
	return &e, nil
}

func isDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// In-memory Store implementation, used when PostgreSQL is not configured
// (local dev, tests). Supports file-based snapshot persistence so data
// survives restarts, and emulates row-level locks so transactional semantics
// match PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Tenants       map[string]*models.Tenant            `json:"tenants"`
	Customers     map[string]*models.Customer          `json:"customers"`     // key: tenant:id
	Conversations map[string]*models.ConversationState `json:"conversations"` // key: tenant:customer
	Escalations   map[string]*models.EscalationEntry   `json:"escalations"`   // key: id
	Interactions  []*models.InteractionRecord          `json:"interactions"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	tenants       map[string]*models.Tenant            // key: id
	customers     map[string]*models.Customer          // key: tenant:id
	addresses     map[string]string                    // key: tenant:address → customer id
	conversations map[string]*models.ConversationState // key: tenant:customer
	escalations   map[string]*models.EscalationEntry   // key: id
	interactions  []*models.InteractionRecord          // append-only log

	locks *rowLocks

	// Persistence
	snapshotPath string        // empty = no persistence
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. When dataDir is not empty the
// data is persisted to dataDir/parley.json with debounced writes.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		tenants:       make(map[string]*models.Tenant),
		customers:     make(map[string]*models.Customer),
		addresses:     make(map[string]string),
		conversations: make(map[string]*models.ConversationState),
		escalations:   make(map[string]*models.EscalationEntry),
		locks:         newRowLocks(),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "parley.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Tenants:       m.tenants,
		Customers:     m.customers,
		Conversations: m.conversations,
		Escalations:   m.escalations,
		Interactions:  m.interactions,
	}
	data, err := json.Marshal(snap)
	m.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode store snapshot")
		return
	}

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Warn().Err(err).Str("path", tmp).Msg("Failed to write store snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to replace store snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read store snapshot")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt store snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range snap.Tenants {
		m.tenants[k] = v
	}
	for k, v := range snap.Customers {
		m.customers[k] = v
		m.addresses[key(v.TenantID, v.Address)] = v.ID
	}
	for k, v := range snap.Conversations {
		m.conversations[k] = v
	}
	for k, v := range snap.Escalations {
		m.escalations[k] = v
	}
	m.interactions = append(m.interactions, snap.Interactions...)

	log.Info().
		Int("customers", len(m.customers)).
		Int("escalations", len(m.escalations)).
		Msg("Loaded store snapshot")
}

// ── Lifecycle ────────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error    { return nil }
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Tenants ──────────────────────────────────────────────────

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTenants(_ context.Context) ([]models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.tenants[t.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Customers ────────────────────────────────────────────────

func (m *MemoryStore) GetCustomer(_ context.Context, tenantID, customerID string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[key(tenantID, customerID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "customer", Key: customerID}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetCustomerByAddress(_ context.Context, tenantID, address string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customerByAddressLocked(tenantID, address)
}

func (m *MemoryStore) customerByAddressLocked(tenantID, address string) (*models.Customer, error) {
	id, ok := m.addresses[key(tenantID, address)]
	if !ok {
		return nil, &ErrNotFound{Entity: "customer", Key: address}
	}
	cp := *m.customers[key(tenantID, id)]
	return &cp, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, tenantID, customerID string) (*models.ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.conversations[key(tenantID, customerID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: customerID}
	}
	return cs.Clone(), nil
}

// ── Interactions ─────────────────────────────────────────────

func (m *MemoryStore) AppendInteraction(_ context.Context, rec *models.InteractionRecord) error {
	m.mu.Lock()
	cp := *rec
	m.interactions = append(m.interactions, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListInteractions(_ context.Context, tenantID, customerID string, limit int) ([]models.InteractionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.InteractionRecord
	for i := len(m.interactions) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.interactions[i]
		if r.TenantID == tenantID && r.CustomerID == customerID {
			out = append(out, *r)
		}
	}
	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ── Escalations ──────────────────────────────────────────────

func (m *MemoryStore) GetActiveEscalation(_ context.Context, tenantID, customerID string) (*models.EscalationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e := m.activeEscalationLocked(tenantID, customerID); e != nil {
		return e.Clone(), nil
	}
	return nil, &ErrNotFound{Entity: "escalation", Key: customerID}
}

func (m *MemoryStore) activeEscalationLocked(tenantID, customerID string) *models.EscalationEntry {
	for _, e := range m.escalations {
		if e.TenantID == tenantID && e.CustomerID == customerID && e.Status.Active() {
			return e
		}
	}
	return nil
}

func (m *MemoryStore) ListEscalations(_ context.Context, tenantID string, filter EscalationFilter) ([]models.EscalationEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	var out []models.EscalationEntry
	for _, e := range m.escalations {
		if e.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && e.CustomerID != filter.CustomerID {
			continue
		}
		out = append(out, *e.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredLocks(_ context.Context, tenantID string, now time.Time) ([]models.EscalationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EscalationEntry
	for _, e := range m.escalations {
		if e.TenantID == tenantID && e.Status == models.QueueLocked &&
			e.LockExpiresAt != nil && !e.LockExpiresAt.After(now) {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockExpiresAt.Before(*out[j].LockExpiresAt) })
	return out, nil
}

func (m *MemoryStore) WaitingAhead(_ context.Context, e *models.EscalationEntry) (int, error) {
	rank := e.Priority.Rank()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.escalations {
		if o.TenantID != e.TenantID || o.Status != models.QueueWaiting || o.ID == e.ID {
			continue
		}
		if r := o.Priority.Rank(); r > rank || (r == rank && o.CreatedAt.Before(e.CreatedAt)) {
			n++
		}
	}
	return n, nil
}

// ── Transactions ─────────────────────────────────────────────

// WithTx runs fn in a transaction. Writes are buffered and applied atomically
// on commit; row holds are released on commit or rollback.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx := &memTx{
		m:     m,
		held:  make(map[string]struct{}),
		convs: make(map[string]*models.ConversationState),
		escs:  make(map[string]*models.EscalationEntry),
	}
	defer tx.release()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transaction panic: %v", p)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type memTx struct {
	m    *MemoryStore
	held map[string]struct{}

	customers    []*models.Customer
	convs        map[string]*models.ConversationState // key: tenant:customer
	escs         map[string]*models.EscalationEntry   // key: id
	interactions []*models.InteractionRecord
}

func (tx *memTx) lock(ctx context.Context, k string) error {
	if _, ok := tx.held[k]; ok {
		return nil
	}
	if err := tx.m.locks.acquire(ctx, k); err != nil {
		return fmt.Errorf("acquire row lock %s: %w", k, err)
	}
	tx.held[k] = struct{}{}
	return nil
}

func (tx *memTx) release() {
	for k := range tx.held {
		tx.m.locks.release(k)
	}
	tx.held = nil
}

func (tx *memTx) commit() error {
	m := tx.m
	m.mu.Lock()
	for _, c := range tx.customers {
		m.customers[key(c.TenantID, c.ID)] = c
		m.addresses[key(c.TenantID, c.Address)] = c.ID
	}
	for k, cs := range tx.convs {
		m.conversations[k] = cs
	}
	for id, e := range tx.escs {
		m.escalations[id] = e
	}
	m.interactions = append(m.interactions, tx.interactions...)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (tx *memTx) GetCustomerByAddress(_ context.Context, tenantID, address string) (*models.Customer, error) {
	for _, c := range tx.customers {
		if c.TenantID == tenantID && c.Address == address {
			cp := *c
			return &cp, nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	return tx.m.customerByAddressLocked(tenantID, address)
}

func (tx *memTx) CreateCustomer(ctx context.Context, c *models.Customer) error {
	// The address hold plays the role of the unique index: a concurrent
	// creator waits here until the first transaction finishes.
	if err := tx.lock(ctx, "addr:"+key(c.TenantID, c.Address)); err != nil {
		return err
	}
	if _, err := tx.GetCustomerByAddress(ctx, c.TenantID, c.Address); err == nil {
		return fmt.Errorf("customer %s: %w", c.Address, ErrDuplicate)
	}
	cp := *c
	tx.customers = append(tx.customers, &cp)
	return nil
}

func (tx *memTx) LockConversation(ctx context.Context, tenantID, customerID string) (*models.ConversationState, error) {
	k := key(tenantID, customerID)
	if err := tx.lock(ctx, "conv:"+k); err != nil {
		return nil, err
	}
	if cs, ok := tx.convs[k]; ok {
		return cs.Clone(), nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	cs, ok := tx.m.conversations[k]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: customerID}
	}
	return cs.Clone(), nil
}

func (tx *memTx) CreateConversation(ctx context.Context, cs *models.ConversationState) error {
	k := key(cs.TenantID, cs.CustomerID)
	if err := tx.lock(ctx, "conv:"+k); err != nil {
		return err
	}
	tx.m.mu.RLock()
	_, exists := tx.m.conversations[k]
	tx.m.mu.RUnlock()
	if _, pending := tx.convs[k]; exists || pending {
		return fmt.Errorf("conversation %s: %w", cs.CustomerID, ErrDuplicate)
	}
	tx.convs[k] = cs.Clone()
	return nil
}

func (tx *memTx) UpdateConversation(ctx context.Context, cs *models.ConversationState) error {
	k := key(cs.TenantID, cs.CustomerID)
	if _, ok := tx.held["conv:"+k]; !ok {
		return fmt.Errorf("update conversation %s without row lock", cs.CustomerID)
	}
	tx.convs[k] = cs.Clone()
	return nil
}

func (tx *memTx) LockActiveEscalation(ctx context.Context, tenantID, customerID string) (*models.EscalationEntry, error) {
	if err := tx.lock(ctx, "esc:"+key(tenantID, customerID)); err != nil {
		return nil, err
	}
	for _, e := range tx.escs {
		if e.TenantID == tenantID && e.CustomerID == customerID && e.Status.Active() {
			return e.Clone(), nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	if e := tx.m.activeEscalationLocked(tenantID, customerID); e != nil {
		if pending, ok := tx.escs[e.ID]; ok && !pending.Status.Active() {
			return nil, &ErrNotFound{Entity: "escalation", Key: customerID}
		}
		return e.Clone(), nil
	}
	return nil, &ErrNotFound{Entity: "escalation", Key: customerID}
}

func (tx *memTx) CreateEscalation(ctx context.Context, e *models.EscalationEntry) error {
	if e.Status.Active() {
		// Emulates the partial unique index on (tenant, customer) for active rows.
		if _, err := tx.LockActiveEscalation(ctx, e.TenantID, e.CustomerID); err == nil {
			return fmt.Errorf("active escalation for %s: %w", e.CustomerID, ErrDuplicate)
		} else if !IsNotFound(err) {
			return err
		}
	}
	tx.escs[e.ID] = e.Clone()
	return nil
}

func (tx *memTx) UpdateEscalation(ctx context.Context, e *models.EscalationEntry) error {
	if _, ok := tx.held["esc:"+key(e.TenantID, e.CustomerID)]; !ok {
		return fmt.Errorf("update escalation %s without row lock", e.ID)
	}
	tx.escs[e.ID] = e.Clone()
	return nil
}

func (tx *memTx) AppendInteraction(_ context.Context, rec *models.InteractionRecord) error {
	cp := *rec
	tx.interactions = append(tx.interactions, &cp)
	return nil
}

// ── Row locks ────────────────────────────────────────────────

// rowLocks is a keyed set of binary semaphores standing in for SELECT … FOR
// UPDATE. Waiters honour context cancellation.
type rowLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{locks: make(map[string]chan struct{})}
}

func (l *rowLocks) entry(k string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[k]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[k] = ch
	}
	return ch
}

func (l *rowLocks) acquire(ctx context.Context, k string) error {
	select {
	case l.entry(k) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *rowLocks) release(k string) {
	select {
	case <-l.entry(k):
	default:
	}
}

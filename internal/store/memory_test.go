package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// newTestStore creates a fresh in-memory store with no persistence.
func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s store.Store, tenantID, customerID string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateCustomer(context.Background(), &models.Customer{
			ID: customerID, TenantID: tenantID, Address: "addr-" + customerID, Channel: "whatsapp",
		}); err != nil {
			return err
		}
		return tx.CreateConversation(context.Background(), &models.ConversationState{
			TenantID: tenantID, CustomerID: customerID, State: models.StateInicio,
		})
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}

// ─── Tenants ─────────────────────────────────────────────────

func TestUpsertAndGetTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTenant(ctx, &models.Tenant{ID: "t1", Name: "Loja", Vertical: "celulares", Active: true}); err != nil {
		t.Fatalf("UpsertTenant() error = %v", err)
	}
	got, err := s.GetTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if got.Vertical != "celulares" {
		t.Errorf("Vertical = %q", got.Vertical)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set on upsert")
	}

	_, err = s.GetTenant(ctx, "missing")
	if !store.IsNotFound(err) {
		t.Errorf("GetTenant(missing) error = %v, want not found", err)
	}
}

// ─── Transactions ────────────────────────────────────────────

func TestWithTx_CommitMakesWritesVisible(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "t1", "c1")

	cs, err := s.GetConversation(context.Background(), "t1", "c1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if cs.State != models.StateInicio {
		t.Errorf("State = %s", cs.State)
	}
	c, err := s.GetCustomerByAddress(context.Background(), "t1", "addr-c1")
	if err != nil || c.ID != "c1" {
		t.Errorf("GetCustomerByAddress() = %v, %v", c, err)
	}
}

func TestWithTx_ErrorRollsBack(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "t1", "c1")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		cs, err := tx.LockConversation(ctx, "t1", "c1")
		if err != nil {
			return err
		}
		cs.State = models.StateMenuPrincipal
		if err := tx.UpdateConversation(ctx, cs); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}
	cs, _ := s.GetConversation(ctx, "t1", "c1")
	if cs.State != models.StateInicio {
		t.Errorf("State = %s after rollback, want INICIO", cs.State)
	}
}

func TestWithTx_PanicRollsBackAndReleasesLocks(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "t1", "c1")
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockConversation(ctx, "t1", "c1"); err != nil {
			return err
		}
		panic("handler bug")
	})
	if err == nil {
		t.Fatal("WithTx() should report the panic")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockConversation(ctx, "t1", "c1")
		return err
	})
	if err != nil {
		t.Errorf("lock still held after panic: %v", err)
	}
}

func TestUpdateConversation_RequiresLock(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "t1", "c1")
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateConversation(ctx, &models.ConversationState{TenantID: "t1", CustomerID: "c1", State: models.StateMenuPrincipal})
	})
	if err == nil {
		t.Error("UpdateConversation without LockConversation should fail")
	}
}

func TestLockConversation_SerializesTransactions(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "t1", "c1")
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockConversation(ctx, "t1", "c1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.WithTx(waitCtx, func(tx store.Tx) error {
		_, err := tx.LockConversation(waitCtx, "t1", "c1")
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second lock error = %v, want deadline exceeded while held", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first tx error = %v", err)
	}

	// Other customers are never blocked.
	seedConversation(t, s, "t1", "c2")
}

func TestCreateCustomer_DuplicateAddress(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "t1", "c1")
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateCustomer(ctx, &models.Customer{ID: "other", TenantID: "t1", Address: "addr-c1"})
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("CreateCustomer() error = %v, want ErrDuplicate", err)
	}

	// Same address under another tenant is a different customer.
	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateCustomer(ctx, &models.Customer{ID: "c1", TenantID: "t2", Address: "addr-c1"})
	})
	if err != nil {
		t.Errorf("CreateCustomer(t2) error = %v", err)
	}
}

// ─── Escalations ─────────────────────────────────────────────

func TestCreateEscalation_OneActivePerCustomer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	create := func(id string, status models.QueueStatus) error {
		return s.WithTx(ctx, func(tx store.Tx) error {
			return tx.CreateEscalation(ctx, &models.EscalationEntry{
				ID: id, TenantID: "t1", CustomerID: "c1", Status: status,
				Priority: models.PriorityLow, CreatedAt: now, UpdatedAt: now,
			})
		})
	}

	if err := create("e1", models.QueueWaiting); err != nil {
		t.Fatalf("create e1: %v", err)
	}
	if err := create("e2", models.QueueWaiting); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("create e2 error = %v, want ErrDuplicate", err)
	}
	// Terminal history rows do not count.
	if err := create("e0", models.QueueDone); err != nil {
		t.Errorf("create done entry: %v", err)
	}

	got, err := s.GetActiveEscalation(ctx, "t1", "c1")
	if err != nil || got.ID != "e1" {
		t.Errorf("GetActiveEscalation() = %v, %v", got, err)
	}
}

func TestLockActiveEscalation_CompletedInSameTx(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateEscalation(ctx, &models.EscalationEntry{
			ID: "e1", TenantID: "t1", CustomerID: "c1", Status: models.QueueWaiting, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = s.WithTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockActiveEscalation(ctx, "t1", "c1")
		if err != nil {
			return err
		}
		e.Status = models.QueueCancelled
		if err := tx.UpdateEscalation(ctx, e); err != nil {
			return err
		}
		_, err = tx.LockActiveEscalation(ctx, "t1", "c1")
		if !store.IsNotFound(err) {
			t.Errorf("re-lock after cancel error = %v, want not found", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if _, err := s.GetActiveEscalation(ctx, "t1", "c1"); !store.IsNotFound(err) {
		t.Errorf("GetActiveEscalation() error = %v, want not found", err)
	}
}

func TestListEscalations_FiltersAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	entries := []models.EscalationEntry{
		{ID: "e2", TenantID: "t1", CustomerID: "c2", Status: models.QueueWaiting, CreatedAt: base.Add(time.Minute)},
		{ID: "e1", TenantID: "t1", CustomerID: "c1", Status: models.QueueWaiting, CreatedAt: base},
		{ID: "e3", TenantID: "t1", CustomerID: "c3", Status: models.QueueDone, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "x1", TenantID: "t2", CustomerID: "c1", Status: models.QueueWaiting, CreatedAt: base},
	}
	for i := range entries {
		e := entries[i]
		if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.CreateEscalation(ctx, &e) }); err != nil {
			t.Fatalf("create %s: %v", e.ID, err)
		}
	}

	waiting, err := s.ListEscalations(ctx, "t1", store.EscalationFilter{Status: models.QueueWaiting})
	if err != nil {
		t.Fatalf("ListEscalations() error = %v", err)
	}
	if len(waiting) != 2 || waiting[0].ID != "e1" || waiting[1].ID != "e2" {
		t.Errorf("waiting = %+v, want e1 then e2", waiting)
	}

	all, _ := s.ListEscalations(ctx, "t1", store.EscalationFilter{Limit: 1})
	if len(all) != 1 || all[0].ID != "e1" {
		t.Errorf("limited = %+v", all)
	}
}

func TestWaitingAhead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	create := func(e models.EscalationEntry) {
		t.Helper()
		if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.CreateEscalation(ctx, &e) }); err != nil {
			t.Fatalf("create %s: %v", e.ID, err)
		}
	}
	for i := 0; i < 1200; i++ {
		create(models.EscalationEntry{
			ID: fmt.Sprintf("low-%d", i), TenantID: "t1", CustomerID: fmt.Sprintf("c%d", i),
			Status: models.QueueWaiting, Priority: models.PriorityLow, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	urgent := models.EscalationEntry{ID: "urgent", TenantID: "t1", CustomerID: "u", Status: models.QueueWaiting,
		Priority: models.PriorityUrgent, CreatedAt: base.Add(time.Hour)}
	create(urgent)
	create(models.EscalationEntry{ID: "locked", TenantID: "t1", CustomerID: "l", Status: models.QueueLocked,
		Priority: models.PriorityUrgent, CreatedAt: base})
	create(models.EscalationEntry{ID: "other", TenantID: "t2", CustomerID: "u", Status: models.QueueWaiting,
		Priority: models.PriorityUrgent, CreatedAt: base})

	tests := []struct {
		entry models.EscalationEntry
		want  int
	}{
		{urgent, 0},
		{models.EscalationEntry{ID: "low-0", TenantID: "t1", Priority: models.PriorityLow, CreatedAt: base}, 1},
		{models.EscalationEntry{ID: "low-1199", TenantID: "t1", Priority: models.PriorityLow, CreatedAt: base.Add(1199 * time.Second)}, 1200},
	}
	for _, tt := range tests {
		got, err := s.WaitingAhead(ctx, &tt.entry)
		if err != nil {
			t.Fatalf("WaitingAhead(%s) error = %v", tt.entry.ID, err)
		}
		if got != tt.want {
			t.Errorf("WaitingAhead(%s) = %d, want %d", tt.entry.ID, got, tt.want)
		}
	}
}

func TestListExpiredLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	for _, e := range []models.EscalationEntry{
		{ID: "expired", TenantID: "t1", CustomerID: "c1", Status: models.QueueLocked, LockExpiresAt: &past},
		{ID: "live", TenantID: "t1", CustomerID: "c2", Status: models.QueueLocked, LockExpiresAt: &future},
		{ID: "waiting", TenantID: "t1", CustomerID: "c3", Status: models.QueueWaiting},
	} {
		e := e
		if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.CreateEscalation(ctx, &e) }); err != nil {
			t.Fatalf("create %s: %v", e.ID, err)
		}
	}

	got, err := s.ListExpiredLocks(ctx, "t1", now)
	if err != nil {
		t.Fatalf("ListExpiredLocks() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "expired" {
		t.Errorf("expired = %+v", got)
	}
}

// ─── Interactions ────────────────────────────────────────────

func TestListInteractions_NewestWindowOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		rec := &models.InteractionRecord{
			ID: text, TenantID: "t1", CustomerID: "c1", Direction: models.DirectionInbound,
			Text: text, CreatedAt: time.Unix(int64(i), 0),
		}
		if err := s.AppendInteraction(ctx, rec); err != nil {
			t.Fatalf("AppendInteraction() error = %v", err)
		}
	}
	_ = s.AppendInteraction(ctx, &models.InteractionRecord{ID: "z", TenantID: "t1", CustomerID: "c2", Text: "z"})

	got, err := s.ListInteractions(ctx, "t1", "c1", 2)
	if err != nil {
		t.Fatalf("ListInteractions() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "b" || got[1].Text != "c" {
		t.Errorf("interactions = %+v, want b then c", got)
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestSnapshot_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemoryStore(dir)
	if err := s.UpsertTenant(ctx, &models.Tenant{ID: "t1", Vertical: "celulares", Active: true}); err != nil {
		t.Fatalf("UpsertTenant() error = %v", err)
	}
	seedConversation(t, s, "t1", "c1")
	s.Close()

	reopened := store.NewMemoryStore(dir)
	defer reopened.Close()

	if _, err := reopened.GetTenant(ctx, "t1"); err != nil {
		t.Errorf("tenant lost after restart: %v", err)
	}
	c, err := reopened.GetCustomerByAddress(ctx, "t1", "addr-c1")
	if err != nil || c.ID != "c1" {
		t.Errorf("address index lost after restart: %v, %v", c, err)
	}
}

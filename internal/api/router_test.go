package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/api/handlers"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/dossier"
	"github.com/parleyhq/parley/internal/fsm"
	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

func newTestRouter(t *testing.T, keys ...string) http.Handler {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	if err := s.UpsertTenant(context.Background(), &models.Tenant{ID: "t1", Vertical: "celulares", Active: true}); err != nil {
		t.Fatalf("UpsertTenant() error = %v", err)
	}

	cfg := &config.Config{Version: "test", DefaultTenant: "t1"}
	cfg.Auth.APIKeys = keys

	loader := rules.NewLoader(s, rules.StaticSource{"celulares": []byte("vertical: celulares\n")}, cache.NewMemoryBus())
	e := fsm.NewEngine(s)
	t.Cleanup(e.Scheduler().Stop)
	q := queue.NewManager(s, e)
	d := dossier.NewBuilder(s, e, loader)
	o := orchestrator.New(s, e, d, loader, q, orchestrator.WithDefaultTenant("t1"))
	return api.NewRouter(cfg, handlers.New(s, o, d, q, loader), metrics.New())
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	h := newTestRouter(t)

	w := do(t, h, "POST", "/api/v1/messages", models.InboundMessage{From: "+5511", Text: "quero falar com atendente"})
	if w.Code != http.StatusOK {
		t.Fatalf("messages status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[models.Response](t, w)
	if !resp.Escalated || resp.Priority != models.PriorityHigh {
		t.Fatalf("response = %+v, want high-priority escalation", resp)
	}
	cust := resp.CustomerID

	w = do(t, h, "GET", "/api/v1/queue?status=waiting", nil)
	if entries := decode[[]models.EscalationEntry](t, w); len(entries) != 1 || entries[0].CustomerID != cust {
		t.Fatalf("queue = %s", w.Body.String())
	}

	w = do(t, h, "POST", "/api/v1/queue/"+cust+"/assume", map[string]any{"operator_id": "op-a", "lock_seconds": 900})
	if w.Code != http.StatusOK {
		t.Fatalf("assume status = %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, "POST", "/api/v1/queue/"+cust+"/assume", map[string]any{"operator_id": "op-b"})
	if w.Code != http.StatusConflict {
		t.Errorf("second assume status = %d, want 409", w.Code)
	}

	w = do(t, h, "POST", "/api/v1/queue/"+cust+"/finalize", map[string]any{"operator_id": "op-b", "outcome": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("finalize by non-owner status = %d, want 404", w.Code)
	}
	w = do(t, h, "POST", "/api/v1/queue/"+cust+"/finalize", map[string]any{"operator_id": "op-a", "outcome": "sold"})
	if w.Code != http.StatusOK {
		t.Fatalf("finalize status = %d: %s", w.Code, w.Body.String())
	}
	if e := decode[models.EscalationEntry](t, w); e.Status != models.QueueDone {
		t.Errorf("finalized status = %s", e.Status)
	}

	w = do(t, h, "GET", "/api/v1/queue/"+cust, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("active entry after finalize status = %d, want 404", w.Code)
	}

	w = do(t, h, "GET", "/api/v1/customers/"+cust+"/interactions", nil)
	if recs := decode[[]models.InteractionRecord](t, w); len(recs) != 2 {
		t.Errorf("interactions = %d, want 2", len(recs))
	}
}

func TestValidation(t *testing.T) {
	h := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"message without sender", "POST", "/api/v1/messages", map[string]string{"text": "oi"}, http.StatusBadRequest},
		{"bad status filter", "GET", "/api/v1/queue?status=lost", nil, http.StatusBadRequest},
		{"assume without operator", "POST", "/api/v1/queue/c1/assume", map[string]string{}, http.StatusBadRequest},
		{"assume unknown customer", "POST", "/api/v1/queue/c1/assume", map[string]string{"operator_id": "op"}, http.StatusNotFound},
		{"cancel without entry", "POST", "/api/v1/queue/c1/cancel", nil, http.StatusNotFound},
		{"dossier of unknown customer", "GET", "/api/v1/customers/c1/dossier", nil, http.StatusOK},
		{"reload rules", "POST", "/api/v1/rules/reload", nil, http.StatusAccepted},
		{"reclaim", "POST", "/api/v1/queue/reclaim", nil, http.StatusOK},
		{"health", "GET", "/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	h := newTestRouter(t, "secret")

	if w := do(t, h, "GET", "/api/v1/queue", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("without key status = %d, want 401", w.Code)
	}
	if w := do(t, h, "GET", "/api/v1/queue", nil, "X-API-Key", "secret"); w.Code != http.StatusOK {
		t.Errorf("with key status = %d, want 200", w.Code)
	}
	if w := do(t, h, "GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestTenantHeaderScopesQueue(t *testing.T) {
	h := newTestRouter(t)
	do(t, h, "POST", "/api/v1/messages", models.InboundMessage{From: "+5511", Text: "atendente"})

	w := do(t, h, "GET", "/api/v1/queue", nil, "X-Tenant", "other")
	if entries := decode[[]models.EscalationEntry](t, w); len(entries) != 0 {
		t.Errorf("other tenant sees %d entries", len(entries))
	}
}

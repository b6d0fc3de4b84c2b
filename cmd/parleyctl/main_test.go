package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recorded struct {
	Method string
	Path   string
	Tenant string
	APIKey string
	Body   map[string]any
}

// fakeServer records requests and answers with a canned status and body.
func fakeServer(t *testing.T, status int, body string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Tenant: r.Header.Get("X-Tenant"),
			APIKey: r.Header.Get("X-API-Key"),
		}
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--addr", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSend(t *testing.T) {
	srv, reqs := fakeServer(t, 200, `{"text":"Como posso ajudar?","state":"MENU_PRINCIPAL","action":"show_menu","escalated":false}`)

	out, err := run(t, srv, "--tenant", "t1", "--api-key", "k1", "send", "5511", "oi", "tudo", "bem")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "Como posso ajudar?") || !strings.Contains(out, "state: MENU_PRINCIPAL") {
		t.Errorf("output = %q", out)
	}

	got := (*reqs)[0]
	if got.Method != "POST" || got.Path != "/api/v1/messages" {
		t.Errorf("request = %s %s", got.Method, got.Path)
	}
	if got.Tenant != "t1" || got.APIKey != "k1" {
		t.Errorf("headers tenant=%q key=%q", got.Tenant, got.APIKey)
	}
	if got.Body["from"] != "5511" || got.Body["text"] != "oi tudo bem" || got.Body["channel"] != "whatsapp" {
		t.Errorf("body = %v", got.Body)
	}
}

func TestQueueAssume(t *testing.T) {
	srv, reqs := fakeServer(t, 200, `{"id":"e1","customer_id":"c1","status":"locked","operator_id":"op-a"}`)

	out, err := run(t, srv, "queue", "assume", "c1", "--operator", "op-a", "--lock", "10m")
	if err != nil {
		t.Fatalf("assume: %v", err)
	}
	if !strings.Contains(out, "status=locked") || !strings.Contains(out, "operator=op-a") {
		t.Errorf("output = %q", out)
	}
	got := (*reqs)[0]
	if got.Path != "/api/v1/queue/c1/assume" {
		t.Errorf("path = %s", got.Path)
	}
	if got.Body["operator_id"] != "op-a" || got.Body["lock_seconds"] != float64(600) {
		t.Errorf("body = %v", got.Body)
	}
}

func TestQueueAssume_ConflictIsError(t *testing.T) {
	srv, _ := fakeServer(t, 409, `{"error":"entry already locked by another operator"}`)

	_, err := run(t, srv, "queue", "assume", "c1", "--operator", "op-b")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if apiErr.Status != 409 || !strings.Contains(apiErr.Message, "already locked") {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestQueueList(t *testing.T) {
	srv, reqs := fakeServer(t, 200, `[{"id":"e1","customer_id":"c1","status":"waiting","priority":"high","reason":"explicit request","created_at":"2026-01-01T10:00:00Z"}]`)

	out, err := run(t, srv, "queue", "list", "--limit", "5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if (*reqs)[0].Path != "/api/v1/queue?limit=5&status=waiting" {
		t.Errorf("path = %s", (*reqs)[0].Path)
	}
	if !strings.Contains(out, "CUSTOMER") || !strings.Contains(out, "c1") || !strings.Contains(out, "explicit request") {
		t.Errorf("output = %q", out)
	}
}

func TestJSONOutput(t *testing.T) {
	srv, _ := fakeServer(t, 200, `{"reclaimed":2}`)

	out, err := run(t, srv, "--json", "queue", "reclaim")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if strings.TrimSpace(out) != "{\n  \"reclaimed\": 2\n}" {
		t.Errorf("output = %q", out)
	}
}

func TestRulesReload_Vertical(t *testing.T) {
	srv, reqs := fakeServer(t, 202, `{"vertical":"celulares","published":true}`)

	if _, err := run(t, srv, "rules", "reload", "--vertical", "celulares"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if (*reqs)[0].Body["vertical"] != "celulares" {
		t.Errorf("body = %v", (*reqs)[0].Body)
	}
}

func TestSend_RequiresText(t *testing.T) {
	srv, reqs := fakeServer(t, 200, `{}`)
	if _, err := run(t, srv, "send", "5511"); err == nil {
		t.Error("send with no text should fail")
	}
	if len(*reqs) != 0 {
		t.Errorf("requests = %d, want none", len(*reqs))
	}
}

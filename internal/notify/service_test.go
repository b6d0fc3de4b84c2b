package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/pkg/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
	fail   bool
}

func (r *recordingSink) Kind() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.fail {
		return errors.New("sink down")
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testEvent(t notify.EventType) notify.Event {
	e := &models.EscalationEntry{ID: "e1", TenantID: "t1", CustomerID: "c1", Status: models.QueueLocked, OperatorID: "op-a"}
	return notify.NewEvent(t, e, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestService_FansOutAndDrainsOnClose(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{fail: true}
	svc := notify.NewService(good, bad)

	for i := 0; i < 10; i++ {
		svc.Notify(context.Background(), testEvent(notify.EventLocked))
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if good.count() != 10 || bad.count() != 10 {
		t.Errorf("delivered good=%d bad=%d, want 10 each", good.count(), bad.count())
	}

	// After Close, events are dropped without blocking.
	svc.Notify(context.Background(), testEvent(notify.EventDone))
	if good.count() != 10 {
		t.Errorf("event delivered after Close")
	}
}

func TestWebhookSink_SignsAndRetries(t *testing.T) {
	var calls atomic.Int32
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		gotSig = r.Header.Get("X-Parley-Signature")
		gotEvent = r.Header.Get("X-Parley-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := notify.NewWebhookSink(srv.URL, "s3cret")
	sink.Backoff = time.Millisecond

	if err := sink.Send(context.Background(), testEvent(notify.EventLocked)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if gotEvent != string(notify.EventLocked) {
		t.Errorf("event header = %q", gotEvent)
	}
	if want := notify.Sign("s3cret", gotBody); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
	var ev notify.Event
	if err := json.Unmarshal(gotBody, &ev); err != nil || ev.EntryID != "e1" {
		t.Errorf("body = %s (err %v)", gotBody, err)
	}
}

func TestWebhookSink_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := notify.NewWebhookSink(srv.URL, "")
	sink.Backoff = time.Millisecond
	if err := sink.Send(context.Background(), testEvent(notify.EventDone)); err == nil {
		t.Fatal("Send() error = nil, want failure")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestBusSink(t *testing.T) {
	bus := cache.NewMemoryBus()
	got := make(chan string, 1)
	sub, err := bus.Subscribe(context.Background(), notify.DefaultEventsChannel, func(_ context.Context, p string) { got <- p })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	sink := &notify.BusSink{Bus: bus}
	if err := sink.Send(context.Background(), testEvent(notify.EventReclaimed)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case p := <-got:
		var ev notify.Event
		if err := json.Unmarshal([]byte(p), &ev); err != nil || ev.Type != notify.EventReclaimed {
			t.Errorf("payload = %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

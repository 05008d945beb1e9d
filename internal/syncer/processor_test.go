package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/feltworks/routesync/internal/connectivity"
	"github.com/feltworks/routesync/internal/outbox"
	"github.com/feltworks/routesync/internal/remote"
	"github.com/feltworks/routesync/internal/session"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordedCall struct {
	Method     string
	Collection string
	DocumentID string
	Payload    string
}

// fakeDocumentStore records delivered operations and returns scripted errors
// keyed by collection/id.
type fakeDocumentStore struct {
	mu       sync.Mutex
	calls    []recordedCall
	failures map[string][]error
	block    chan struct{}
}

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{failures: make(map[string][]error)}
}

func (f *fakeDocumentStore) failNext(collection, documentID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := collection + "/" + documentID
	f.failures[key] = append(f.failures[key], errs...)
}

func (f *fakeDocumentStore) record(method, collection, documentID, payload string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{Method: method, Collection: collection, DocumentID: documentID, Payload: payload})
	key := collection + "/" + documentID
	if queue := f.failures[key]; len(queue) > 0 {
		err := queue[0]
		f.failures[key] = queue[1:]
		return err
	}
	return nil
}

func (f *fakeDocumentStore) Upsert(_ context.Context, collection, documentID, payloadJSON string) error {
	return f.record("PUT", collection, documentID, payloadJSON)
}

func (f *fakeDocumentStore) Delete(_ context.Context, collection, documentID string) error {
	return f.record("DELETE", collection, documentID, "")
}

func (f *fakeDocumentStore) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]recordedCall, len(f.calls))
	copy(calls, f.calls)
	return calls
}

type testHarness struct {
	processor *Processor
	outbox    *outbox.Service
	sessions  *session.State
	store     *fakeDocumentStore
	db        *gorm.DB
	now       *time.Time
}

type sequentialKeys struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialKeys) NewKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("op-%d", p.next), nil
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:syncer_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&outbox.Operation{}, session.PersistenceModel()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	harness := &testHarness{now: &now, db: db}
	clock := func() time.Time { return *harness.now }

	outboxService, err := outbox.NewService(outbox.ServiceConfig{
		Database:    db,
		Clock:       clock,
		KeyProvider: &sequentialKeys{},
	})
	if err != nil {
		t.Fatalf("failed to construct outbox: %v", err)
	}

	sessions, err := session.NewState(session.StateConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct session state: %v", err)
	}

	store := newFakeDocumentStore()
	processor, err := NewProcessor(ProcessorConfig{
		Outbox:       outboxService,
		Documents:    store,
		Sessions:     sessions,
		Connectivity: connectivity.NewMonitor(nil),
		Clock:        clock,
		BatchSize:    20,
		Workers:      2,
		BackoffBase:  30 * time.Second,
		RetentionAge: 7 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}

	harness.processor = processor
	harness.outbox = outboxService
	harness.sessions = sessions
	harness.store = store
	return harness
}

func (h *testHarness) advance(d time.Duration) {
	*h.now = h.now.Add(d)
}

func (h *testHarness) startOnlineSession(t *testing.T) {
	t.Helper()
	err := h.sessions.Start(context.Background(), session.Session{
		IdentityID: "id-1",
		Mode:       session.ModeOnline,
	})
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
}

func (h *testHarness) enqueue(t *testing.T, intent outbox.Intent) outbox.Operation {
	t.Helper()
	entry, err := h.outbox.EnqueueTx(h.db, intent)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	return entry
}

func TestRunPassDeliversCreateThenDeleteInOrder(t *testing.T) {
	h := newTestHarness(t)
	h.startOnlineSession(t)
	ctx := context.Background()

	h.enqueue(t, outbox.Intent{Op: outbox.OperationCreateOrUpdate, EntityType: "clientes", EntityID: "c1", PayloadJSON: `{"n":1}`})
	h.enqueue(t, outbox.Intent{Op: outbox.OperationDelete, EntityType: "clientes", EntityID: "c1"})

	result, err := h.processor.RunPass(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Delivered != 2 || result.Attempted != 2 {
		t.Fatalf("expected both operations delivered, got %#v", result)
	}

	calls := h.store.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected 2 remote calls, got %d", len(calls))
	}
	if calls[0].Method != "PUT" || calls[1].Method != "DELETE" {
		t.Fatalf("expected PUT then DELETE, got %s then %s", calls[0].Method, calls[1].Method)
	}

	count, err := h.outbox.CountPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected queue drained, got %d pending", count)
	}
}

func TestRunPassRefusesWithoutOnlineSession(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.enqueue(t, outbox.Intent{Op: outbox.OperationCreateOrUpdate, EntityType: "clientes", EntityID: "c1", PayloadJSON: `{}`})

	// No session at all.
	if _, err := h.processor.RunPass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.store.recorded()) != 0 {
		t.Fatalf("expected no delivery without a session")
	}

	// Session present but OFFLINE.
	err := h.sessions.Start(ctx, session.Session{IdentityID: "id-1", Mode: session.ModeOffline})
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	if _, err := h.processor.RunPass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.store.recorded()) != 0 {
		t.Fatalf("expected no delivery with an offline session")
	}
}

func TestTransientFailureSchedulesRetryAndStopsGroup(t *testing.T) {
	h := newTestHarness(t)
	h.startOnlineSession(t)
	ctx := context.Background()

	first := h.enqueue(t, outbox.Intent{Op: outbox.OperationCreateOrUpdate, EntityType: "clientes", EntityID: "c1", PayloadJSON: `{"v":1}`})
	h.enqueue(t, outbox.Intent{Op: outbox.OperationDelete, EntityType: "clientes", EntityID: "c1"})

	h.store.failNext("clientes", "c1", remote.NewError(remote.KindConnectivity, "upsert", errors.New("connect refused")))

	result, err := h.processor.RunPass(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Retried != 1 || result.Delivered != 0 {
		t.Fatalf("expected one retry and no deliveries, got %#v", result)
	}
	if len(h.store.recorded()) != 1 {
		t.Fatalf("expected the failed head to stop the group, got %d calls", len(h.store.recorded()))
	}

	var stored outbox.Operation
	if err := h.db.First(&stored, first.ID).Error; err != nil {
		t.Fatalf("failed to load operation: %v", err)
	}
	if stored.Status != outbox.StatusPending {
		t.Fatalf("expected transient failure to stay PENDING, got %q", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", stored.RetryCount)
	}
	if stored.NextAttemptAtS != h.now.Add(30*time.Second).Unix() {
		t.Fatalf("expected next attempt at base backoff, got %d", stored.NextAttemptAtS)
	}
}

func TestBackoffDoublesAcrossRetries(t *testing.T) {
	h := newTestHarness(t)
	h.startOnlineSession(t)
	ctx := context.Background()

	entry := h.enqueue(t, outbox.Intent{Op: outbox.OperationCreateOrUpdate, EntityType: "clientes", EntityID: "c1", PayloadJSON: `{}`})

	transient := func() error {
		return remote.NewError(remote.KindConnectivity, "upsert", errors.New("timeout"))
	}

	expected := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	for attempt, want := range expected {
		h.store.failNext("clientes", "c1", transient())
		if _, err := h.processor.RunPass(ctx); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", attempt, err)
		}

		var stored outbox.Operation
		if err := h.db.First(&stored, entry.ID).Error; err != nil {
			t.Fatalf("failed to load operation: %v", err)
		}
		if stored.RetryCount != attempt+1 {
			t.Fatalf("attempt %d: expected retry count %d, got %d", attempt, attempt+1, stored.RetryCount)
		}
		if got := stored.NextAttemptAtS - h.now.Unix(); got != int64(want/time.Second) {
			t.Fatalf("attempt %d: expected backoff %v, got %ds", attempt, want, got)
		}

		// Step past the scheduled attempt so the next pass picks it up.
		h.advance(want + time.Second)
	}

	// With the script exhausted the operation finally delivers.
	if _, err := h.processor.RunPass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stored outbox.Operation
	if err := h.db.First(&stored, entry.ID).Error; err != nil {
		t.Fatalf("failed to load operation: %v", err)
	}
	if stored.Status != outbox.StatusCompleted {
		t.Fatalf("expected delivery after retries, got %q", stored.Status)
	}
}

func TestStructuralFailureMarksFailedAndContinues(t *testing.T) {
	h := newTestHarness(t)
	h.startOnlineSession(t)
	ctx := context.Background()

	first := h.enqueue(t, outbox.Intent{Op: outbox.OperationCreateOrUpdate, EntityType: "clientes", EntityID: "c1", PayloadJSON: `{"bad":true}`})
	h.enqueue(t, outbox.Intent{Op: outbox.OperationDelete, EntityType: "clientes", EntityID: "c1"})

	h.store.failNext("clientes", "c1", remote.NewError(remote.KindStructural, "upsert", errors.New("payload rejected")))

	result, err := h.processor.RunPass(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed != 1 || result.Delivered != 1 {
		t.Fatalf("expected one permanent failure and one delivery, got %#v", result)
	}

	var stored outbox.Operation
	if err := h.db.First(&stored, first.ID).Error; err != nil {
		t.Fatalf("failed to load operation: %v", err)
	}
	if stored.Status != outbox.StatusFailed {
		t.Fatalf("expected FAILED status, got %q", stored.Status)
	}

	failed, err := h.outbox.ListFailed(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected the dead operation listed, got %d", len(failed))
	}
}

func TestRunPassRejectsOverlap(t *testing.T) {
	h := newTestHarness(t)
	h.startOnlineSession(t)
	ctx := context.Background()

	h.enqueue(t, outbox.Intent{Op: outbox.OperationCreateOrUpdate, EntityType: "clientes", EntityID: "c1", PayloadJSON: `{}`})

	h.store.block = make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := h.processor.RunPass(ctx)
		firstDone <- err
	}()

	// Wait for the first pass to reach the blocked remote call.
	deadline := time.After(2 * time.Second)
	for {
		if h.processor.inFlight.Load() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first pass never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := h.processor.RunPass(ctx); !errors.Is(err, ErrPassInFlight) {
		t.Fatalf("expected in-flight rejection, got %v", err)
	}

	close(h.store.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("unexpected first pass error: %v", err)
	}
}

func TestRunPassSweepsSettledOperations(t *testing.T) {
	h := newTestHarness(t)
	h.startOnlineSession(t)
	ctx := context.Background()

	entry := h.enqueue(t, outbox.Intent{Op: outbox.OperationCreateOrUpdate, EntityType: "clientes", EntityID: "c1", PayloadJSON: `{}`})
	if err := h.outbox.MarkCompleted(ctx, entry.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Age the settled row past the retention window.
	h.advance(8 * 24 * time.Hour)
	if _, err := h.processor.RunPass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	if err := h.db.Model(&outbox.Operation{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count operations: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected settled operation swept, got %d rows", count)
	}
}

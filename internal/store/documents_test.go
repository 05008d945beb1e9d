package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/feltworks/routesync/internal/outbox"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialKeys struct {
	next int
}

func (p *sequentialKeys) NewKey() (string, error) {
	p.next++
	return fmt.Sprintf("op-%d", p.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}, &outbox.Operation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	outboxService, err := outbox.NewService(outbox.ServiceConfig{
		Database:    db,
		Clock:       clock,
		KeyProvider: &sequentialKeys{},
	})
	if err != nil {
		t.Fatalf("failed to construct outbox service: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Outbox:   outboxService,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct document service: %v", err)
	}
	return service, db
}

func TestSaveWritesDocumentAndEnqueuesTogether(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	operation, err := service.Save(ctx, "clientes", "client-1", `{"name":"Bar do Zé"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if operation.Op != outbox.OperationCreateOrUpdate {
		t.Fatalf("expected create-or-update enqueue, got %q", operation.Op)
	}

	var document Document
	if err := db.Where("entity_type = ? AND entity_id = ?", "clientes", "client-1").Take(&document).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if document.Deleted {
		t.Fatalf("expected live document")
	}

	var pending int64
	if err := db.Model(&outbox.Operation{}).Where("status = ?", outbox.StatusPending).Count(&pending).Error; err != nil {
		t.Fatalf("failed to count outbox rows: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected exactly one pending outbox entry, got %d", pending)
	}
}

func TestSaveRejectsNonObjectPayloadWithoutSideEffects(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	for _, payload := range []string{`"just a string"`, `[1,2,3]`, `not json`, ``} {
		if _, err := service.Save(ctx, "clientes", "client-1", payload); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("payload %q: expected invalid payload error, got %v", payload, err)
		}
	}

	var documents int64
	if err := db.Model(&Document{}).Count(&documents).Error; err != nil {
		t.Fatalf("failed to count documents: %v", err)
	}
	var operations int64
	if err := db.Model(&outbox.Operation{}).Count(&operations).Error; err != nil {
		t.Fatalf("failed to count outbox rows: %v", err)
	}
	if documents != 0 || operations != 0 {
		t.Fatalf("expected no writes after rejected payloads, got %d documents and %d operations", documents, operations)
	}
}

func TestSaveRollsBackDocumentOnEnqueueFailure(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	longID := make([]byte, 200)
	for i := range longID {
		longID[i] = 'x'
	}
	if _, err := service.Save(ctx, "clientes", string(longID), `{"a":1}`); !errors.Is(err, outbox.ErrInvalidEntityID) {
		t.Fatalf("expected entity id rejection, got %v", err)
	}

	var documents int64
	if err := db.Model(&Document{}).Count(&documents).Error; err != nil {
		t.Fatalf("failed to count documents: %v", err)
	}
	if documents != 0 {
		t.Fatalf("expected document write to roll back, got %d rows", documents)
	}
}

func TestDeleteTombstonesAndEnqueues(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if _, err := service.Save(ctx, "clientes", "client-1", `{"name":"Bar do Zé"}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	operation, err := service.Delete(ctx, "clientes", "client-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if operation.Op != outbox.OperationDelete {
		t.Fatalf("expected delete enqueue, got %q", operation.Op)
	}
	if operation.PayloadJSON != "" {
		t.Fatalf("expected empty delete payload, got %q", operation.PayloadJSON)
	}

	if _, err := service.Get(ctx, "clientes", "client-1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected tombstoned document to be hidden, got %v", err)
	}

	var document Document
	if err := db.Where("entity_type = ? AND entity_id = ?", "clientes", "client-1").Take(&document).Error; err != nil {
		t.Fatalf("failed to load raw document: %v", err)
	}
	if !document.Deleted {
		t.Fatalf("expected tombstone, got live row")
	}
}

func TestDeleteAbsentDocumentStillEnqueues(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	operation, err := service.Delete(ctx, "clientes", "never-written")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if operation.Op != outbox.OperationDelete {
		t.Fatalf("expected delete enqueue, got %q", operation.Op)
	}

	var operations int64
	if err := db.Model(&outbox.Operation{}).Count(&operations).Error; err != nil {
		t.Fatalf("failed to count outbox rows: %v", err)
	}
	if operations != 1 {
		t.Fatalf("expected the delete to be enqueued, got %d rows", operations)
	}
}

func TestListExcludesTombstones(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Save(ctx, "clientes", "a", `{"n":1}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Save(ctx, "clientes", "b", `{"n":2}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Save(ctx, "mesas", "m1", `{"n":3}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Delete(ctx, "clientes", "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	documents, err := service.List(ctx, "clientes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(documents) != 1 || documents[0].EntityID != "b" {
		t.Fatalf("expected only the live cliente, got %#v", documents)
	}
}

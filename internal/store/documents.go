package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feltworks/routesync/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidPayload indicates the payload is not a JSON object.
	ErrInvalidPayload = errors.New("store: payload must be a json object")
	// ErrDocumentNotFound indicates no document exists for the key.
	ErrDocumentNotFound = errors.New("store: document not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingOutbox   = errors.New("outbox service is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "store.service.new"
	opSave       = "store.save"
	opDelete     = "store.delete"
	opGet        = "store.get"
	opList       = "store.list"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Document is a locally persisted business entity snapshot. The engine treats
// the payload as opaque; entity schemas live with the callers.
type Document struct {
	EntityType  string `gorm:"column:entity_type;primaryKey;size:190;not null"`
	EntityID    string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtS  int64  `gorm:"column:updated_at_s;not null;index"`
	Deleted     bool   `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "entity_documents"
}

// ServiceConfig describes the dependencies of the document service.
type ServiceConfig struct {
	Database *gorm.DB
	Outbox   *outbox.Service
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service applies local mutations. Every mutation and its outbox entry commit
// in one transaction: if the mutation is not durable, nothing was enqueued,
// and vice versa.
type Service struct {
	db     *gorm.DB
	outbox *outbox.Service
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the document service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Outbox == nil {
		return nil, newServiceError(opServiceNew, "missing_outbox", errMissingOutbox)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, outbox: cfg.Outbox, clock: clock, logger: logger}, nil
}

// Save writes the document and enqueues a create-or-update for it atomically.
func (s *Service) Save(ctx context.Context, entityType, entityID, payloadJSON string) (outbox.Operation, error) {
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)
	if !json.Valid([]byte(payloadJSON)) || !strings.HasPrefix(strings.TrimSpace(payloadJSON), "{") {
		return outbox.Operation{}, newServiceError(opSave, "invalid_payload", ErrInvalidPayload)
	}

	var enqueued outbox.Operation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document := Document{
			EntityType:  entityType,
			EntityID:    entityID,
			PayloadJSON: payloadJSON,
			UpdatedAtS:  s.clock().UTC().Unix(),
			Deleted:     false,
		}
		if err := tx.Save(&document).Error; err != nil {
			return newServiceError(opSave, "document_save_failed", err)
		}

		operation, err := s.outbox.EnqueueTx(tx, outbox.Intent{
			Op:          outbox.OperationCreateOrUpdate,
			EntityType:  entityType,
			EntityID:    entityID,
			PayloadJSON: payloadJSON,
		})
		if err != nil {
			return err
		}
		enqueued = operation
		return nil
	})
	if txErr != nil {
		s.logError(opSave, txErr, entityType, entityID)
		return outbox.Operation{}, txErr
	}
	return enqueued, nil
}

// Delete tombstones the document and enqueues the delete atomically. Deleting
// an absent document still enqueues, since the remote copy may exist.
func (s *Service) Delete(ctx context.Context, entityType, entityID string) (outbox.Operation, error) {
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)

	var enqueued outbox.Operation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Document{}).
			Where("entity_type = ? AND entity_id = ?", entityType, entityID).
			Updates(map[string]interface{}{
				"deleted":      true,
				"updated_at_s": s.clock().UTC().Unix(),
			}).Error; err != nil {
			return newServiceError(opDelete, "document_update_failed", err)
		}

		operation, err := s.outbox.EnqueueTx(tx, outbox.Intent{
			Op:         outbox.OperationDelete,
			EntityType: entityType,
			EntityID:   entityID,
		})
		if err != nil {
			return err
		}
		enqueued = operation
		return nil
	})
	if txErr != nil {
		s.logError(opDelete, txErr, entityType, entityID)
		return outbox.Operation{}, txErr
	}
	return enqueued, nil
}

// Get returns the live document for the key.
func (s *Service) Get(ctx context.Context, entityType, entityID string) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND deleted = ?",
			strings.TrimSpace(entityType), strings.TrimSpace(entityID), false).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, newServiceError(opGet, "query_failed", err)
	}
	return document, nil
}

// List returns all live documents of a type, most recently updated first.
func (s *Service) List(ctx context.Context, entityType string) ([]Document, error) {
	var documents []Document
	if err := s.db.WithContext(ctx).
		Where("entity_type = ? AND deleted = ?", strings.TrimSpace(entityType), false).
		Order("updated_at_s DESC").
		Find(&documents).Error; err != nil {
		return nil, newServiceError(opList, "query_failed", err)
	}
	return documents, nil
}

func (s *Service) logError(operation string, err error, entityType, entityID string) {
	s.logger.Error("document service error",
		zap.String("operation", operation),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.Error(err))
}

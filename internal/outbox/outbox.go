package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingKeyProvider = errors.New("key provider is required")
	errMissingTransaction = errors.New("transaction handle is required")
	noOpLogger            = zap.NewNop()
)

// ErrOperationNotFound indicates a status change referenced an unknown entry.
var ErrOperationNotFound = errors.New("outbox: operation not found")

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
	opServiceNew    = "outbox.service.new"
	opEnqueue       = "outbox.enqueue"
	opPeekPending   = "outbox.peek_pending"
	opMarkCompleted = "outbox.mark_completed"
	opMarkFailed    = "outbox.mark_failed"
	opListFailed    = "outbox.list_failed"
	opPurgeSettled  = "outbox.purge_settled"
	opCountPending  = "outbox.count_pending"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// KeyProvider issues idempotency keys for new outbox entries.
type KeyProvider interface {
	NewKey() (string, error)
}

// ServiceConfig describes the dependencies of the outbox service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	KeyProvider KeyProvider
	Logger      *zap.Logger
}

// Service is the single writer for the durable outbox table.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	keyProvider KeyProvider
	logger      *zap.Logger
}

// NewService constructs the outbox service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.KeyProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_key_provider", errMissingKeyProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		keyProvider: cfg.KeyProvider,
		logger:      logger,
	}, nil
}

// EnqueueTx appends a PENDING entry inside the caller's transaction so the
// enqueue commits or rolls back together with the local mutation it mirrors.
// A validation failure here is a caller bug, not a recoverable condition.
func (s *Service) EnqueueTx(tx *gorm.DB, intent Intent) (Operation, error) {
	if tx == nil {
		return Operation{}, newServiceError(opEnqueue, "missing_transaction", errMissingTransaction)
	}
	if err := intent.validate(); err != nil {
		return Operation{}, newServiceError(opEnqueue, "invalid_intent", err)
	}

	key, err := s.keyProvider.NewKey()
	if err != nil {
		return Operation{}, newServiceError(opEnqueue, "key_generation_failed", err)
	}

	payload := intent.PayloadJSON
	if intent.Op == OperationDelete {
		payload = ""
	}

	entry := Operation{
		OperationKey: key,
		Op:           intent.Op,
		EntityType:   intent.EntityType,
		EntityID:     intent.EntityID,
		PayloadJSON:  payload,
		EnqueuedAtS:  s.clock().UTC().Unix(),
		Status:       StatusPending,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return Operation{}, newServiceError(opEnqueue, "insert_failed", err)
	}
	return entry, nil
}

// PeekPending returns up to limit due PENDING entries in enqueue order.
// Entries for an entity whose oldest pending sibling is still waiting on
// backoff are held back entirely, so delivery order per entity id survives
// retries (an UPDATE must never overtake the DELETE enqueued before it).
func (s *Service) PeekPending(ctx context.Context, limit int, now time.Time) ([]Operation, error) {
	if limit <= 0 {
		return nil, nil
	}

	var selected []Operation
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Where(`NOT EXISTS (
			SELECT 1 FROM sync_operations AS waiting
			WHERE waiting.status = ?
			  AND waiting.entity_type = sync_operations.entity_type
			  AND waiting.entity_id = sync_operations.entity_id
			  AND waiting.next_attempt_at_s > ?)`, StatusPending, now.UTC().Unix()).
		Order("id ASC").
		Limit(limit).
		Find(&selected).Error; err != nil {
		return nil, newServiceError(opPeekPending, "query_failed", err)
	}
	return selected, nil
}

// MarkCompleted records remote acknowledgement for the entry.
func (s *Service) MarkCompleted(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"last_error":   "",
			"settled_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return newServiceError(opMarkCompleted, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkCompleted, "not_found", ErrOperationNotFound)
	}
	return nil
}

// MarkFailed records a transient delivery failure: the entry stays PENDING
// with an incremented retry count and a scheduled next attempt.
func (s *Service) MarkFailed(ctx context.Context, id int64, retryCount int, nextAttempt time.Time, cause string) error {
	result := s.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"retry_count":       retryCount,
			"next_attempt_at_s": nextAttempt.UTC().Unix(),
			"last_error":        cause,
		})
	if result.Error != nil {
		return newServiceError(opMarkFailed, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkFailed, "not_found", ErrOperationNotFound)
	}
	return nil
}

// MarkPermanentlyFailed records a structural rejection. The entry leaves the
// retry path for good and is only visible through ListFailed until the sweep.
func (s *Service) MarkPermanentlyFailed(ctx context.Context, id int64, cause string) error {
	result := s.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":       StatusFailed,
			"last_error":   cause,
			"settled_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return newServiceError(opMarkFailed, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkFailed, "not_found", ErrOperationNotFound)
	}
	return nil
}

// ListFailed returns permanently failed entries for operator inspection.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	var failed []Operation
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusFailed).
		Order("id ASC").
		Limit(limit).
		Find(&failed).Error; err != nil {
		return nil, newServiceError(opListFailed, "query_failed", err)
	}
	return failed, nil
}

// PurgeSettled deletes COMPLETED and FAILED entries settled before the cutoff.
func (s *Service) PurgeSettled(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND settled_at_s > 0 AND settled_at_s < ?",
			[]Status{StatusCompleted, StatusFailed}, cutoff.UTC().Unix()).
		Delete(&Operation{})
	if result.Error != nil {
		return 0, newServiceError(opPurgeSettled, "delete_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("outbox retention sweep",
			zap.Int64("removed", result.RowsAffected),
			zap.Time("cutoff", cutoff))
	}
	return result.RowsAffected, nil
}

// CountPending reports the number of entries awaiting delivery.
func (s *Service) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Operation{}).
		Where("status = ?", StatusPending).
		Count(&count).Error; err != nil {
		return 0, newServiceError(opCountPending, "query_failed", err)
	}
	return count, nil
}

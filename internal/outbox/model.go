package outbox

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the remote mutations an outbox entry can carry.
type OperationType string

const (
	// OperationCreateOrUpdate upserts the entity document on the remote store.
	OperationCreateOrUpdate OperationType = "create_or_update"
	// OperationDelete removes the entity document from the remote store.
	OperationDelete OperationType = "delete"
)

// Status enumerates the lifecycle states of an outbox entry.
type Status string

const (
	// StatusPending marks an entry awaiting delivery (including retry waits).
	StatusPending Status = "PENDING"
	// StatusCompleted marks an entry acknowledged by the remote store.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks an entry the remote store rejected as structurally invalid.
	StatusFailed Status = "FAILED"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityType indicates an empty or oversized entity type.
	ErrInvalidEntityType = errors.New("outbox: invalid entity type")
	// ErrInvalidEntityID indicates an empty or oversized entity identifier.
	ErrInvalidEntityID = errors.New("outbox: invalid entity id")
	// ErrInvalidOperation indicates an operation type outside the enum.
	ErrInvalidOperation = errors.New("outbox: invalid operation type")
)

// Operation is one durable intent to mutate the remote store.
type Operation struct {
	ID             int64         `gorm:"column:id;primaryKey;autoIncrement"`
	OperationKey   string        `gorm:"column:operation_key;size:190;not null;uniqueIndex"`
	Op             OperationType `gorm:"column:op;size:32;not null"`
	EntityType     string        `gorm:"column:entity_type;size:190;not null;index:idx_outbox_entity,priority:1"`
	EntityID       string        `gorm:"column:entity_id;size:190;not null;index:idx_outbox_entity,priority:2"`
	PayloadJSON    string        `gorm:"column:payload_json;type:text;not null;default:''"`
	EnqueuedAtS    int64         `gorm:"column:enqueued_at_s;not null;index"`
	RetryCount     int           `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAtS int64         `gorm:"column:next_attempt_at_s;not null;default:0"`
	Status         Status        `gorm:"column:status;size:16;not null;default:'PENDING';index"`
	LastError      string        `gorm:"column:last_error;type:text;not null;default:''"`
	SettledAtS     int64         `gorm:"column:settled_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "sync_operations"
}

// Intent captures the caller-supplied fields of a new outbox entry.
type Intent struct {
	Op          OperationType
	EntityType  string
	EntityID    string
	PayloadJSON string
}

func (i Intent) validate() error {
	switch i.Op {
	case OperationCreateOrUpdate, OperationDelete:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperation, i.Op)
	}
	entityType := strings.TrimSpace(i.EntityType)
	if entityType == "" || len(entityType) > maxIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidEntityType, i.EntityType)
	}
	entityID := strings.TrimSpace(i.EntityID)
	if entityID == "" || len(entityID) > maxIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, i.EntityID)
	}
	return nil
}

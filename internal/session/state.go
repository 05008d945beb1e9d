package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/feltworks/routesync/internal/credentials"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mode records how the most recent authentication was validated.
type Mode string

const (
	// ModeOnline means the last authentication round-trip succeeded remotely.
	ModeOnline Mode = "ONLINE"
	// ModeOffline means the session was validated only against local material.
	ModeOffline Mode = "OFFLINE"
)

// Session is the single current authentication context.
type Session struct {
	IdentityID  string
	DisplayName string
	AccessLevel credentials.AccessLevel
	Mode        Mode
	StartedAt   time.Time
}

// Snapshot is the observable value: the session, if any, plus validity.
type Snapshot struct {
	Active  bool
	Session Session
}

type persistedSession struct {
	ID          int64     `gorm:"column:id;primaryKey"`
	IdentityID  string    `gorm:"column:identity_id;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;default:''"`
	AccessLevel string    `gorm:"column:access_level;size:32;not null;default:'user'"`
	Mode        string    `gorm:"column:mode;size:16;not null"`
	StartedAtS  int64     `gorm:"column:started_at_s;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (persistedSession) TableName() string {
	return "session_state"
}

// PersistenceModel exposes the session row for schema migration.
func PersistenceModel() any {
	return &persistedSession{}
}

// The table holds at most one row.
const persistedSessionRowID = 1

var (
	errMissingDatabase = errors.New("session: database handle is required")
	noOpLogger         = zap.NewNop()
)

// StateConfig describes the dependencies of the session state service.
type StateConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// State is the process-wide session holder: one writer (the authentication
// coordinator), many readers, subscribers notified on every transition.
type State struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu          sync.RWMutex
	current     Snapshot
	subscribers map[int64]chan Snapshot
	nextID      int64
}

// NewState constructs the session state and restores any persisted session.
// A restored session always comes back OFFLINE until revalidated.
func NewState(cfg StateConfig) (*State, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	state := &State{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		subscribers: make(map[int64]chan Snapshot),
	}
	state.restore()
	return state, nil
}

func (s *State) restore() {
	var row persistedSession
	err := s.db.Where("id = ?", persistedSessionRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("session restore failed", zap.Error(err))
		return
	}
	s.current = Snapshot{
		Active: true,
		Session: Session{
			IdentityID:  row.IdentityID,
			DisplayName: row.DisplayName,
			AccessLevel: credentials.AccessLevel(row.AccessLevel),
			Mode:        ModeOffline,
			StartedAt:   time.Unix(row.StartedAtS, 0).UTC(),
		},
	}
	s.logger.Info("session restored",
		zap.String("identity_id", row.IdentityID),
		zap.String("mode", string(ModeOffline)))
}

// Current returns the present snapshot.
func (s *State) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Start installs a new session and notifies subscribers.
func (s *State) Start(ctx context.Context, session Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = s.clock().UTC()
	}
	row := persistedSession{
		ID:          persistedSessionRowID,
		IdentityID:  session.IdentityID,
		DisplayName: session.DisplayName,
		AccessLevel: string(session.AccessLevel),
		Mode:        string(session.Mode),
		StartedAtS:  session.StartedAt.Unix(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return err
	}

	s.mu.Lock()
	s.current = Snapshot{Active: true, Session: session}
	s.mu.Unlock()
	s.publish()
	return nil
}

// SetMode flips the online/offline flag of the active session in place.
// The row is updated before the snapshot so a failed write leaves both
// views on the previous mode with subscribers untouched.
func (s *State) SetMode(ctx context.Context, mode Mode) error {
	s.mu.RLock()
	skip := !s.current.Active || s.current.Session.Mode == mode
	s.mu.RUnlock()
	if skip {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&persistedSession{}).
		Where("id = ?", persistedSessionRowID).
		Update("mode", string(mode)).Error; err != nil {
		return err
	}

	s.mu.Lock()
	s.current.Session.Mode = mode
	s.mu.Unlock()
	s.publish()
	return nil
}

// Clear destroys the session unconditionally and notifies subscribers.
func (s *State) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).
		Where("id = ?", persistedSessionRowID).
		Delete(&persistedSession{}).Error; err != nil {
		return err
	}
	s.mu.Lock()
	s.current = Snapshot{}
	s.mu.Unlock()
	s.publish()
	return nil
}

// Subscribe registers for snapshot notifications until ctx is cancelled.
// Slow subscribers drop intermediate snapshots instead of blocking the writer.
func (s *State) Subscribe(ctx context.Context) (<-chan Snapshot, func()) {
	stream := make(chan Snapshot, 4)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = stream
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

func (s *State) publish() {
	s.mu.RLock()
	snapshot := s.current
	streams := make([]chan Snapshot, 0, len(s.subscribers))
	for _, stream := range s.subscribers {
		streams = append(streams, stream)
	}
	s.mu.RUnlock()
	for _, stream := range streams {
		select {
		case stream <- snapshot:
		default:
		}
	}
}

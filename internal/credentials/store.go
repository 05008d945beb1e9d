package credentials

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrProfileNotFound indicates no credential material exists for the identity.
	ErrProfileNotFound = errors.New("credentials: profile not found")
	// ErrEmptySecret indicates an empty secret where one is required.
	ErrEmptySecret = errors.New("credentials: secret must not be empty")

	errMissingDatabase = errors.New("database handle is required")
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
	opStoreNew       = "credentials.store.new"
	opFind           = "credentials.find"
	opUpsert         = "credentials.upsert"
	opCompleteReset  = "credentials.complete_reset"
	opClearResetFlag = "credentials.clear_reset_pending"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the credential store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the single writer for locally cached credential material.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs the credential store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// HashSecret hashes a plaintext secret for offline validation storage.
func HashSecret(secret string) (string, error) {
	trimmed := normalize(secret)
	if trimmed == "" {
		return "", ErrEmptySecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// FindByIdentity returns the profile for the identity id.
func (s *Store) FindByIdentity(ctx context.Context, identityID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("identity_id = ?", normalize(identityID)).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, newServiceError(opFind, "query_failed", err)
	}
	return profile, nil
}

// FindByEmail returns the profile for the login email.
func (s *Store) FindByEmail(ctx context.Context, email string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("email = ?", normalize(email)).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, newServiceError(opFind, "query_failed", err)
	}
	return profile, nil
}

// Upsert writes the profile, replacing an existing row for the identity.
func (s *Store) Upsert(ctx context.Context, profile Profile) error {
	return s.UpsertTx(s.db.WithContext(ctx), profile)
}

// UpsertTx writes the profile inside the caller's transaction, so profile
// provisioning can commit together with its outbox entry.
func (s *Store) UpsertTx(tx *gorm.DB, profile Profile) error {
	profile.IdentityID = normalize(profile.IdentityID)
	profile.Email = normalize(profile.Email)
	if profile.IdentityID == "" || profile.Email == "" {
		return newServiceError(opUpsert, "invalid_profile", ErrProfileNotFound)
	}
	if err := tx.Save(&profile).Error; err != nil {
		return newServiceError(opUpsert, "save_failed", err)
	}
	return nil
}

// ValidateOffline checks the supplied secret against locally cached material.
// Both sides are trimmed before comparison so whitespace differences never
// cause spurious mismatches. The permanent hash wins over the temporary
// password when both would match.
func (s *Store) ValidateOffline(ctx context.Context, identityID, suppliedSecret string) (MatchResult, error) {
	profile, err := s.FindByIdentity(ctx, identityID)
	if err != nil {
		return NoMatch, err
	}
	return profile.Validate(suppliedSecret), nil
}

// Validate checks the supplied secret against the profile without I/O.
func (p Profile) Validate(suppliedSecret string) MatchResult {
	secret := normalize(suppliedSecret)
	if secret == "" {
		return NoMatch
	}
	if p.HasPermanentSecret() {
		if bcrypt.CompareHashAndPassword([]byte(normalize(p.PasswordHash)), []byte(secret)) == nil {
			return MatchPermanent
		}
	}
	if temporary := normalize(p.TemporaryPassword); temporary != "" && temporary == secret {
		return MatchTemporary
	}
	return NoMatch
}

// CompleteReset installs the permanent hash, clears the temporary password
// and the pending flag. Idempotent: a second call with the same hash is a
// no-op so a crash between the remote and local writes stays harmless.
func (s *Store) CompleteReset(ctx context.Context, identityID, newSecretHash string) (Profile, error) {
	identityID = normalize(identityID)
	newSecretHash = normalize(newSecretHash)
	if newSecretHash == "" {
		return Profile{}, newServiceError(opCompleteReset, "empty_hash", ErrEmptySecret)
	}

	profile, err := s.FindByIdentity(ctx, identityID)
	if err != nil {
		return Profile{}, err
	}

	if profile.PasswordHash == newSecretHash && !profile.MandatoryResetPending && profile.TemporaryPassword == "" {
		return profile, nil
	}

	profile.PasswordHash = newSecretHash
	profile.TemporaryPassword = ""
	profile.MandatoryResetPending = false
	if err := s.db.WithContext(ctx).Model(&Profile{}).
		Where("identity_id = ?", identityID).
		Updates(map[string]interface{}{
			"password_hash":           profile.PasswordHash,
			"temporary_password":      "",
			"mandatory_reset_pending": false,
		}).Error; err != nil {
		return Profile{}, newServiceError(opCompleteReset, "update_failed", err)
	}

	s.logger.Info("mandatory reset completed", zap.String("identity_id", identityID))
	return profile, nil
}

// ClearResetPending corrects a stale pending flag left behind by a partial
// earlier reset. The temporary password is dropped with it so the stale
// credential cannot validate again.
func (s *Store) ClearResetPending(ctx context.Context, identityID string) (Profile, error) {
	return s.ClearResetPendingTx(s.db.WithContext(ctx), identityID)
}

// ClearResetPendingTx performs the correction inside the caller's
// transaction, so the repair can commit together with its re-propagation
// outbox entry.
func (s *Store) ClearResetPendingTx(tx *gorm.DB, identityID string) (Profile, error) {
	identityID = normalize(identityID)
	var profile Profile
	err := tx.Where("identity_id = ?", identityID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, newServiceError(opClearResetFlag, "query_failed", err)
	}
	if !profile.MandatoryResetPending && profile.TemporaryPassword == "" {
		return profile, nil
	}

	profile.MandatoryResetPending = false
	profile.TemporaryPassword = ""
	if err := tx.Model(&Profile{}).
		Where("identity_id = ?", identityID).
		Updates(map[string]interface{}{
			"mandatory_reset_pending": false,
			"temporary_password":      "",
		}).Error; err != nil {
		return Profile{}, newServiceError(opClearResetFlag, "update_failed", err)
	}

	s.logger.Warn("corrected stale mandatory reset flag", zap.String("identity_id", identityID))
	return profile, nil
}

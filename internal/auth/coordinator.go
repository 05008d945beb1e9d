package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feltworks/routesync/internal/connectivity"
	"github.com/feltworks/routesync/internal/credentials"
	"github.com/feltworks/routesync/internal/outbox"
	"github.com/feltworks/routesync/internal/remote"
	"github.com/feltworks/routesync/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProfileEntityType is the outbox entity type under which credential profiles
// propagate to the remote document store.
const ProfileEntityType = "profiles"

const minSecretLength = 6

// LoginState is the terminal state of one login attempt.
type LoginState string

const (
	// StateAuthenticatedOnline: the remote identity service accepted the secret.
	StateAuthenticatedOnline LoginState = "AUTHENTICATED_ONLINE"
	// StateAuthenticatedOffline: validated only against local credential material.
	StateAuthenticatedOffline LoginState = "AUTHENTICATED_OFFLINE"
	// StateFirstAccessRequired: the identity must replace its temporary secret
	// before normal use.
	StateFirstAccessRequired LoginState = "FIRST_ACCESS_REQUIRED"
	// StateUnauthenticated: the attempt failed; the session is unchanged.
	StateUnauthenticated LoginState = "UNAUTHENTICATED"
)

var (
	// ErrIncorrectCredentials is the credential-class terminal login failure.
	ErrIncorrectCredentials = errors.New("auth: incorrect identity or secret")
	// ErrPendingApproval means the identity exists but has not been approved.
	ErrPendingApproval = errors.New("auth: identity awaiting approval")
	// ErrSecretTooShort is the minimum-length policy failure.
	ErrSecretTooShort = fmt.Errorf("auth: secret must have at least %d characters", minSecretLength)
	// ErrConfirmationMismatch means secret and confirmation differ.
	ErrConfirmationMismatch = errors.New("auth: secret confirmation does not match")
	// ErrMissingInput means identity or secret was blank.
	ErrMissingInput = errors.New("auth: identity and secret are required")
	// ErrIdentityTaken means registration hit an existing local profile.
	ErrIdentityTaken = errors.New("auth: identity already registered")
	// ErrResetNotPending means the identity has no mandatory reset to complete.
	ErrResetNotPending = errors.New("auth: no mandatory reset pending")

	errMissingDatabase     = errors.New("database handle is required")
	errMissingCredentials  = errors.New("credential store is required")
	errMissingSessions     = errors.New("session state is required")
	errMissingIdentity     = errors.New("identity service is required")
	errMissingOutbox       = errors.New("outbox service is required")
	errMissingConnectivity = errors.New("connectivity monitor is required")
	noOpLogger             = zap.NewNop()
)

// LoginResult reports where the state machine landed.
type LoginResult struct {
	State   LoginState
	Profile credentials.Profile
}

// Kicker nudges the sync processor after an enqueue.
type Kicker interface {
	Kick()
}

// CoordinatorConfig describes the collaborators of the coordinator.
type CoordinatorConfig struct {
	Database       *gorm.DB
	Credentials    *credentials.Store
	Sessions       *session.State
	Identity       remote.IdentityService
	Outbox         *outbox.Service
	Connectivity   *connectivity.Monitor
	Syncer         Kicker
	RootIdentities []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Coordinator orchestrates login attempts across the remote identity service,
// the local credential store and the session state. It is the only writer of
// the session.
type Coordinator struct {
	db           *gorm.DB
	credentials  *credentials.Store
	sessions     *session.State
	identity     remote.IdentityService
	outbox       *outbox.Service
	connectivity *connectivity.Monitor
	syncer       Kicker
	roots        map[string]struct{}
	clock        func() time.Time
	logger       *zap.Logger
}

// NewCoordinator constructs the coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	roots := make(map[string]struct{}, len(cfg.RootIdentities))
	for _, root := range cfg.RootIdentities {
		normalized := strings.ToLower(strings.TrimSpace(root))
		if normalized != "" {
			roots[normalized] = struct{}{}
		}
	}
	return &Coordinator{
		db:           cfg.Database,
		credentials:  cfg.Credentials,
		sessions:     cfg.Sessions,
		identity:     cfg.Identity,
		outbox:       cfg.Outbox,
		connectivity: cfg.Connectivity,
		syncer:       cfg.Syncer,
		roots:        roots,
		clock:        clock,
		logger:       logger,
	}, nil
}

func (c *Coordinator) isRoot(email string) bool {
	_, ok := c.roots[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Login runs the state machine for one attempt. Connectivity failures are
// never terminal on their own: they route into offline validation, and only
// a genuine credential mismatch surfaces as an error. A failed attempt leaves
// the session exactly as it was.
func (c *Coordinator) Login(ctx context.Context, email, secret string) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(secret) == "" {
		return LoginResult{State: StateUnauthenticated}, ErrMissingInput
	}

	if c.connectivity.Online() {
		result, authErr := c.identity.Authenticate(ctx, email, secret)
		switch {
		case authErr == nil:
			return c.finishOnlineLogin(ctx, email, result)
		case remote.IsCredential(authErr):
			// The local store may hold a reset the remote never received.
			c.logger.Debug("remote login rejected, falling back to offline validation",
				zap.String("identity", email))
		case ctx.Err() != nil:
			return LoginResult{State: StateUnauthenticated}, ctx.Err()
		default:
			c.logger.Warn("remote login unreachable, falling back to offline validation",
				zap.String("identity", email), zap.Error(authErr))
		}
	}

	return c.offlineLogin(ctx, email, secret, true)
}

func (c *Coordinator) finishOnlineLogin(ctx context.Context, email string, auth remote.AuthResult) (LoginResult, error) {
	profile, err := c.ensureLocalProfile(ctx, email, auth)
	if err != nil {
		return LoginResult{State: StateUnauthenticated}, err
	}

	if !profile.Approved && !c.isRoot(email) {
		return LoginResult{State: StateUnauthenticated}, ErrPendingApproval
	}

	if profile.MandatoryResetPending && !c.isRoot(email) {
		return LoginResult{State: StateFirstAccessRequired, Profile: profile}, nil
	}

	if err := c.sessions.Start(ctx, session.Session{
		IdentityID:  profile.IdentityID,
		DisplayName: profile.DisplayName,
		AccessLevel: profile.AccessLevel,
		Mode:        session.ModeOnline,
	}); err != nil {
		return LoginResult{State: StateUnauthenticated}, err
	}
	c.logger.Info("login succeeded",
		zap.String("identity_id", profile.IdentityID),
		zap.String("mode", string(session.ModeOnline)))
	return LoginResult{State: StateAuthenticatedOnline, Profile: profile}, nil
}

// ensureLocalProfile looks up or provisions the local profile after a
// successful remote authentication, warming a cold cache from remote data.
func (c *Coordinator) ensureLocalProfile(ctx context.Context, email string, auth remote.AuthResult) (credentials.Profile, error) {
	profile, err := c.credentials.FindByEmail(ctx, email)
	if err == nil {
		if profile.RemoteSubject != auth.Subject {
			profile.RemoteSubject = auth.Subject
			if upsertErr := c.credentials.Upsert(ctx, profile); upsertErr != nil {
				return credentials.Profile{}, upsertErr
			}
		}
		return profile, nil
	}
	if !errors.Is(err, credentials.ErrProfileNotFound) {
		return credentials.Profile{}, err
	}

	record, lookupErr := c.identity.LookupIdentity(ctx, email)
	if lookupErr != nil {
		if !remote.IsCredential(lookupErr) {
			return credentials.Profile{}, lookupErr
		}
		// Authenticated but unknown to the directory: provision a pending
		// local profile and let the approval collaborator decide.
		record = remote.IdentityRecord{
			Subject:               auth.Subject,
			Email:                 email,
			DisplayName:           email,
			AccessLevel:           string(credentials.AccessLevelUser),
			Approved:              false,
			MandatoryResetPending: true,
		}
	}
	profile = profileFromRecord(record, email)
	if profile.IdentityID == "" {
		profile.IdentityID = uuid.NewString()
	}
	if err := c.credentials.Upsert(ctx, profile); err != nil {
		return credentials.Profile{}, err
	}
	c.logger.Info("local profile provisioned from remote",
		zap.String("identity_id", profile.IdentityID))
	return profile, nil
}

func profileFromRecord(record remote.IdentityRecord, email string) credentials.Profile {
	displayName := strings.TrimSpace(record.DisplayName)
	if displayName == "" {
		displayName = email
	}
	accessLevel := credentials.AccessLevel(strings.TrimSpace(record.AccessLevel))
	if accessLevel == "" {
		accessLevel = credentials.AccessLevelUser
	}
	return credentials.Profile{
		IdentityID:            strings.TrimSpace(record.Subject),
		Email:                 email,
		DisplayName:           displayName,
		AccessLevel:           accessLevel,
		Approved:              record.Approved,
		PasswordHash:          strings.TrimSpace(record.PasswordHash),
		TemporaryPassword:     strings.TrimSpace(record.TemporaryPassword),
		MandatoryResetPending: record.MandatoryResetPending,
		RemoteSubject:         strings.TrimSpace(record.Subject),
	}
}

func (c *Coordinator) offlineLogin(ctx context.Context, email, secret string, allowRemoteLookup bool) (LoginResult, error) {
	profile, err := c.credentials.FindByEmail(ctx, email)
	if errors.Is(err, credentials.ErrProfileNotFound) {
		// The local cache may simply be cold: try a remote lookup once
		// before giving up, but only while connectivity is available.
		if allowRemoteLookup && c.connectivity.Online() {
			record, lookupErr := c.identity.LookupIdentity(ctx, email)
			if lookupErr == nil {
				warmed := profileFromRecord(record, email)
				if warmed.IdentityID != "" {
					if upsertErr := c.credentials.Upsert(ctx, warmed); upsertErr != nil {
						return LoginResult{State: StateUnauthenticated}, upsertErr
					}
					return c.offlineLogin(ctx, email, secret, false)
				}
			}
		}
		return LoginResult{State: StateUnauthenticated}, ErrIncorrectCredentials
	}
	if err != nil {
		return LoginResult{State: StateUnauthenticated}, err
	}

	switch profile.Validate(secret) {
	case credentials.MatchPermanent:
		if profile.MandatoryResetPending {
			corrected, healErr := c.selfHealResetFlag(ctx, profile.IdentityID)
			if healErr != nil {
				return LoginResult{State: StateUnauthenticated}, healErr
			}
			profile = corrected
		}
		if !profile.Approved && !c.isRoot(email) {
			return LoginResult{State: StateUnauthenticated}, ErrPendingApproval
		}
		if err := c.sessions.Start(ctx, session.Session{
			IdentityID:  profile.IdentityID,
			DisplayName: profile.DisplayName,
			AccessLevel: profile.AccessLevel,
			Mode:        session.ModeOffline,
		}); err != nil {
			return LoginResult{State: StateUnauthenticated}, err
		}
		c.logger.Info("login succeeded",
			zap.String("identity_id", profile.IdentityID),
			zap.String("mode", string(session.ModeOffline)))
		return LoginResult{State: StateAuthenticatedOffline, Profile: profile}, nil

	case credentials.MatchTemporary:
		if c.isRoot(email) {
			if err := c.sessions.Start(ctx, session.Session{
				IdentityID:  profile.IdentityID,
				DisplayName: profile.DisplayName,
				AccessLevel: profile.AccessLevel,
				Mode:        session.ModeOffline,
			}); err != nil {
				return LoginResult{State: StateUnauthenticated}, err
			}
			return LoginResult{State: StateAuthenticatedOffline, Profile: profile}, nil
		}
		return LoginResult{State: StateFirstAccessRequired, Profile: profile}, nil

	default:
		return LoginResult{State: StateUnauthenticated}, ErrIncorrectCredentials
	}
}

// selfHealResetFlag repairs a profile whose permanent secret validates while
// the mandatory-reset flag is still set: drift left behind by a prior reset
// whose remote propagation never applied. The correction and its outbox
// re-propagation commit together, so the repair reaches the remote store with
// the same guarantees as any other local mutation.
func (c *Coordinator) selfHealResetFlag(ctx context.Context, identityID string) (credentials.Profile, error) {
	var corrected credentials.Profile
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := c.credentials.ClearResetPendingTx(tx, identityID)
		if err != nil {
			return err
		}
		corrected = profile
		payload, err := profileSyncPayload(profile)
		if err != nil {
			return err
		}
		_, err = c.outbox.EnqueueTx(tx, outbox.Intent{
			Op:          outbox.OperationCreateOrUpdate,
			EntityType:  ProfileEntityType,
			EntityID:    profile.IdentityID,
			PayloadJSON: payload,
		})
		return err
	})
	if txErr != nil {
		return credentials.Profile{}, txErr
	}
	c.kickSyncer()
	return corrected, nil
}

// Logout clears the session unconditionally.
func (c *Coordinator) Logout(ctx context.Context) error {
	return c.sessions.Clear(ctx)
}

// CompleteFirstAccess replaces the temporary secret with a permanent one,
// propagates the reset best-effort to the remote identity service, and
// starts a session whose mode matches current connectivity. It only
// proceeds for an approved profile that is actually mid-reset and whose
// temporary secret the caller proves knowledge of.
func (c *Coordinator) CompleteFirstAccess(ctx context.Context, identityID, currentSecret, newSecret, confirmation string) (LoginResult, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" || strings.TrimSpace(currentSecret) == "" {
		return LoginResult{State: StateUnauthenticated}, ErrMissingInput
	}
	trimmed := strings.TrimSpace(newSecret)
	if len(trimmed) < minSecretLength {
		return LoginResult{State: StateUnauthenticated}, ErrSecretTooShort
	}
	if trimmed != strings.TrimSpace(confirmation) {
		return LoginResult{State: StateUnauthenticated}, ErrConfirmationMismatch
	}

	profile, err := c.credentials.FindByIdentity(ctx, identityID)
	if errors.Is(err, credentials.ErrProfileNotFound) {
		return LoginResult{State: StateUnauthenticated}, ErrIncorrectCredentials
	}
	if err != nil {
		return LoginResult{State: StateUnauthenticated}, err
	}
	if !profile.MandatoryResetPending {
		return LoginResult{State: StateUnauthenticated}, ErrResetNotPending
	}
	if profile.Validate(currentSecret) != credentials.MatchTemporary {
		return LoginResult{State: StateUnauthenticated}, ErrIncorrectCredentials
	}
	if !profile.Approved && !c.isRoot(profile.Email) {
		return LoginResult{State: StateUnauthenticated}, ErrPendingApproval
	}

	hash, err := credentials.HashSecret(trimmed)
	if err != nil {
		return LoginResult{State: StateUnauthenticated}, err
	}
	profile, err = c.credentials.CompleteReset(ctx, identityID, hash)
	if err != nil {
		return LoginResult{State: StateUnauthenticated}, err
	}

	online := c.connectivity.Online()
	if online && profile.RemoteSubject != "" {
		if updateErr := c.identity.UpdateSecret(ctx, profile.RemoteSubject, trimmed); updateErr != nil {
			c.logger.Warn("remote secret propagation failed, will converge via profile sync",
				zap.String("identity_id", profile.IdentityID), zap.Error(updateErr))
		}
	}
	if err := c.enqueueProfileSync(ctx, profile); err != nil {
		c.logger.Warn("profile sync enqueue failed after reset",
			zap.String("identity_id", profile.IdentityID), zap.Error(err))
	}

	mode := session.ModeOffline
	state := StateAuthenticatedOffline
	if online {
		mode = session.ModeOnline
		state = StateAuthenticatedOnline
	}
	if err := c.sessions.Start(ctx, session.Session{
		IdentityID:  profile.IdentityID,
		DisplayName: profile.DisplayName,
		AccessLevel: profile.AccessLevel,
		Mode:        mode,
	}); err != nil {
		return LoginResult{State: StateUnauthenticated}, err
	}
	return LoginResult{State: state, Profile: profile}, nil
}

// Register provisions an identity locally first: the profile row and its
// outbox entry commit together before the remote account is created, so a
// remote identity can never exist orphaned from a local record. The new
// profile stays unapproved until the approval collaborator flips it.
func (c *Coordinator) Register(ctx context.Context, email, secret, confirmation, displayName string) (credentials.Profile, error) {
	email = strings.TrimSpace(email)
	trimmed := strings.TrimSpace(secret)
	if email == "" || trimmed == "" {
		return credentials.Profile{}, ErrMissingInput
	}
	if len(trimmed) < minSecretLength {
		return credentials.Profile{}, ErrSecretTooShort
	}
	if trimmed != strings.TrimSpace(confirmation) {
		return credentials.Profile{}, ErrConfirmationMismatch
	}
	if _, err := c.credentials.FindByEmail(ctx, email); err == nil {
		return credentials.Profile{}, ErrIdentityTaken
	} else if !errors.Is(err, credentials.ErrProfileNotFound) {
		return credentials.Profile{}, err
	}

	hash, err := credentials.HashSecret(trimmed)
	if err != nil {
		return credentials.Profile{}, err
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = email
	}
	profile := credentials.Profile{
		IdentityID:            uuid.NewString(),
		Email:                 email,
		DisplayName:           displayName,
		AccessLevel:           credentials.AccessLevelUser,
		Approved:              false,
		PasswordHash:          hash,
		MandatoryResetPending: false,
	}

	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.credentials.UpsertTx(tx, profile); err != nil {
			return err
		}
		payload, err := profileSyncPayload(profile)
		if err != nil {
			return err
		}
		_, err = c.outbox.EnqueueTx(tx, outbox.Intent{
			Op:          outbox.OperationCreateOrUpdate,
			EntityType:  ProfileEntityType,
			EntityID:    profile.IdentityID,
			PayloadJSON: payload,
		})
		return err
	})
	if txErr != nil {
		return credentials.Profile{}, txErr
	}
	c.kickSyncer()

	if c.connectivity.Online() {
		result, provisionErr := c.identity.ProvisionIdentity(ctx, email, trimmed)
		if provisionErr != nil {
			c.logger.Warn("remote identity provisioning deferred",
				zap.String("identity_id", profile.IdentityID), zap.Error(provisionErr))
		} else {
			profile.RemoteSubject = result.Subject
			if err := c.credentials.Upsert(ctx, profile); err != nil {
				return credentials.Profile{}, err
			}
		}
	}

	c.logger.Info("identity registered", zap.String("identity_id", profile.IdentityID))
	return profile, nil
}

// WatchConnectivity keeps the session mode consistent with reachability: on
// a regained-connectivity edge it revalidates the session identity against
// the remote identity service before flipping to ONLINE; on a lost edge it
// flips to OFFLINE immediately.
func (c *Coordinator) WatchConnectivity(ctx context.Context) {
	edges, cancel := c.connectivity.Subscribe(ctx)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-edges:
			snapshot := c.sessions.Current()
			if !snapshot.Active {
				continue
			}
			if !online {
				if err := c.sessions.SetMode(ctx, session.ModeOffline); err != nil {
					c.logger.Warn("session mode downgrade failed", zap.Error(err))
				}
				continue
			}
			profile, err := c.credentials.FindByIdentity(ctx, snapshot.Session.IdentityID)
			if err != nil {
				continue
			}
			if _, err := c.identity.LookupIdentity(ctx, profile.Email); err != nil {
				c.logger.Debug("session revalidation failed, staying offline", zap.Error(err))
				continue
			}
			if err := c.sessions.SetMode(ctx, session.ModeOnline); err != nil {
				c.logger.Warn("session mode upgrade failed", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) enqueueProfileSync(ctx context.Context, profile credentials.Profile) error {
	payload, err := profileSyncPayload(profile)
	if err != nil {
		return err
	}
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := c.outbox.EnqueueTx(tx, outbox.Intent{
			Op:          outbox.OperationCreateOrUpdate,
			EntityType:  ProfileEntityType,
			EntityID:    profile.IdentityID,
			PayloadJSON: payload,
		})
		return err
	})
	if txErr != nil {
		return txErr
	}
	c.kickSyncer()
	return nil
}

func (c *Coordinator) kickSyncer() {
	if c.syncer != nil {
		c.syncer.Kick()
	}
}

type profilePayload struct {
	IdentityID            string `json:"identity_id"`
	Email                 string `json:"email"`
	DisplayName           string `json:"display_name"`
	AccessLevel           string `json:"access_level"`
	Approved              bool   `json:"approved"`
	PasswordHash          string `json:"password_hash,omitempty"`
	MandatoryResetPending bool   `json:"mandatory_reset_pending"`
	UpdatedAtS            int64  `json:"updated_at_s"`
}

func profileSyncPayload(profile credentials.Profile) (string, error) {
	payload, err := json.Marshal(profilePayload{
		IdentityID:            profile.IdentityID,
		Email:                 profile.Email,
		DisplayName:           profile.DisplayName,
		AccessLevel:           string(profile.AccessLevel),
		Approved:              profile.Approved,
		PasswordHash:          profile.PasswordHash,
		MandatoryResetPending: profile.MandatoryResetPending,
		UpdatedAtS:            profile.UpdatedAt.Unix(),
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

package credentials

import (
	"strings"
	"time"
)

// AccessLevel enumerates what a profile may do once authenticated. The value
// is assigned by the external approval collaborator, never computed here.
type AccessLevel string

const (
	AccessLevelUser    AccessLevel = "user"
	AccessLevelManager AccessLevel = "manager"
	AccessLevelAdmin   AccessLevel = "admin"
)

// MatchResult is the outcome of an offline credential check.
type MatchResult int

const (
	// NoMatch means the supplied secret matched neither stored credential.
	NoMatch MatchResult = iota
	// MatchPermanent means the secret matched the permanent password hash.
	MatchPermanent
	// MatchTemporary means the secret matched the still-valid temporary password.
	MatchTemporary
)

// Profile holds per-identity credential material usable without connectivity.
//
// Invariant: MandatoryResetPending implies PasswordHash is empty. The
// authentication coordinator self-corrects the flag when it observes a
// permanent match with the flag still set.
type Profile struct {
	IdentityID            string      `gorm:"column:identity_id;primaryKey;size:190;not null"`
	Email                 string      `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName           string      `gorm:"column:display_name;size:320;not null;default:''"`
	AccessLevel           AccessLevel `gorm:"column:access_level;size:32;not null;default:'user'"`
	Approved              bool        `gorm:"column:approved;not null;default:false"`
	ApprovedBy            string      `gorm:"column:approved_by;size:320;not null;default:''"`
	ApprovedAtS           int64       `gorm:"column:approved_at_s;not null;default:0"`
	PasswordHash          string      `gorm:"column:password_hash;size:255;not null;default:''"`
	TemporaryPassword     string      `gorm:"column:temporary_password;size:255;not null;default:''"`
	MandatoryResetPending bool        `gorm:"column:mandatory_reset_pending;not null"`
	RemoteSubject         string      `gorm:"column:remote_subject;size:190;not null;default:''"`
	CreatedAt             time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "credential_profiles"
}

// HasPermanentSecret reports whether the profile completed its mandatory reset.
func (p Profile) HasPermanentSecret() bool {
	return strings.TrimSpace(p.PasswordHash) != ""
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

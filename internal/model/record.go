package model

import "time"

// Channel identifies the delivery channel of a code attempt.
type Channel string

const (
	// ChannelEmail is currently the only supported channel.
	ChannelEmail Channel = "email"
)

// RequestMetadata is the request-context snapshot captured at issuance
// and compared at verification when strict binding is enabled.
type RequestMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	DeviceID  string `json:"device_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

// Empty reports whether the mandatory metadata fields are missing.
func (m RequestMetadata) Empty() bool {
	return m.IPAddress == "" && m.UserAgent == ""
}

// CodeAttempt is the central entity: one row per outstanding code issuance.
// The plaintext code is never stored, only its bcrypt hash and HMAC tag.
type CodeAttempt struct {
	ID              string          `json:"id" db:"id"`
	Destination     string          `json:"destination" db:"destination"`
	Context         string          `json:"context" db:"context"`
	Channel         Channel         `json:"channel" db:"channel"`
	SessionID       string          `json:"session_id" db:"session_id"`
	CodeHash        string          `json:"code_hash" db:"code_hash"`
	CodeTag         string          `json:"code_tag" db:"code_tag"`
	MetaFingerprint string          `json:"meta_fingerprint" db:"meta_fingerprint"`
	Meta            RequestMetadata `json:"meta" db:"meta"` // raw snapshot kept for audit
	Attempts        int             `json:"attempts" db:"attempts"`
	MaxAttempts     int             `json:"max_attempts" db:"max_attempts"`
	Used            bool            `json:"used" db:"used"`
	Locked          bool            `json:"locked" db:"locked"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the record is past its expiry at the given instant.
func (a *CodeAttempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Active reports whether the record can still be verified: not used,
// not locked, not expired.
func (a *CodeAttempt) Active(now time.Time) bool {
	return !a.Used && !a.Locked && !a.Expired(now)
}

// Clone returns a deep copy so store implementations never hand out
// aliased records.
func (a *CodeAttempt) Clone() *CodeAttempt {
	cp := *a
	return &cp
}

// RecordUpdate is a partial update applied to an existing record.
// Nil fields are left untouched.
type RecordUpdate struct {
	Attempts *int
	Used     *bool
	Locked   *bool
}

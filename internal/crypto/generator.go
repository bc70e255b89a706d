// Package crypto holds every cryptographic derivation of the OTP
// engine: code generation, HMAC binding tags, one-way code hashes,
// session identifiers, and request-metadata fingerprints. The only
// state is the server secret; all functions are I/O free.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/MetaDevZone/secure-2fa/internal/config"
	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/otperr"
)

// bcryptCost is the fixed work factor applied to code hashes.
const bcryptCost = 12

const (
	minCodeLength = 4
	maxCodeLength = 10
)

// Generator derives all secret material from the server-wide secret.
type Generator struct {
	secret []byte
}

// NewGenerator validates and captures the server secret. A secret
// shorter than 32 characters is a fatal configuration error.
func NewGenerator(secret string) (*Generator, error) {
	if len(secret) < config.MinSecretLength {
		return nil, otperr.Wrap(otperr.KindMisconfiguredSecret,
			"server secret too short",
			fmt.Errorf("need at least %d characters, got %d", config.MinSecretLength, len(secret)))
	}
	return &Generator{secret: []byte(secret)}, nil
}

// GenerateCode draws length cryptographically secure random bytes and
// maps each to a decimal digit via byte % 10. Because 256 is not a
// multiple of 10, digits 0-5 are very slightly more likely than 6-9;
// this matches the historical output distribution and is kept on
// purpose. Switching to rejection sampling would be a behavior change.
func (g *Generator) GenerateCode(length int) (string, error) {
	if length < minCodeLength || length > maxCodeLength {
		return "", fmt.Errorf("code length must be between %d and %d, got %d",
			minCodeLength, maxCodeLength, length)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var sb strings.Builder
	sb.Grow(length)
	for _, b := range buf {
		sb.WriteByte('0' + b%10)
	}
	return sb.String(), nil
}

// CreateTag computes the HMAC-SHA256 binding tag over
// (code, context, session) keyed by the server secret. The tag detects
// tampering with stored records independent of storage compromise.
func (g *Generator) CreateTag(code, otpContext, session string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(code))
	mac.Write([]byte{0})
	mac.Write([]byte(otpContext))
	mac.Write([]byte{0})
	mac.Write([]byte(session))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTag recomputes the tag and compares in constant time.
func (g *Generator) VerifyTag(code, otpContext, session, tag string) bool {
	expected := g.CreateTag(code, otpContext, session)
	return hmac.Equal([]byte(expected), []byte(tag))
}

// HashCode produces a bcrypt hash of the code; this is what gets
// persisted instead of the plaintext.
func (g *Generator) HashCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}
	return string(hash), nil
}

// VerifyHash checks a submitted code against the stored bcrypt hash.
func (g *Generator) VerifyHash(code, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

// GenerateSessionID returns a 128-bit random identifier in UUIDv4 form.
// It carries no semantic content.
func GenerateSessionID() string {
	return uuid.NewString()
}

// FingerprintMeta returns a deterministic SHA-256 fingerprint of the
// canonicalized request metadata. Only the fingerprint is used for
// strict-binding equality; the raw metadata is stored separately for
// audit.
func FingerprintMeta(meta model.RequestMetadata) string {
	canonical := strings.Join([]string{
		strings.TrimSpace(meta.IPAddress),
		strings.TrimSpace(meta.UserAgent),
		strings.TrimSpace(meta.DeviceID),
		strings.TrimSpace(meta.Platform),
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// VerifyMeta compares the fingerprint of the presented metadata against
// the stored one in constant time.
func VerifyMeta(meta model.RequestMetadata, fingerprint string) bool {
	computed := FingerprintMeta(meta)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(fingerprint)) == 1
}

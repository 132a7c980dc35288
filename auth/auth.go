// Package auth issues and verifies bearer API keys for registered agents.
// Keys are random, shown once at issue time, and stored only as bcrypt
// hashes. Rotation keeps the previous hash valid for a short grace window so
// in-flight callers do not break mid-deploy.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"a2aexchange/ledger"
	"a2aexchange/models"
)

const (
	apiKeyPrefix        = "ate_"
	webhookSecretPrefix = "whsec_"
)

// NewAPIKey generates a fresh bearer key: ate_ plus 32 hex characters.
func NewAPIKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

// NewWebhookSecret generates a signing secret: whsec_ plus 48 hex characters.
func NewWebhookSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return webhookSecretPrefix + hex.EncodeToString(buf), nil
}

// HashKey bcrypt-hashes an API key for storage.
func HashKey(key string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// Authenticator resolves bearer keys to accounts.
type Authenticator struct {
	db          *gorm.DB
	graceWindow time.Duration
	nowFn       func() time.Time
}

func NewAuthenticator(db *gorm.DB, graceWindow time.Duration) *Authenticator {
	return &Authenticator{db: db, graceWindow: graceWindow, nowFn: time.Now}
}

// SetNowFunc overrides the time source for tests.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		a.nowFn = time.Now
		return
	}
	a.nowFn = now
}

// Authenticate resolves the Authorization header value to an account. The
// previous key is accepted inside the rotation grace window. Suspended
// accounts authenticate; write access is decided at the handler layer.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*models.Account, error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ledger.E(ledger.CodeAuthRequired, "Authorization: Bearer <api key> header required")
	}
	key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return nil, ledger.E(ledger.CodeAuthInvalid, "Invalid API key")
	}

	// bcrypt hashes are salted, so the key cannot be used as a lookup
	// index. The account population is small enough to scan; accounts are
	// checked newest-rotation-first.
	var accounts []models.Account
	if err := a.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		return nil, err
	}
	now := a.nowFn().UTC()
	for i := range accounts {
		acct := &accounts[i]
		if bcrypt.CompareHashAndPassword([]byte(acct.APIKeyHash), []byte(key)) == nil {
			return acct, nil
		}
		if acct.PreviousAPIKeyHash != nil && acct.KeyRotatedAt != nil &&
			now.Sub(*acct.KeyRotatedAt) <= a.graceWindow {
			if bcrypt.CompareHashAndPassword([]byte(*acct.PreviousAPIKeyHash), []byte(key)) == nil {
				return acct, nil
			}
		}
	}
	return nil, ledger.E(ledger.CodeAuthInvalid, "Invalid API key")
}

// Rotate issues a new key for the account, retiring the old hash into the
// grace slot. Returns the plaintext key, shown exactly once.
func (a *Authenticator) Rotate(ctx context.Context, accountID string, cost int) (string, error) {
	newKey, err := NewAPIKey()
	if err != nil {
		return "", err
	}
	newHash, err := HashKey(newKey, cost)
	if err != nil {
		return "", err
	}
	now := a.nowFn().UTC()
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct models.Account
		if err := tx.First(&acct, "id = ?", accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.E(ledger.CodeNotFound, "Account not found")
			}
			return err
		}
		previous := acct.APIKeyHash
		acct.PreviousAPIKeyHash = &previous
		acct.APIKeyHash = newHash
		acct.KeyRotatedAt = &now
		return tx.Save(&acct).Error
	})
	if err != nil {
		return "", err
	}
	return newKey, nil
}

// Signer verifies optional per-request HMAC signatures. When required, every
// request must carry X-A2A-Timestamp and X-A2A-Signature headers.
type Signer struct {
	maxAge time.Duration
	nowFn  func() time.Time
}

func NewSigner(maxAge time.Duration) *Signer {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Signer{maxAge: maxAge, nowFn: time.Now}
}

// SetNowFunc overrides the time source for tests.
func (s *Signer) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// Sign computes the request signature over the concatenation of timestamp,
// method, path and body, keyed with the caller's API key.
func Sign(apiKey, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against the reconstructed payload and rejects
// stale timestamps to bound replay.
func (s *Signer) Verify(apiKey, timestamp, signature, method, path string, body []byte) error {
	if timestamp == "" || signature == "" {
		return ledger.E(ledger.CodeAuthInvalid, "Request signature headers required")
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ledger.E(ledger.CodeAuthInvalid, "Invalid signature timestamp")
	}
	age := s.nowFn().UTC().Sub(time.Unix(unix, 0).UTC())
	if age < -s.maxAge || age > s.maxAge {
		return ledger.E(ledger.CodeAuthInvalid, "Signature timestamp outside the accepted window")
	}
	expected := Sign(apiKey, timestamp, method, path, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ledger.E(ledger.CodeAuthInvalid, "Request signature mismatch")
	}
	return nil
}

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"a2aexchange/ledger"
	"a2aexchange/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func createAccount(t *testing.T, db *gorm.DB, apiKey string) string {
	t.Helper()
	hash, err := HashKey(apiKey, bcrypt.MinCost)
	require.NoError(t, err)
	id := uuid.NewString()
	require.NoError(t, db.Create(&models.Account{
		ID:          id,
		BotName:     "bot-" + id[:8],
		DeveloperID: "test",
		APIKeyHash:  hash,
		Status:      models.StatusActive,
	}).Error)
	return id
}

func TestKeyFormats(t *testing.T) {
	key, err := NewAPIKey()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "ate_"))
	require.Len(t, key, 4+32)

	secret, err := NewWebhookSecret()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(secret, "whsec_"))
	require.Len(t, secret, 6+48)

	// keys are random
	other, err := NewAPIKey()
	require.NoError(t, err)
	require.NotEqual(t, key, other)
}

func TestAuthenticate(t *testing.T) {
	db := setupTestDB(t)
	key, err := NewAPIKey()
	require.NoError(t, err)
	id := createAccount(t, db, key)

	authn := NewAuthenticator(db, 5*time.Minute)
	ctx := context.Background()

	acct, err := authn.Authenticate(ctx, "Bearer "+key)
	require.NoError(t, err)
	require.Equal(t, id, acct.ID)

	_, err = authn.Authenticate(ctx, "")
	code, _ := ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthRequired, code)

	_, err = authn.Authenticate(ctx, key) // missing scheme
	code, _ = ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthRequired, code)

	_, err = authn.Authenticate(ctx, "Bearer ate_00000000000000000000000000000000")
	code, _ = ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthInvalid, code)

	_, err = authn.Authenticate(ctx, "Bearer not-a-key")
	code, _ = ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthInvalid, code)
}

func TestRotationGraceWindow(t *testing.T) {
	db := setupTestDB(t)
	oldKey, err := NewAPIKey()
	require.NoError(t, err)
	id := createAccount(t, db, oldKey)

	authn := NewAuthenticator(db, 5*time.Minute)
	now := time.Now().UTC()
	authn.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	newKey, err := authn.Rotate(ctx, id, bcrypt.MinCost)
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)

	// both keys work inside the grace window
	acct, err := authn.Authenticate(ctx, "Bearer "+newKey)
	require.NoError(t, err)
	require.Equal(t, id, acct.ID)
	acct, err = authn.Authenticate(ctx, "Bearer "+oldKey)
	require.NoError(t, err)
	require.Equal(t, id, acct.ID)

	// after the window only the new key works
	authn.SetNowFunc(func() time.Time { return now.Add(6 * time.Minute) })
	_, err = authn.Authenticate(ctx, "Bearer "+oldKey)
	code, _ := ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthInvalid, code)

	_, err = authn.Authenticate(ctx, "Bearer "+newKey)
	require.NoError(t, err)
}

func TestRequestSigning(t *testing.T) {
	signer := NewSigner(5 * time.Minute)
	now := time.Now().UTC()
	signer.SetNowFunc(func() time.Time { return now })

	key := "ate_secret"
	body := []byte(`{"amount":10}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(key, ts, "POST", "/v1/exchange/escrow", body)

	require.NoError(t, signer.Verify(key, ts, sig, "POST", "/v1/exchange/escrow", body))

	// tampered body
	err := signer.Verify(key, ts, sig, "POST", "/v1/exchange/escrow", []byte(`{"amount":99}`))
	code, _ := ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthInvalid, code)

	// wrong path
	err = signer.Verify(key, ts, sig, "POST", "/v1/exchange/deposit", body)
	code, _ = ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthInvalid, code)

	// stale timestamp
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	staleSig := Sign(key, stale, "POST", "/v1/exchange/escrow", body)
	err = signer.Verify(key, stale, staleSig, "POST", "/v1/exchange/escrow", body)
	code, _ = ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthInvalid, code)

	// missing headers
	err = signer.Verify(key, "", "", "POST", "/v1/exchange/escrow", body)
	code, _ = ledger.CodeOf(err)
	require.Equal(t, ledger.CodeAuthInvalid, code)
}

func TestSignatureIsPlainConcatenation(t *testing.T) {
	key := "ate_secret"
	ts := "1700000000"
	body := []byte(`{"amount":10}`)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(ts + "POST" + "/v1/exchange/escrow"))
	mac.Write(body)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)),
		Sign(key, ts, "POST", "/v1/exchange/escrow", body))
}

func TestSigningGETWithEmptyBody(t *testing.T) {
	signer := NewSigner(5 * time.Minute)
	now := time.Now().UTC()
	signer.SetNowFunc(func() time.Time { return now })

	key := "ate_secret"
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(key, ts, "GET", "/v1/exchange/balance", nil)
	require.NoError(t, signer.Verify(key, ts, sig, "GET", "/v1/exchange/balance", nil))
}

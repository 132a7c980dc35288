package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

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

func countingHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, *calls)
	})
}

func post(handler http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange/escrow", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIdempotentReplay(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, countingHandler(&calls))

	first := post(handler, "key-1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, 1, calls)

	second := post(handler, "key-1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, 1, calls, "handler must not run again")
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
}

func TestIdempotencyBodyConflict(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, countingHandler(&calls))

	post(handler, "key-1", `{"amount":10}`)
	conflict := post(handler, "key-1", `{"amount":99}`)

	require.Equal(t, http.StatusConflict, conflict.Code)
	require.Contains(t, conflict.Body.String(), "IDEMPOTENCY_CONFLICT")
	require.Equal(t, 1, calls)
}

func TestNoKeyNoCaching(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, countingHandler(&calls))

	post(handler, "", `{"amount":10}`)
	post(handler, "", `{"amount":10}`)
	require.Equal(t, 2, calls)
}

func TestFailedResponsesNotCached(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	handler := WithIdempotency(db, failing)

	first := post(handler, "key-1", `{"amount":10}`)
	require.Equal(t, http.StatusBadRequest, first.Code)

	// retry with the same key runs the handler again
	second := post(handler, "key-1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, 2, calls)
}

func TestExpiredRecordsReplaced(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, countingHandler(&calls))

	post(handler, "key-1", `{"amount":10}`)

	// force the stored record past its TTL
	require.NoError(t, db.Model(&models.IdempotencyRecord{}).
		Where("key = ?", "key-1").
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	replay := post(handler, "key-1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, 2, calls, "expired record must not replay")
}

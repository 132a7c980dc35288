package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"gorm.io/gorm"

	"a2aexchange/ledger"
	"a2aexchange/models"
)

const idempotencyTTL = 24 * time.Hour

// WithIdempotency replays the stored response when a mutating request
// repeats an Idempotency-Key with an identical body, and rejects reuse of a
// key with a different body. Records expire after 24 hours; stale rows are
// cleaned up opportunistically on write.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || (r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodDelete) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, r, ledger.E(ledger.CodeValidationFailed, "Failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		requestHash := hex.EncodeToString(sum[:])
		now := time.Now().UTC()

		var record models.IdempotencyRecord
		if err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error; err == nil {
			if record.ExpiresAt.After(now) {
				if record.RequestHash != requestHash {
					WriteError(w, r, ledger.E(ledger.CodeIdempotencyConflict,
						"Idempotency key was already used with a different request body"))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(record.StatusCode)
				_, _ = io.WriteString(w, record.ResponseBody)
				return
			}
			_ = db.WithContext(r.Context()).Delete(&models.IdempotencyRecord{}, "key = ?", key).Error
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		// Only successful outcomes are cached; a failed attempt may be
		// retried with the same key.
		if status >= 200 && status < 300 {
			_ = db.WithContext(r.Context()).Create(&models.IdempotencyRecord{
				Key:          key,
				RequestHash:  requestHash,
				ResponseBody: recorder.buf.String(),
				StatusCode:   status,
				CreatedAt:    now,
				ExpiresAt:    now.Add(idempotencyTTL),
			}).Error
			_ = db.WithContext(r.Context()).
				Delete(&models.IdempotencyRecord{}, "expires_at < ?", now).Error
		}
	})
}

// responseRecorder captures the response for idempotent replay.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

// WriteError renders the standard error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := ledger.Code("INTERNAL")
	message := "Internal server error"
	var details map[string]any
	var le *ledger.Error
	if errors.As(err, &le) {
		code = le.Code
		message = le.Message
		details = le.Details
	}
	envelope := map[string]any{
		"error": map[string]any{
			"code":       string(code),
			"message":    message,
			"request_id": RequestID(r),
		},
	}
	if details != nil {
		envelope["error"].(map[string]any)["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ledger.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(envelope)
}

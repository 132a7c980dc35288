package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"a2aexchange/ledger"
	"a2aexchange/middleware"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err)
}

// decodeJSON parses the request body into dst, rejecting unknown fields and
// oversized payloads.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ledger.E(ledger.CodeValidationFailed, "Invalid JSON body: %v", err)
	}
	return nil
}

func bearerKey(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer "))
}

func newBytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

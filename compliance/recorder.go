package compliance

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"a2aexchange/models"
)

// Recorder appends an attestation for every terminal escrow transition.
// It satisfies the ledger's attestation sink; append or TSA failures are
// logged and never propagate into settlement.
type Recorder struct {
	log   *Log
	tsa   *TSAClient
	db    *gorm.DB
	l     *slog.Logger
	nowFn func() time.Time

	// stampAsync controls whether TSA stamping happens in a goroutine.
	// Tests disable it for determinism.
	stampAsync bool
}

func NewRecorder(db *gorm.DB, tsa *TSAClient, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		log:        NewLog(db),
		tsa:        tsa,
		db:         db,
		l:          logger,
		nowFn:      time.Now,
		stampAsync: true,
	}
}

// SetSynchronous forces inline TSA stamping. Test only.
func (r *Recorder) SetSynchronous() { r.stampAsync = false }

// Log exposes the underlying Merkle log for the compliance API handlers.
func (r *Recorder) Log() *Log { return r.log }

// RecordTerminal appends the escrow's terminal state to the compliance log.
func (r *Recorder) RecordTerminal(ctx context.Context, esc models.Escrow) {
	payload := AttestationPayload(esc)
	position, err := r.log.Append(ctx, payload)
	if err != nil {
		r.l.Error("compliance append failed", "escrow", esc.ID, "error", err)
		return
	}
	r.l.Info("compliance attestation appended",
		"escrow", esc.ID, "status", esc.Status, "position", position)

	if r.tsa == nil {
		return
	}
	if r.stampAsync {
		go r.stamp(context.Background(), position)
		return
	}
	r.stamp(ctx, position)
}

func (r *Recorder) stamp(ctx context.Context, position int64) {
	leaf, err := r.log.Leaf(ctx, position)
	if err != nil {
		r.l.Error("compliance leaf fetch failed", "position", position, "error", err)
		return
	}
	token, stampedAt, err := r.tsa.Stamp(ctx, []byte(leaf.PayloadJSON))
	if err != nil {
		r.l.Warn("timestamp authority stamp failed", "position", position, "error", err)
		return
	}
	err = r.db.WithContext(ctx).Model(&models.MerkleLeaf{}).
		Where("position = ?", position).
		Updates(map[string]any{"tsa_token": token, "tsa_stamped_at": stampedAt.UTC()}).Error
	if err != nil {
		r.l.Error("persist timestamp token failed", "position", position, "error", err)
	}
}

const (
	attestationVersion = "1.0"
	attestationSchema  = "urn:a2a-se:pre-dispute-attestation:v1"
	attestationIssuer  = "a2a-settlement-exchange"
)

// AttestationPayload is the canonical pre-dispute attestation for a terminal
// escrow: header, AP2 mandate binding and mediation state. Inclusion proofs
// are computed on demand and never part of the hashed payload.
func AttestationPayload(esc models.Escrow) map[string]any {
	subject := esc.ID
	if esc.TaskID != nil && *esc.TaskID != "" {
		subject = *esc.TaskID
	}
	return map[string]any{
		"header": map[string]any{
			"version":    attestationVersion,
			"schema_id":  attestationSchema,
			"created_at": time.Now().UTC().Format(time.RFC3339),
			"issuer_id":  attestationIssuer,
			"nonce":      uuid.NewString(),
		},
		"mandate": map[string]any{
			"intent_did":  "did:a2a:intent:" + subject,
			"cart_did":    "did:a2a:cart:" + esc.ID,
			"payment_did": "did:a2a:payment:" + esc.ID,
		},
		"mediation": map[string]any{
			"escrow_id":           esc.ID,
			"escrow_status":       string(esc.Status),
			"dispute_reason":      esc.DisputeReason,
			"resolution_strategy": esc.ResolutionStrategy,
			"mediator_id":         esc.ResolvedBy,
		},
	}
}

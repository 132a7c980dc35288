package models

import (
	"time"

	"gorm.io/gorm"
)

// Account statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusOperator  = "operator"
)

// EscrowStatus represents a state in the escrow lifecycle.
type EscrowStatus string

// All escrow states. Only StatusHeld may transition; released, refunded and
// expired are terminal, disputed may only move via resolve or dispute expiry.
const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowExpired  EscrowStatus = "expired"
	EscrowDisputed EscrowStatus = "disputed"
)

// Transaction types recorded in the ledger audit log.
const (
	TxMint          = "mint"
	TxDeposit       = "deposit"
	TxEscrowHold    = "escrow_hold"
	TxEscrowRelease = "escrow_release"
	TxEscrowRefund  = "escrow_refund"
	TxFee           = "fee"
)

// Account is the identity of a registered agent.
type Account struct {
	ID                 string `gorm:"size:36;primaryKey"`
	BotName            string `gorm:"size:255;not null;uniqueIndex"`
	DeveloperID        string `gorm:"size:255;not null;index"`
	DeveloperName      string `gorm:"size:255;not null;default:''"`
	ContactEmail       string `gorm:"size:255;not null;default:''"`
	APIKeyHash         string `gorm:"size:255;not null"`
	PreviousAPIKeyHash *string `gorm:"size:255"`
	KeyRotatedAt       *time.Time
	Description        string   `gorm:"type:text"`
	Skills             []string `gorm:"serializer:json"`
	Status             string   `gorm:"size:20;not null;default:active;index"`
	Reputation         float64  `gorm:"not null;default:0.5"`
	DailySpendLimit    *int64
	FrozenUntil        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Balance holds the per-account book-entry totals. Mutated only inside
// ledger transactions, always paired with a Transaction row.
type Balance struct {
	AccountID     string `gorm:"size:36;primaryKey"`
	Available     int64  `gorm:"not null;default:0"`
	HeldInEscrow  int64  `gorm:"not null;default:0"`
	TotalEarned   int64  `gorm:"not null;default:0"`
	TotalSpent    int64  `gorm:"not null;default:0"`
	UpdatedAt     time.Time
}

// Escrow is an atomic settlement agreement between a requester and a provider.
// The partial unique index keeps at most one held escrow per
// (requester, provider, task_id) when a task id is present.
type Escrow struct {
	ID                 string       `gorm:"size:36;primaryKey"`
	RequesterID        string       `gorm:"size:36;not null;index;uniqueIndex:uq_active_task_escrow,where:task_id IS NOT NULL AND status = 'held'"`
	ProviderID         string       `gorm:"size:36;not null;index;uniqueIndex:uq_active_task_escrow,where:task_id IS NOT NULL AND status = 'held'"`
	TaskID             *string      `gorm:"size:255;index;uniqueIndex:uq_active_task_escrow,where:task_id IS NOT NULL AND status = 'held'"`
	Amount             int64        `gorm:"not null"`
	FeeAmount          int64        `gorm:"not null;default:0"`
	TaskType           *string      `gorm:"size:100"`
	GroupID            *string      `gorm:"size:36;index"`
	DependsOn          []string     `gorm:"serializer:json"`
	Deliverables       []Deliverable `gorm:"serializer:json"`
	Status             EscrowStatus `gorm:"size:20;not null;default:held;index"`
	DisputeReason      *string      `gorm:"type:text"`
	ResolutionStrategy *string      `gorm:"size:100"`
	ResolvedBy         *string      `gorm:"size:36"`
	ExpiresAt          time.Time    `gorm:"not null;index"`
	DisputeExpiresAt   *time.Time
	WarningSentAt      *time.Time
	CreatedAt          time.Time
	ResolvedAt         *time.Time
}

// Deliverable describes an artifact a provider is expected to produce.
type Deliverable struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URI         string `json:"uri,omitempty"`
}

// Terminal reports whether the escrow can never transition again.
func (e *Escrow) Terminal() bool {
	switch e.Status {
	case EscrowReleased, EscrowRefunded, EscrowExpired:
		return true
	}
	return false
}

// TotalHeld is the amount removed from the requester's spendable balance.
func (e *Escrow) TotalHeld() int64 {
	return e.Amount + e.FeeAmount
}

// Transaction is an immutable ledger entry. Append-only in commit order.
type Transaction struct {
	ID          string  `gorm:"size:36;primaryKey"`
	EscrowID    *string `gorm:"size:36;index"`
	FromAccount *string `gorm:"size:36;index"`
	ToAccount   *string `gorm:"size:36;index"`
	Amount      int64   `gorm:"not null"`
	TxType      string  `gorm:"size:30;not null;index"`
	Description string  `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

// WebhookConfig is the per-account event sink.
type WebhookConfig struct {
	AccountID string   `gorm:"size:36;primaryKey"`
	URL       string   `gorm:"size:2048;not null"`
	Secret    string   `gorm:"size:255;not null"`
	Events    []string `gorm:"serializer:json"`
	Active    bool     `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscribed reports whether the config wants the event. An empty event
// list subscribes to everything.
func (w *WebhookConfig) Subscribed(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// IdempotencyRecord caches the response of a completed mutating request.
type IdempotencyRecord struct {
	Key          string `gorm:"size:255;primaryKey"`
	RequestHash  string `gorm:"size:64;not null"`
	ResponseBody string `gorm:"type:text;not null"`
	StatusCode   int    `gorm:"not null"`
	CreatedAt    time.Time
	ExpiresAt    time.Time `gorm:"not null;index"`
}

// MerkleLeaf stores an appended compliance attestation. TSAToken holds the
// DER-encoded RFC 3161 timestamp token when a TSA is configured.
type MerkleLeaf struct {
	Position    int64  `gorm:"primaryKey;autoIncrement:false"`
	DataHash    string `gorm:"size:64;not null"`
	PayloadJSON string `gorm:"type:text;not null"`
	TSAToken    []byte
	TSAStampedAt *time.Time
	CreatedAt   time.Time
}

// MerkleNode is a (level, position) → hash entry, recomputed on append.
type MerkleNode struct {
	Level    int64  `gorm:"primaryKey;autoIncrement:false"`
	Position int64  `gorm:"primaryKey;autoIncrement:false"`
	Hash     string `gorm:"size:64;not null"`
}

// AutoMigrate performs all schema migrations for the exchange.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Balance{},
		&Escrow{},
		&Transaction{},
		&WebhookConfig{},
		&IdempotencyRecord{},
		&MerkleLeaf{},
		&MerkleNode{},
	)
}

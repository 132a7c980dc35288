package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"a2aexchange/models"
)

// Guard validates a prospective hold against spending limits. Implementations
// read through the supplied transaction but must persist any freeze marker in
// an independent session so it survives the caller's rollback.
type Guard interface {
	Check(ctx context.Context, tx *gorm.DB, accountID string, newHold int64) error
}

// EventSink receives escrow lifecycle events after the owning transaction
// has committed.
type EventSink interface {
	EscrowEvent(event string, esc models.Escrow)
}

// AttestationSink records terminal escrow events in the compliance log.
// Failures must never block settlement.
type AttestationSink interface {
	RecordTerminal(ctx context.Context, esc models.Escrow)
}

// Config captures the dependencies required to construct the engine.
type Config struct {
	DB         *gorm.DB
	Fees       FeeSchedule
	MinEscrow  int64
	MaxEscrow  int64
	DefaultTTL time.Duration
	DisputeTTL time.Duration
	Guard      Guard
	Events     EventSink
	Attest     AttestationSink
	Logger     *slog.Logger
}

// Engine is the sole owner of Account, Balance, Escrow and Transaction
// mutations. Every operation runs in a single transaction that locks the
// affected rows, re-validates under lock, mutates, and appends matching
// Transaction rows. Failed preconditions roll back with no state change.
type Engine struct {
	db         *gorm.DB
	fees       FeeSchedule
	minEscrow  int64
	maxEscrow  int64
	defaultTTL time.Duration
	disputeTTL time.Duration
	guard      Guard
	sink       EventSink
	attest     AttestationSink
	log        *slog.Logger
	nowFn      func() time.Time
}

func New(cfg Config) *Engine {
	if cfg.DB == nil {
		panic("ledger: database required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Minute
	}
	if cfg.DisputeTTL <= 0 {
		cfg.DisputeTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		db:         cfg.DB,
		fees:       cfg.Fees,
		minEscrow:  cfg.MinEscrow,
		maxEscrow:  cfg.MaxEscrow,
		defaultTTL: cfg.DefaultTTL,
		disputeTTL: cfg.DisputeTTL,
		guard:      cfg.Guard,
		sink:       cfg.Events,
		attest:     cfg.Attest,
		log:        cfg.Logger,
		nowFn:      time.Now,
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Fee exposes the fee schedule for quoting.
func (e *Engine) Fee(amount int64) int64 { return e.fees.Fee(amount) }

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

type pendingEvent struct {
	event string
	esc   models.Escrow
}

// inTx runs fn in a transaction, retrying once on infrastructure conflicts
// (lock timeouts, serialization failures). fn must be idempotent up to its
// own writes; it is re-invoked from scratch on retry.
func (e *Engine) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := e.db.WithContext(ctx).Transaction(fn)
	if err == nil || !isTransient(err) {
		return err
	}
	e.log.Warn("ledger transaction conflicted, retrying", "error", err)
	err = e.db.WithContext(ctx).Transaction(fn)
	if err != nil && isTransient(err) {
		return E(CodeTransientConflict, "ledger transaction conflicted; please retry")
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"deadlock", "database is locked", "could not serialize", "lock timeout", "sqlite_busy"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// emit flushes events collected during a committed transaction. Terminal
// transitions are additionally handed to the compliance log.
func (e *Engine) emit(ctx context.Context, events []pendingEvent) {
	for _, pe := range events {
		if e.sink != nil {
			e.sink.EscrowEvent(pe.event, pe.esc)
		}
		if e.attest != nil && pe.esc.Terminal() {
			e.attest.RecordTerminal(ctx, pe.esc)
		}
	}
}

func lockBalance(tx *gorm.DB, accountID string) (*models.Balance, error) {
	var bal models.Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, E(CodeNotFound, "account %s has no balance", accountID)
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// lockBalancePair acquires both balances in ascending account-id order to
// keep the lock graph acyclic across concurrent settlements.
func lockBalancePair(tx *gorm.DB, a, b string) (*models.Balance, *models.Balance, error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	balFirst, err := lockBalance(tx, first)
	if err != nil {
		return nil, nil, err
	}
	balSecond, err := lockBalance(tx, second)
	if err != nil {
		return nil, nil, err
	}
	if first == a {
		return balFirst, balSecond, nil
	}
	return balSecond, balFirst, nil
}

func lockEscrow(tx *gorm.DB, id string) (*models.Escrow, error) {
	var esc models.Escrow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&esc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, E(CodeNotFound, "Escrow not found")
	}
	if err != nil {
		return nil, err
	}
	return &esc, nil
}

func appendTransaction(tx *gorm.DB, now time.Time, escrowID, from, to *string, amount int64, txType, description string) error {
	return tx.Create(&models.Transaction{
		ID:          uuid.NewString(),
		EscrowID:    escrowID,
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
		TxType:      txType,
		Description: description,
		CreatedAt:   now,
	}).Error
}

// CreateParams are the caller-supplied attributes of a new escrow.
type CreateParams struct {
	ProviderID   string
	Amount       int64
	TaskID       *string
	TaskType     *string
	TTLMinutes   int
	GroupID      *string
	DependsOn    []string
	Deliverables []models.Deliverable
}

// CreateEscrow opens a new held escrow, decrementing the requester's
// available balance by amount plus fee inside the same transaction.
func (e *Engine) CreateEscrow(ctx context.Context, requesterID string, p CreateParams) (*models.Escrow, error) {
	var (
		out    models.Escrow
		events []pendingEvent
	)
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		expired, err := e.expireStaleHeld(tx)
		if err != nil {
			return err
		}
		events = append(events, expired...)

		esc, err := e.createEscrowLocked(ctx, tx, requesterID, p, p.GroupID)
		if err != nil {
			return err
		}
		out = *esc
		events = append(events, pendingEvent{event: "escrow.created", esc: *esc})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, events)
	return &out, nil
}

// CreateEscrowBatch opens a group of escrows atomically under a shared group
// id. Either every escrow is held or none are.
func (e *Engine) CreateEscrowBatch(ctx context.Context, requesterID string, items []CreateParams) ([]models.Escrow, string, error) {
	if len(items) == 0 {
		return nil, "", E(CodeValidationFailed, "batch must contain at least one escrow")
	}
	groupID := uuid.NewString()
	var (
		out    []models.Escrow
		events []pendingEvent
	)
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		out = out[:0]
		expired, err := e.expireStaleHeld(tx)
		if err != nil {
			return err
		}
		events = append(events, expired...)

		for _, item := range items {
			esc, err := e.createEscrowLocked(ctx, tx, requesterID, item, &groupID)
			if err != nil {
				return err
			}
			out = append(out, *esc)
			events = append(events, pendingEvent{event: "escrow.created", esc: *esc})
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	e.emit(ctx, events)
	return out, groupID, nil
}

func (e *Engine) createEscrowLocked(ctx context.Context, tx *gorm.DB, requesterID string, p CreateParams, groupID *string) (*models.Escrow, error) {
	if p.ProviderID == requesterID {
		return nil, E(CodeValidationFailed, "Cannot escrow to yourself")
	}
	if p.Amount < e.minEscrow || p.Amount > e.maxEscrow {
		return nil, E(CodeValidationFailed, "Amount must be between %d and %d", e.minEscrow, e.maxEscrow)
	}

	fee := e.fees.Fee(p.Amount)
	total := p.Amount + fee
	now := e.now()

	bal, err := lockBalance(tx, requesterID)
	if err != nil {
		if code, ok := CodeOf(err); ok && code == CodeNotFound {
			return nil, E(CodeNotFound, "Requester account not found")
		}
		// Lock contention and other driver errors propagate so the
		// transaction retry can classify them.
		return nil, err
	}

	var provider models.Account
	if err := tx.First(&provider, "id = ?", p.ProviderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, E(CodeNotFound, "Provider account not found")
		}
		return nil, err
	}
	if provider.Status != models.StatusActive {
		return nil, E(CodeInactiveProvider, "Provider account is not active")
	}

	for _, dep := range p.DependsOn {
		var parent models.Escrow
		if err := tx.First(&parent, "id = ?", dep).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, E(CodeValidationFailed, "Dependency escrow %s not found", dep)
			}
			return nil, err
		}
		if parent.RequesterID != requesterID {
			return nil, E(CodeValidationFailed, "Dependency escrow %s belongs to another requester", dep)
		}
	}

	if p.TaskID != nil {
		var count int64
		if err := tx.Model(&models.Escrow{}).
			Where("requester_id = ? AND provider_id = ? AND task_id = ? AND status = ?",
				requesterID, p.ProviderID, *p.TaskID, models.EscrowHeld).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, E(CodeTaskConflict, "An active escrow already exists for task %s", *p.TaskID)
		}
	}

	if e.guard != nil {
		if err := e.guard.Check(ctx, tx, requesterID, total); err != nil {
			return nil, err
		}
	}

	if bal.Available < total {
		return nil, E(CodeInsufficientFunds,
			"Insufficient balance. Need %d (%d + %d fee), have %d", total, p.Amount, fee, bal.Available)
	}

	ttl := e.defaultTTL
	if p.TTLMinutes > 0 {
		ttl = time.Duration(p.TTLMinutes) * time.Minute
	}

	bal.Available -= total
	bal.HeldInEscrow += total
	if err := tx.Save(bal).Error; err != nil {
		return nil, err
	}

	esc := &models.Escrow{
		ID:           uuid.NewString(),
		RequesterID:  requesterID,
		ProviderID:   p.ProviderID,
		Amount:       p.Amount,
		FeeAmount:    fee,
		TaskID:       p.TaskID,
		TaskType:     p.TaskType,
		GroupID:      groupID,
		DependsOn:    p.DependsOn,
		Deliverables: p.Deliverables,
		Status:       models.EscrowHeld,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}
	if err := tx.Create(esc).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, E(CodeTaskConflict, "An active escrow already exists for this task")
		}
		return nil, err
	}

	label := "unspecified"
	if p.TaskType != nil {
		label = *p.TaskType
	} else if p.TaskID != nil {
		label = *p.TaskID
	}
	if err := appendTransaction(tx, now, &esc.ID, &requesterID, nil, total,
		models.TxEscrowHold, fmt.Sprintf("Escrow for task: %s", label)); err != nil {
		return nil, err
	}
	return esc, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// Release settles a held escrow in favour of the provider. Only the
// requester may release, and every dependency must already be released.
func (e *Engine) Release(ctx context.Context, escrowID, callerID string) (*models.Escrow, error) {
	var (
		out    models.Escrow
		events []pendingEvent
	)
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		expired, err := e.expireStaleHeld(tx)
		if err != nil {
			return err
		}
		events = append(events, expired...)

		esc, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if esc.RequesterID != callerID {
			return E(CodeForbidden, "Only the requester can release an escrow")
		}
		if esc.Status != models.EscrowHeld {
			return E(CodeValidationFailed, "Escrow is already %s", esc.Status)
		}
		if err := e.checkDependenciesReleased(tx, esc); err != nil {
			return err
		}
		if err := e.releaseLocked(tx, esc, nil); err != nil {
			return err
		}
		out = *esc
		events = append(events, pendingEvent{event: "escrow.released", esc: *esc})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, events)
	return &out, nil
}

func (e *Engine) checkDependenciesReleased(tx *gorm.DB, esc *models.Escrow) error {
	for _, dep := range esc.DependsOn {
		var parent models.Escrow
		if err := tx.First(&parent, "id = ?", dep).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return err
		}
		if parent.Status != models.EscrowReleased {
			return E(CodeDependencyUnresolved,
				"Dependency escrow %s is %s; all dependencies must be released first", dep, parent.Status)
		}
	}
	return nil
}

// releaseLocked performs the release accounting for an escrow whose row is
// already locked. strategy is non-nil for operator resolutions.
func (e *Engine) releaseLocked(tx *gorm.DB, esc *models.Escrow, strategy *string) error {
	now := e.now()
	total := esc.TotalHeld()

	reqBal, provBal, err := lockBalancePair(tx, esc.RequesterID, esc.ProviderID)
	if err != nil {
		return err
	}

	reqBal.HeldInEscrow -= total
	reqBal.TotalSpent += total
	provBal.Available += esc.Amount
	provBal.TotalEarned += esc.Amount
	if err := tx.Save(reqBal).Error; err != nil {
		return err
	}
	if err := tx.Save(provBal).Error; err != nil {
		return err
	}

	esc.Status = models.EscrowReleased
	esc.ResolvedAt = &now
	esc.ResolutionStrategy = strategy
	if err := tx.Save(esc).Error; err != nil {
		return err
	}

	if err := appendTransaction(tx, now, &esc.ID, &esc.RequesterID, &esc.ProviderID,
		esc.Amount, models.TxEscrowRelease, "Task completed - payment released"); err != nil {
		return err
	}
	if esc.FeeAmount > 0 {
		if err := appendTransaction(tx, now, &esc.ID, &esc.RequesterID, nil,
			esc.FeeAmount, models.TxFee, "Platform transaction fee"); err != nil {
			return err
		}
	}
	return e.updateProviderReputation(tx, esc.ProviderID, true)
}

func (e *Engine) updateProviderReputation(tx *gorm.DB, providerID string, success bool) error {
	var provider models.Account
	if err := tx.First(&provider, "id = ?", providerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	provider.Reputation = nextReputation(provider.Reputation, success)
	return tx.Save(&provider).Error
}

// Refund returns a held escrow's total to the requester and cascades through
// every held escrow that depends on it.
func (e *Engine) Refund(ctx context.Context, escrowID, callerID string, reason string) (*models.Escrow, error) {
	var (
		out    models.Escrow
		events []pendingEvent
	)
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		expired, err := e.expireStaleHeld(tx)
		if err != nil {
			return err
		}
		events = append(events, expired...)

		esc, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if esc.RequesterID != callerID {
			return E(CodeForbidden, "Only the requester can refund an escrow")
		}
		if esc.Status != models.EscrowHeld {
			return E(CodeValidationFailed, "Escrow is already %s", esc.Status)
		}
		description := reason
		if description == "" {
			description = "Task failed or cancelled"
		}
		if err := e.refundLocked(tx, esc, models.EscrowRefunded, description, true); err != nil {
			return err
		}
		out = *esc
		events = append(events, pendingEvent{event: "escrow.refunded", esc: *esc})

		cascaded, err := e.cascadeRefund(tx, esc.ID)
		if err != nil {
			return err
		}
		events = append(events, cascaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, events)
	return &out, nil
}

// refundLocked returns the escrow's held total to the requester. The caller
// holds the escrow row lock. status selects refunded vs expired.
func (e *Engine) refundLocked(tx *gorm.DB, esc *models.Escrow, status models.EscrowStatus, description string, updateReputation bool) error {
	now := e.now()
	total := esc.TotalHeld()

	bal, err := lockBalance(tx, esc.RequesterID)
	if err != nil {
		return err
	}
	bal.Available += total
	bal.HeldInEscrow -= total
	if err := tx.Save(bal).Error; err != nil {
		return err
	}

	esc.Status = status
	esc.ResolvedAt = &now
	if err := tx.Save(esc).Error; err != nil {
		return err
	}

	if err := appendTransaction(tx, now, &esc.ID, nil, &esc.RequesterID,
		total, models.TxEscrowRefund, description); err != nil {
		return err
	}
	if updateReputation {
		return e.updateProviderReputation(tx, esc.ProviderID, false)
	}
	return nil
}

// cascadeRefund refunds every held escrow whose depends_on contains rootID,
// depth-first in ascending creation order, within the same transaction.
// depends_on forms a DAG by construction; the visited set is a defensive
// guard only.
func (e *Engine) cascadeRefund(tx *gorm.DB, rootID string) ([]pendingEvent, error) {
	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	var events []pendingEvent

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		dependents, err := e.heldDependents(tx, current)
		if err != nil {
			return nil, err
		}
		for _, dep := range dependents {
			if visited[dep.ID] {
				continue
			}
			visited[dep.ID] = true
			esc, err := lockEscrow(tx, dep.ID)
			if err != nil {
				return nil, err
			}
			if esc.Status != models.EscrowHeld {
				continue
			}
			description := fmt.Sprintf("Cascade refund: dependency %s was not fulfilled", current)
			if err := e.refundLocked(tx, esc, models.EscrowRefunded, description, false); err != nil {
				return nil, err
			}
			events = append(events, pendingEvent{event: "escrow.refunded", esc: *esc})
			queue = append(queue, esc.ID)
		}
	}
	return events, nil
}

// heldDependents returns held escrows whose depends_on list contains id,
// oldest first. The JSON list is filtered in memory; candidate rows are
// narrowed to those with a non-null depends_on column.
func (e *Engine) heldDependents(tx *gorm.DB, id string) ([]models.Escrow, error) {
	var candidates []models.Escrow
	if err := tx.
		Where("status = ? AND depends_on IS NOT NULL", models.EscrowHeld).
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	var out []models.Escrow
	for _, esc := range candidates {
		for _, dep := range esc.DependsOn {
			if dep == id {
				out = append(out, esc)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Dispute freezes a held escrow pending mediation. Either party may dispute;
// no balances move.
func (e *Engine) Dispute(ctx context.Context, escrowID, callerID, reason string) (*models.Escrow, error) {
	var (
		out    models.Escrow
		events []pendingEvent
	)
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		esc, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if callerID != esc.RequesterID && callerID != esc.ProviderID {
			return E(CodeForbidden, "Only the requester or provider can dispute an escrow")
		}
		if esc.Status != models.EscrowHeld {
			return E(CodeValidationFailed, "Escrow is already %s", esc.Status)
		}
		now := e.now()
		disputeDeadline := now.Add(e.disputeTTL)
		esc.Status = models.EscrowDisputed
		esc.DisputeReason = &reason
		esc.DisputeExpiresAt = &disputeDeadline
		if err := tx.Save(esc).Error; err != nil {
			return err
		}
		out = *esc
		events = append(events,
			pendingEvent{event: "escrow.disputed", esc: *esc},
			pendingEvent{event: "escrow.dispute_pending_mediation", esc: *esc},
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, events)
	return &out, nil
}

// Resolution outcomes accepted by Resolve.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// Resolve settles a disputed escrow. Only operator accounts may resolve.
func (e *Engine) Resolve(ctx context.Context, escrowID, callerID, resolution string, strategy *string) (*models.Escrow, error) {
	resolution = strings.ToLower(strings.TrimSpace(resolution))
	if resolution != ResolutionRelease && resolution != ResolutionRefund {
		return nil, E(CodeValidationFailed, "Resolution must be release or refund")
	}
	var (
		out    models.Escrow
		events []pendingEvent
	)
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		events = events[:0]
		var caller models.Account
		if err := tx.First(&caller, "id = ?", callerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return E(CodeNotFound, "Caller account not found")
			}
			return err
		}
		if caller.Status != models.StatusOperator {
			return E(CodeForbidden, "Only the exchange operator can resolve disputes")
		}

		esc, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if esc.Status != models.EscrowDisputed {
			return E(CodeValidationFailed, "Escrow is %s, not disputed", esc.Status)
		}
		esc.ResolvedBy = &caller.ID

		switch resolution {
		case ResolutionRelease:
			if err := e.releaseLocked(tx, esc, strategy); err != nil {
				return err
			}
		case ResolutionRefund:
			esc.ResolutionStrategy = strategy
			if err := e.refundLocked(tx, esc, models.EscrowRefunded, "Dispute resolved: refund to requester", true); err != nil {
				return err
			}
			cascaded, err := e.cascadeRefund(tx, esc.ID)
			if err != nil {
				return err
			}
			events = append(events, cascaded...)
		}
		out = *esc
		events = append(events, pendingEvent{event: "escrow.resolved", esc: *esc})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, events)
	return &out, nil
}

// Deposit credits an account's available balance and appends a deposit
// transaction.
func (e *Engine) Deposit(ctx context.Context, accountID string, amount int64, reference string) (*models.Balance, error) {
	if amount <= 0 {
		return nil, E(CodeValidationFailed, "Deposit amount must be positive")
	}
	var out models.Balance
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		bal, err := lockBalance(tx, accountID)
		if err != nil {
			return err
		}
		bal.Available += amount
		if err := tx.Save(bal).Error; err != nil {
			return err
		}
		description := reference
		if description == "" {
			description = "Deposit"
		}
		if err := appendTransaction(tx, e.now(), nil, nil, &accountID, amount,
			models.TxDeposit, description); err != nil {
			return err
		}
		out = *bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Mint credits freshly issued tokens, recording a mint transaction. Used for
// starter allocations at registration and by the seeder.
func (e *Engine) Mint(tx *gorm.DB, accountID string, amount int64, description string) error {
	if amount <= 0 {
		return nil
	}
	return appendTransaction(tx, e.now(), nil, nil, &accountID, amount, models.TxMint, description)
}

// expireStaleHeld refunds held escrows past their TTL before the calling
// operation validates its preconditions, so clients never observe work on an
// escrow that should already have expired. Cascade refunds follow each
// expiry through its dependents.
func (e *Engine) expireStaleHeld(tx *gorm.DB) ([]pendingEvent, error) {
	now := e.now()
	var stale []models.Escrow
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status = ? AND expires_at < ?", models.EscrowHeld, now).
		Order("created_at asc").
		Find(&stale).Error; err != nil {
		return nil, err
	}
	var events []pendingEvent
	for i := range stale {
		esc := stale[i]
		if err := e.refundLocked(tx, &esc, models.EscrowExpired, "Auto-expired: TTL exceeded", false); err != nil {
			return nil, err
		}
		events = append(events, pendingEvent{event: "escrow.expired", esc: esc})
		cascaded, err := e.cascadeRefund(tx, esc.ID)
		if err != nil {
			return nil, err
		}
		events = append(events, cascaded...)
	}
	return events, nil
}

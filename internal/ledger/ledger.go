// Package ledger implements the double-entry Salt balance book: component
// A of the settlement substrate. Every mutation runs inside one store
// transaction, serializing concurrent transfers that touch the same
// balance through sqlite's single-writer model.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"saltdig/internal/config"
	"saltdig/internal/domain"
	"saltdig/internal/events"
	"saltdig/internal/ratelimit"
	"saltdig/internal/repo"
	"saltdig/internal/saltdigerr"
)

type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// Limiter gates preset-named writes (component I); nil in contexts
	// with no shared limiter, such as most test fixtures.
	Limiter *ratelimit.Limiter
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// checkRateLimit enforces the named preset against key when a limiter is
// attached and the preset exists in config; a no-op otherwise.
func (l Ledger) checkRateLimit(preset, key string) error {
	if l.Limiter == nil || l.Config == nil {
		return nil
	}
	p, ok := l.Config.RateLimits[preset]
	if !ok {
		return nil
	}
	d := l.Limiter.Check(preset+":"+key, p.Limit, time.Duration(p.Window)*time.Second)
	if !d.Allowed {
		return saltdigerr.ErrRateLimited
	}
	return nil
}

func (l Ledger) maxTransfer() int64 {
	if l.Config != nil && l.Config.Ledger.MaxTransfer > 0 {
		return l.Config.Ledger.MaxTransfer
	}
	return 10000
}

// Balance returns an agent's current Salt balance.
func (l Ledger) Balance(ctx context.Context, agentID string) (int64, error) {
	a, err := l.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return a.SaltBalance, nil
}

// Transfer moves amount Salt from one agent to another, or issues/burns
// against the system when from/to is empty. Atomic; rejects amount <= 0,
// amount > MAX_TRANSFER, self-transfers, and debits that would go negative.
func (l Ledger) Transfer(ctx context.Context, from, to string, amount int64, kind, description string) (domain.LedgerEntry, error) {
	return l.TransferTx(ctx, nil, from, to, amount, kind, description)
}

// TransferTx performs the transfer inside a caller-supplied transaction when
// tx is non-nil (so compound operations like order-accept or milestone
// approval can couple a transfer to their own state update atomically); it
// opens and commits its own transaction otherwise.
func (l Ledger) TransferTx(ctx context.Context, tx *sql.Tx, from, to string, amount int64, kind, description string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, saltdigerr.InvalidArgument("amount", "must be positive")
	}
	if amount > l.maxTransfer() {
		return domain.LedgerEntry{}, saltdigerr.InvalidArgument("amount", "exceeds max transfer")
	}
	if from != "" && from == to {
		return domain.LedgerEntry{}, saltdigerr.InvalidArgument("to", "self-transfer rejected")
	}

	owned := tx == nil
	if owned {
		var err error
		tx, err = l.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.LedgerEntry{}, err
		}
		defer tx.Rollback()
	}

	if from != "" {
		bal, err := l.Repo.GetAgentBalanceForUpdateTx(ctx, tx, from)
		if err != nil {
			return domain.LedgerEntry{}, err
		}
		if bal < amount {
			return domain.LedgerEntry{}, saltdigerr.ErrInsufficientFunds
		}
		if err := l.Repo.SetAgentBalanceTx(ctx, tx, from, bal-amount); err != nil {
			return domain.LedgerEntry{}, err
		}
	}
	if to != "" {
		bal, err := l.Repo.GetAgentBalanceForUpdateTx(ctx, tx, to)
		if err != nil {
			return domain.LedgerEntry{}, err
		}
		if err := l.Repo.SetAgentBalanceTx(ctx, tx, to, bal+amount); err != nil {
			return domain.LedgerEntry{}, err
		}
	}

	entry := domain.LedgerEntry{
		ID:          uuid.New().String(),
		Amount:      amount,
		Kind:        kind,
		Description: description,
		CreatedAt:   l.now().UTC().Format(time.RFC3339),
	}
	if from != "" {
		entry.FromAgentID = &from
	}
	if to != "" {
		entry.ToAgentID = &to
	}
	if err := l.Repo.InsertLedgerEntryTx(ctx, tx, entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := l.Events.Append(ctx, tx, "ledger.transfer", "", "ledger_entry", entry.ID, actorOf(from, to), events.EventPayload{
		"from": from, "to": to, "amount": amount, "kind": kind,
	}); err != nil {
		return domain.LedgerEntry{}, err
	}
	if owned {
		if err := tx.Commit(); err != nil {
			return domain.LedgerEntry{}, err
		}
	}
	return entry, nil
}

func actorOf(from, to string) string {
	if from != "" {
		return from
	}
	return to
}

// History returns an agent's ledger entries ordered by timestamp descending.
func (l Ledger) History(ctx context.Context, agentID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.Repo.LedgerHistory(ctx, agentID, limit)
}

// RichList returns the highest-balance agents, ordered by balance descending.
func (l Ledger) RichList(ctx context.Context, limit int) ([]domain.Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.Repo.ListAgentsByBalanceDesc(ctx, limit)
}

// RegisterAgent creates a new agent with a zero Salt balance.
func (l Ledger) RegisterAgent(ctx context.Context, id, displayName string) (domain.Agent, error) {
	// keyed globally, not per-id: a fresh registration always carries a new
	// id, so per-id keying could never throttle repeat registration calls.
	if err := l.checkRateLimit("register", "global"); err != nil {
		return domain.Agent{}, err
	}
	a := domain.Agent{
		ID:          id,
		DisplayName: displayName,
		CreatedAt:   l.now().UTC().Format(time.RFC3339),
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := l.Events.Append(ctx, tx, "agent.registered", "", "agent", a.ID, a.ID, events.EventPayload{"display_name": a.DisplayName}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

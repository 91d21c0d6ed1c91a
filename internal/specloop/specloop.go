// Package specloop implements component E: commitment deposits, impact
// analysis over a listing's bounty DAG, and change orders priced against
// that analysis.
package specloop

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"saltdig/internal/bounty"
	"saltdig/internal/config"
	"saltdig/internal/domain"
	"saltdig/internal/eventbus"
	"saltdig/internal/events"
	"saltdig/internal/ledger"
	"saltdig/internal/repo"
	"saltdig/internal/saltdigerr"
)

type Controller struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger ledger.Ledger
	Bounty bounty.Machine
	Now    func() time.Time

	// Bus is the live fan-out feeding listing-scoped subscribers
	// (component H); nil in contexts with no subscriber.
	Bus *eventbus.Bus
}

func New(db *sql.DB, cfg *config.Config, bm bounty.Machine) Controller {
	return Controller{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: ledger.New(db, cfg),
		Bounty: bm,
		Now:    time.Now,
	}
}

// emit forwards a mutation to the event bus's market:<listing_id> topic
// when a bus is attached; a no-op otherwise.
func (c Controller) emit(listingID, kind string, payload events.EventPayload) {
	if c.Bus == nil {
		return
	}
	c.Bus.Emit(eventbus.ListingTopic(listingID), map[string]any{"type": kind, "data": payload})
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Controller) nowString() string {
	return c.now().UTC().Format(time.RFC3339)
}

// CreateSpecDeposit opens a commitment deposit against a listing that is
// still active or clarifying. Salt deposits are debited from the
// depositor immediately; USDC deposits are deferred (see the spec-loop
// Open Question decision) until a deposit-vault contract exists.
func (c Controller) CreateSpecDeposit(ctx context.Context, listingID, depositorID, amount string, currency domain.Currency) (domain.SpecDeposit, error) {
	if currency == domain.USDC {
		return domain.SpecDeposit{}, saltdigerr.InvalidArgument("currency", "USDC spec deposits require a deposit-vault contract not yet wired")
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	defer tx.Rollback()

	l, err := c.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	if l.PosterID != depositorID {
		return domain.SpecDeposit{}, saltdigerr.Forbidden("poster", "create spec deposit")
	}
	if l.Status != domain.ListingActive && l.Status != domain.ListingClarifying {
		return domain.SpecDeposit{}, saltdigerr.InvalidState("listing", l.Status, domain.ListingClarifying)
	}
	if _, err := c.Repo.ActiveSpecDepositForListingTx(ctx, tx, listingID); err == nil {
		return domain.SpecDeposit{}, saltdigerr.ErrConflict
	} else if err != repo.ErrNotFound {
		return domain.SpecDeposit{}, err
	}

	salt, err := parseSaltAmount(amount)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	if _, err := c.Ledger.TransferTx(ctx, tx, depositorID, "", salt, domain.KindSpecReviewPayment, "spec deposit for listing "+listingID); err != nil {
		return domain.SpecDeposit{}, err
	}

	now := c.nowString()
	d := domain.SpecDeposit{
		ID:          uuid.New().String(),
		ListingID:   listingID,
		DepositorID: depositorID,
		Amount:      amount,
		Currency:    currency,
		Consumed:    "0",
		Status:      domain.DepositActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.Repo.InsertSpecDepositTx(ctx, tx, d); err != nil {
		return domain.SpecDeposit{}, err
	}
	if l.Status == domain.ListingActive {
		if err := c.Bounty.EnterClarifying(ctx, tx, listingID, depositorID); err != nil {
			return domain.SpecDeposit{}, err
		}
	}
	if err := c.Events.Append(ctx, tx, "spec_transition", listingID, "spec_deposit", d.ID, depositorID, events.EventPayload{"to": domain.DepositActive, "amount": amount}); err != nil {
		return domain.SpecDeposit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SpecDeposit{}, err
	}
	c.emit(listingID, "spec_transition", events.EventPayload{"deposit_id": d.ID, "to": domain.DepositActive, "amount": amount})
	return d, nil
}

// Consume debits amount against an active deposit's remaining balance
// and pays it out as a spec_review_payment; the deposit's status becomes
// consumed once its full amount has been drawn down.
func (c Controller) Consume(ctx context.Context, depositID, payeeID, reason, amount string) (domain.SpecDeposit, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	defer tx.Rollback()

	d, err := c.Repo.GetSpecDepositTx(ctx, tx, depositID)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	if d.Status != domain.DepositActive {
		return domain.SpecDeposit{}, saltdigerr.InvalidState("spec_deposit", d.Status, domain.DepositConsumed)
	}
	total, err := parseSaltAmount(d.Amount)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	consumed, err := parseSaltAmountZero(d.Consumed)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	draw, err := parseSaltAmount(amount)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	if consumed+draw > total {
		return domain.SpecDeposit{}, saltdigerr.InvalidArgument("amount", "exceeds remaining deposit")
	}

	if d.Currency == domain.Salt {
		if _, err := c.Ledger.TransferTx(ctx, tx, "", payeeID, draw, domain.KindSpecReviewPayment, reason); err != nil {
			return domain.SpecDeposit{}, err
		}
	}

	consumed += draw
	d.Consumed = formatAmount(consumed)
	if consumed == total {
		d.Status = domain.DepositConsumed
	}
	d.UpdatedAt = c.nowString()
	if err := c.Repo.UpdateSpecDepositTx(ctx, tx, d); err != nil {
		return domain.SpecDeposit{}, err
	}
	if err := c.Events.Append(ctx, tx, "spec_transition", d.ListingID, "spec_deposit", d.ID, payeeID, events.EventPayload{"consumed": d.Consumed, "reason": reason}); err != nil {
		return domain.SpecDeposit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SpecDeposit{}, err
	}
	c.emit(d.ListingID, "spec_transition", events.EventPayload{"deposit_id": d.ID, "consumed": d.Consumed, "reason": reason})
	return d, nil
}

// Freeze moves a clarifying listing to frozen, freezes its active
// deposit, and refunds amount-consumed to the depositor.
func (c Controller) Freeze(ctx context.Context, listingID, callerID string) (domain.SpecDeposit, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	defer tx.Rollback()

	l, err := c.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	if l.PosterID != callerID {
		return domain.SpecDeposit{}, saltdigerr.Forbidden("poster", "freeze spec")
	}
	if l.Status != domain.ListingClarifying {
		return domain.SpecDeposit{}, saltdigerr.InvalidState("listing", l.Status, domain.ListingFrozen)
	}
	d, err := c.Repo.ActiveSpecDepositForListingTx(ctx, tx, listingID)
	if err != nil {
		return domain.SpecDeposit{}, err
	}

	total, err := parseSaltAmount(d.Amount)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	consumed, err := parseSaltAmountZero(d.Consumed)
	if err != nil {
		return domain.SpecDeposit{}, err
	}
	refund := total - consumed
	if refund > 0 && d.Currency == domain.Salt {
		if _, err := c.Ledger.TransferTx(ctx, tx, "", d.DepositorID, refund, domain.KindSpecFreezeCredit, "spec deposit refund for listing "+listingID); err != nil {
			return domain.SpecDeposit{}, err
		}
	}

	now := c.nowString()
	d.Status = domain.DepositFrozen
	d.FrozenAt = &now
	d.UpdatedAt = now
	if err := c.Repo.UpdateSpecDepositTx(ctx, tx, d); err != nil {
		return domain.SpecDeposit{}, err
	}
	if err := c.Bounty.Freeze(ctx, tx, listingID, callerID); err != nil {
		return domain.SpecDeposit{}, err
	}
	if err := c.Events.Append(ctx, tx, "spec_transition", listingID, "spec_deposit", d.ID, callerID, events.EventPayload{"to": domain.DepositFrozen, "refund": refund}); err != nil {
		return domain.SpecDeposit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SpecDeposit{}, err
	}
	c.emit(listingID, "spec_transition", events.EventPayload{"deposit_id": d.ID, "to": domain.DepositFrozen, "refund": refund})
	return d, nil
}

// CreateChangeOrder prices a post-freeze scope change against the
// listing's stored bounty DAG.
func (c Controller) CreateChangeOrder(ctx context.Context, listingID, requesterID, description string, affectedNodes []string) (domain.ChangeOrder, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	defer tx.Rollback()

	l, err := c.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if l.Status != domain.ListingFrozen {
		return domain.ChangeOrder{}, saltdigerr.InvalidState("listing", l.Status, "")
	}
	if l.BountyGraphJSON == nil {
		return domain.ChangeOrder{}, saltdigerr.InvalidArgument("listing_id", "listing has no bounty graph")
	}
	var graph domain.BountyGraph
	if err := json.Unmarshal([]byte(*l.BountyGraphJSON), &graph); err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := ValidateDAG(graph); err != nil {
		return domain.ChangeOrder{}, err
	}

	impact := CalculateChangeImpact(graph, affectedNodes)
	now := c.nowString()
	co := domain.ChangeOrder{
		ID:            uuid.New().String(),
		ListingID:     listingID,
		RequesterID:   requesterID,
		Description:   description,
		AffectedNodes: affectedNodes,
		DeltaCost:     formatFloat(math.Ceil(impact.DeltaCost)),
		DeltaCurrency: l.Currency,
		Status:        domain.ChangeOrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.Repo.InsertChangeOrderTx(ctx, tx, co); err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := c.Events.Append(ctx, tx, "spec_transition", listingID, "change_order", co.ID, requesterID, events.EventPayload{"delta_cost": co.DeltaCost, "risk": impact.Risk}); err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeOrder{}, err
	}
	c.emit(listingID, "spec_transition", events.EventPayload{"change_order_id": co.ID, "delta_cost": co.DeltaCost, "risk": impact.Risk})
	return co, nil
}

// ApproveChangeOrder transitions a pending change order to approved.
// Implementing a delta escrow against it is out of the core's scope; a
// later step marks it implemented.
func (c Controller) ApproveChangeOrder(ctx context.Context, changeOrderID, callerID string) (domain.ChangeOrder, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	defer tx.Rollback()

	co, err := c.Repo.GetChangeOrderTx(ctx, tx, changeOrderID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	l, err := c.Repo.GetListingTx(ctx, tx, co.ListingID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if l.PosterID != callerID {
		return domain.ChangeOrder{}, saltdigerr.Forbidden("poster", "approve change order")
	}
	if l.Status != domain.ListingFrozen {
		return domain.ChangeOrder{}, saltdigerr.InvalidState("listing", l.Status, "")
	}
	if co.Status != domain.ChangeOrderPending {
		return domain.ChangeOrder{}, saltdigerr.InvalidState("change_order", co.Status, domain.ChangeOrderApproved)
	}

	now := c.nowString()
	if err := c.Repo.UpdateChangeOrderStatusTx(ctx, tx, co.ID, domain.ChangeOrderApproved, now); err != nil {
		return domain.ChangeOrder{}, err
	}
	co.Status = domain.ChangeOrderApproved
	co.UpdatedAt = now
	if err := c.Events.Append(ctx, tx, "spec_transition", co.ListingID, "change_order", co.ID, callerID, events.EventPayload{"to": domain.ChangeOrderApproved}); err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeOrder{}, err
	}
	c.emit(co.ListingID, "spec_transition", events.EventPayload{"change_order_id": co.ID, "to": domain.ChangeOrderApproved})
	return co, nil
}

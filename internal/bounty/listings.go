// Package bounty implements component C, the authoritative state machine
// for listings, service orders, and USDC transaction records. No other
// package mutates these entities' status columns.
package bounty

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"saltdig/internal/config"
	"saltdig/internal/domain"
	"saltdig/internal/escrow"
	"saltdig/internal/eventbus"
	"saltdig/internal/events"
	"saltdig/internal/ledger"
	"saltdig/internal/ratelimit"
	"saltdig/internal/repo"
	"saltdig/internal/saltdigerr"
)

// Machine owns the listing/order/USDC-record transition tables.
type Machine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Ledger  ledger.Ledger
	Gateway escrow.Gateway
	Config  *config.Config
	Now     func() time.Time

	// Bus is the live fan-out feeding listing-scoped subscribers
	// (component H); nil in contexts with no subscriber, such as a
	// one-shot CLI invocation.
	Bus *eventbus.Bus

	// Limiter gates preset-named writes (component I); nil in contexts
	// with no shared limiter, such as most test fixtures.
	Limiter *ratelimit.Limiter
}

// checkRateLimit enforces the named preset against key when a limiter is
// attached and the preset exists in config; a no-op otherwise.
func (m Machine) checkRateLimit(preset, key string) error {
	if m.Limiter == nil || m.Config == nil {
		return nil
	}
	p, ok := m.Config.RateLimits[preset]
	if !ok {
		return nil
	}
	d := m.Limiter.Check(preset+":"+key, p.Limit, time.Duration(p.Window)*time.Second)
	if !d.Allowed {
		return saltdigerr.ErrRateLimited
	}
	return nil
}

// emit forwards a mutation to the event bus's market:<listing_id> topic
// when a bus is attached; a no-op otherwise.
func (m Machine) emit(listingID, kind string, payload events.EventPayload) {
	if m.Bus == nil {
		return
	}
	m.Bus.Emit(eventbus.ListingTopic(listingID), map[string]any{"type": kind, "data": payload})
}

func New(db *sql.DB, cfg *config.Config, gw escrow.Gateway) Machine {
	return Machine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Ledger:  ledger.New(db, cfg),
		Gateway: gw,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Machine) nowString() string {
	return m.now().UTC().Format(time.RFC3339)
}

// CreateListing creates a new active listing owned by posterID.
func (m Machine) CreateListing(ctx context.Context, posterID, title, description string, currency domain.Currency, price, category, mode string) (domain.Listing, error) {
	if err := m.checkRateLimit("general", posterID); err != nil {
		return domain.Listing{}, err
	}
	if mode != domain.ModeTrade && mode != domain.ModeService {
		return domain.Listing{}, saltdigerr.InvalidArgument("mode", "must be trade or service")
	}
	l := domain.Listing{
		ID:          uuid.New().String(),
		PosterID:    posterID,
		Title:       title,
		Description: description,
		Currency:    currency,
		Price:       price,
		Category:    category,
		Mode:        mode,
		Status:      domain.ListingActive,
		CreatedAt:   m.nowString(),
		UpdatedAt:   m.nowString(),
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.InsertListingTx(ctx, tx, l); err != nil {
		return domain.Listing{}, err
	}
	if err := m.Events.Append(ctx, tx, "listing.created", l.ID, "listing", l.ID, posterID, events.EventPayload{"mode": mode, "currency": string(currency)}); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	m.emit(l.ID, "listing.created", events.EventPayload{"mode": mode, "currency": string(currency)})
	return l, nil
}

// listingTransitions enumerates every legal listing status edge; any pair
// not present here is rejected by transitionListingTx.
var listingTransitions = map[string]map[string]bool{
	domain.ListingActive: {
		domain.ListingClarifying: true,
		domain.ListingCompleted:  true,
		domain.ListingCancelled:  true,
	},
	domain.ListingClarifying: {
		domain.ListingFrozen:    true,
		domain.ListingCancelled: true,
	},
	domain.ListingFrozen: {
		domain.ListingCompleted: true,
		domain.ListingCancelled: true,
	},
}

func (m Machine) transitionListingTx(ctx context.Context, tx *sql.Tx, l domain.Listing, to, actorID string) error {
	if !listingTransitions[l.Status][to] {
		return saltdigerr.InvalidState("listing", l.Status, to)
	}
	updatedAt := m.nowString()
	if err := m.Repo.UpdateListingStatusTx(ctx, tx, l.ID, to, updatedAt); err != nil {
		return err
	}
	return m.Events.Append(ctx, tx, "listing.transition", l.ID, "listing", l.ID, actorID, events.EventPayload{"from": l.Status, "to": to})
}

// CancelListing cancels a listing; only the poster may cancel, and only
// while no worker is committed (no non-terminal order and no claimed
// USDC record).
func (m Machine) CancelListing(ctx context.Context, listingID, callerID string) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l, err := m.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return err
	}
	if l.PosterID != callerID {
		return saltdigerr.Forbidden("poster", "cancel listing")
	}
	if l.Status != domain.ListingActive && l.Status != domain.ListingClarifying && l.Status != domain.ListingFrozen {
		return saltdigerr.InvalidState("listing", l.Status, domain.ListingCancelled)
	}
	if order, err := m.Repo.ActiveOrderForListingTx(ctx, tx, listingID); err == nil {
		_ = order
		return saltdigerr.InvalidState("listing", l.Status, domain.ListingCancelled)
	} else if err != saltdigerr.ErrNotFound && err != repo.ErrNotFound {
		return err
	}
	if u, err := m.Repo.GetUSDCRecordByListingTx(ctx, tx, listingID); err == nil {
		if u.Status != domain.USDCCreated && u.Status != domain.USDCCancelled {
			return saltdigerr.InvalidState("listing", l.Status, domain.ListingCancelled)
		}
	} else if err != repo.ErrNotFound {
		return err
	}
	if err := m.transitionListingTx(ctx, tx, l, domain.ListingCancelled, callerID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.emit(listingID, "listing.transition", events.EventPayload{"from": l.Status, "to": domain.ListingCancelled})
	return nil
}

// EnterClarifying advances a listing from active to clarifying; called by
// the spec-loop component when a deposit is created.
func (m Machine) EnterClarifying(ctx context.Context, tx *sql.Tx, listingID, actorID string) error {
	l, err := m.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return err
	}
	return m.transitionListingTx(ctx, tx, l, domain.ListingClarifying, actorID)
}

// Freeze advances a listing from clarifying to frozen; called by the
// spec-loop component.
func (m Machine) Freeze(ctx context.Context, tx *sql.Tx, listingID, actorID string) error {
	l, err := m.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return err
	}
	return m.transitionListingTx(ctx, tx, l, domain.ListingFrozen, actorID)
}

// CompleteListing advances a listing to completed on an approved terminal
// payout; called by the order/milestone components.
func (m Machine) CompleteListing(ctx context.Context, tx *sql.Tx, listingID, actorID string) error {
	l, err := m.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return err
	}
	return m.transitionListingTx(ctx, tx, l, domain.ListingCompleted, actorID)
}

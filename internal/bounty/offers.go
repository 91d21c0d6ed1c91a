package bounty

import (
	"context"

	"github.com/google/uuid"

	"saltdig/internal/domain"
	"saltdig/internal/events"
	"saltdig/internal/saltdigerr"
)

// offerTransitions enumerates every legal market-offer status edge.
var offerTransitions = map[string]map[string]bool{
	domain.OfferPending: {
		domain.OfferAccepted:  true,
		domain.OfferRejected:  true,
		domain.OfferCountered: true,
	},
}

// CreateOffer opens an advisory offer against an active listing; the
// poster may not offer on their own listing.
func (m Machine) CreateOffer(ctx context.Context, listingID, agentID, text, price string) (domain.MarketOffer, error) {
	if err := m.checkRateLimit("prediction_offer", agentID); err != nil {
		return domain.MarketOffer{}, err
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MarketOffer{}, err
	}
	defer tx.Rollback()

	l, err := m.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return domain.MarketOffer{}, err
	}
	if l.Status != domain.ListingActive {
		return domain.MarketOffer{}, saltdigerr.InvalidState("listing", l.Status, "")
	}
	if l.PosterID == agentID {
		return domain.MarketOffer{}, saltdigerr.InvalidArgument("agent_id", "poster cannot offer on their own listing")
	}

	o := domain.MarketOffer{
		ID:        uuid.New().String(),
		ListingID: listingID,
		AgentID:   agentID,
		Text:      text,
		Price:     price,
		Status:    domain.OfferPending,
		CreatedAt: m.nowString(),
		UpdatedAt: m.nowString(),
	}
	if err := m.Repo.InsertMarketOfferTx(ctx, tx, o); err != nil {
		return domain.MarketOffer{}, err
	}
	if err := m.Events.Append(ctx, tx, "offer", listingID, "market_offer", o.ID, agentID, events.EventPayload{"price": price}); err != nil {
		return domain.MarketOffer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MarketOffer{}, err
	}
	m.emit(listingID, "offer", events.EventPayload{"offer_id": o.ID, "agent_id": agentID, "price": price})
	return o, nil
}

// RespondOffer transitions a pending offer to accepted, rejected, or
// countered; poster-only. Accepting on a Salt listing pays the offer's
// price from the offering agent to the poster and completes the listing,
// mirroring a service order's accept. USDC listings are advisory only —
// no deposit-vault contract backs a market offer's price (see the
// spec-loop Open Question decision), so acceptance there records state
// without moving funds.
func (m Machine) RespondOffer(ctx context.Context, offerID, callerID, to string) (domain.MarketOffer, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MarketOffer{}, err
	}
	defer tx.Rollback()

	o, err := m.Repo.GetMarketOfferTx(ctx, tx, offerID)
	if err != nil {
		return domain.MarketOffer{}, err
	}
	if !offerTransitions[o.Status][to] {
		return domain.MarketOffer{}, saltdigerr.InvalidState("market_offer", o.Status, to)
	}
	l, err := m.Repo.GetListingTx(ctx, tx, o.ListingID)
	if err != nil {
		return domain.MarketOffer{}, err
	}
	if l.PosterID != callerID {
		return domain.MarketOffer{}, saltdigerr.Forbidden("poster", "respond to offer")
	}

	if to == domain.OfferAccepted && l.Currency == domain.Salt {
		amount, perr := parseSaltAmount(o.Price)
		if perr != nil {
			return domain.MarketOffer{}, perr
		}
		if _, err := m.Ledger.TransferTx(ctx, tx, o.AgentID, l.PosterID, amount, domain.KindOfferAccept, "offer "+o.ID+" accepted"); err != nil {
			return domain.MarketOffer{}, err
		}
	}

	updatedAt := m.nowString()
	if err := m.Repo.UpdateMarketOfferStatusTx(ctx, tx, o.ID, to, updatedAt); err != nil {
		return domain.MarketOffer{}, err
	}
	o.Status = to
	o.UpdatedAt = updatedAt

	if to == domain.OfferAccepted {
		if err := m.transitionListingTx(ctx, tx, l, domain.ListingCompleted, callerID); err != nil {
			return domain.MarketOffer{}, err
		}
		if err := m.Repo.IncrementListingCompletedCountTx(ctx, tx, l.ID, updatedAt); err != nil {
			return domain.MarketOffer{}, err
		}
	}

	if err := m.Events.Append(ctx, tx, "offer_response", o.ListingID, "market_offer", o.ID, callerID, events.EventPayload{"to": to}); err != nil {
		return domain.MarketOffer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MarketOffer{}, err
	}
	m.emit(o.ListingID, "offer_response", events.EventPayload{"offer_id": o.ID, "to": to})
	return o, nil
}

package bounty

import (
	"context"

	"github.com/google/uuid"

	"saltdig/internal/domain"
	"saltdig/internal/events"
	"saltdig/internal/repo"
	"saltdig/internal/saltdigerr"
)

// orderTransitions enumerates every legal service-order status edge.
var orderTransitions = map[string]map[string]bool{
	domain.OrderPending: {
		domain.OrderInProgress: true,
		domain.OrderDelivered:  true,
		domain.OrderCancelled:  true,
	},
	domain.OrderInProgress: {
		domain.OrderDelivered: true,
		domain.OrderDisputed:  true,
	},
	domain.OrderDelivered: {
		domain.OrderAccepted: true,
		domain.OrderDisputed: true,
	},
}

// CreateOrder opens a service order for buyerID against a service-mode
// listing; rejects if another non-terminal order already exists.
func (m Machine) CreateOrder(ctx context.Context, listingID, buyerID string) (domain.ServiceOrder, error) {
	if err := m.checkRateLimit("general", buyerID); err != nil {
		return domain.ServiceOrder{}, err
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	defer tx.Rollback()

	l, err := m.Repo.GetListingTx(ctx, tx, listingID)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	if l.Mode != domain.ModeService {
		return domain.ServiceOrder{}, saltdigerr.InvalidArgument("listing_id", "not a service listing")
	}
	if l.Status != domain.ListingActive {
		return domain.ServiceOrder{}, saltdigerr.InvalidState("listing", l.Status, "")
	}
	if l.PosterID == buyerID {
		return domain.ServiceOrder{}, saltdigerr.InvalidArgument("buyer_id", "poster cannot order their own listing")
	}
	if _, err := m.Repo.ActiveOrderForListingTx(ctx, tx, listingID); err == nil {
		return domain.ServiceOrder{}, saltdigerr.ErrConflict
	} else if err != repo.ErrNotFound {
		return domain.ServiceOrder{}, err
	}

	o := domain.ServiceOrder{
		ID:        uuid.New().String(),
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  l.PosterID,
		Price:     l.Price,
		Status:    domain.OrderPending,
		CreatedAt: m.nowString(),
		UpdatedAt: m.nowString(),
	}
	if err := m.Repo.InsertServiceOrderTx(ctx, tx, o); err != nil {
		return domain.ServiceOrder{}, err
	}
	if l.Currency == domain.Salt {
		amount, perr := parseSaltAmount(o.Price)
		if perr != nil {
			return domain.ServiceOrder{}, perr
		}
		if _, err := m.Ledger.TransferTx(ctx, tx, buyerID, "", amount, domain.KindOrderEscrow, "order "+o.ID+" opened"); err != nil {
			return domain.ServiceOrder{}, err
		}
	}
	if err := m.Events.Append(ctx, tx, "order_transition", listingID, "service_order", o.ID, buyerID, events.EventPayload{"to": domain.OrderPending}); err != nil {
		return domain.ServiceOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceOrder{}, err
	}
	m.emit(listingID, "order_transition", events.EventPayload{"order_id": o.ID, "to": domain.OrderPending})
	return o, nil
}

// StartOrder transitions pending -> in_progress; seller-only.
func (m Machine) StartOrder(ctx context.Context, orderID, callerID string) (domain.ServiceOrder, error) {
	return m.transitionOrder(ctx, orderID, domain.OrderInProgress, callerID, func(o domain.ServiceOrder) error {
		if o.SellerID != callerID {
			return saltdigerr.Forbidden("seller", "start order")
		}
		return nil
	}, nil)
}

// DeliverOrder transitions pending|in_progress -> delivered; seller-only,
// response required.
func (m Machine) DeliverOrder(ctx context.Context, orderID, callerID, response string) (domain.ServiceOrder, error) {
	if response == "" {
		return domain.ServiceOrder{}, saltdigerr.InvalidArgument("response", "required")
	}
	return m.transitionOrder(ctx, orderID, domain.OrderDelivered, callerID, func(o domain.ServiceOrder) error {
		if o.SellerID != callerID {
			return saltdigerr.Forbidden("seller", "deliver order")
		}
		return nil
	}, func(o *domain.ServiceOrder) {
		o.Response = &response
	})
}

// DisputeOrder transitions delivered|in_progress -> disputed; either party.
func (m Machine) DisputeOrder(ctx context.Context, orderID, callerID string) (domain.ServiceOrder, error) {
	return m.transitionOrder(ctx, orderID, domain.OrderDisputed, callerID, func(o domain.ServiceOrder) error {
		if o.BuyerID != callerID && o.SellerID != callerID {
			return saltdigerr.Forbidden("participant", "dispute order")
		}
		return nil
	}, nil)
}

// CancelOrder transitions pending -> cancelled; either party. Refunds the
// buyer's escrowed Salt, since a pending order never reached payout.
func (m Machine) CancelOrder(ctx context.Context, orderID, callerID string) (domain.ServiceOrder, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	defer tx.Rollback()

	o, err := m.Repo.GetServiceOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	if !orderTransitions[o.Status][domain.OrderCancelled] {
		return domain.ServiceOrder{}, saltdigerr.InvalidState("service_order", o.Status, domain.OrderCancelled)
	}
	if o.BuyerID != callerID && o.SellerID != callerID {
		return domain.ServiceOrder{}, saltdigerr.Forbidden("participant", "cancel order")
	}
	l, err := m.Repo.GetListingTx(ctx, tx, o.ListingID)
	if err != nil {
		return domain.ServiceOrder{}, err
	}

	from := o.Status
	o.Status = domain.OrderCancelled
	o.UpdatedAt = m.nowString()
	if err := m.Repo.UpdateServiceOrderTx(ctx, tx, o); err != nil {
		return domain.ServiceOrder{}, err
	}

	if l.Currency == domain.Salt {
		amount, perr := parseSaltAmount(o.Price)
		if perr != nil {
			return domain.ServiceOrder{}, perr
		}
		if _, err := m.Ledger.TransferTx(ctx, tx, "", o.BuyerID, amount, domain.KindOrderEscrow, "order "+o.ID+" cancelled"); err != nil {
			return domain.ServiceOrder{}, err
		}
	}

	if err := m.Events.Append(ctx, tx, "order_transition", o.ListingID, "service_order", o.ID, callerID, events.EventPayload{"from": from, "to": domain.OrderCancelled}); err != nil {
		return domain.ServiceOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceOrder{}, err
	}
	m.emit(o.ListingID, "order_transition", events.EventPayload{"order_id": o.ID, "from": from, "to": domain.OrderCancelled})
	return o, nil
}

func (m Machine) transitionOrder(ctx context.Context, orderID, to, callerID string, guard func(domain.ServiceOrder) error, mutate func(*domain.ServiceOrder)) (domain.ServiceOrder, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	defer tx.Rollback()

	o, err := m.Repo.GetServiceOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	if !orderTransitions[o.Status][to] {
		return domain.ServiceOrder{}, saltdigerr.InvalidState("service_order", o.Status, to)
	}
	if err := guard(o); err != nil {
		return domain.ServiceOrder{}, err
	}
	from := o.Status
	o.Status = to
	o.UpdatedAt = m.nowString()
	if mutate != nil {
		mutate(&o)
	}
	if err := m.Repo.UpdateServiceOrderTx(ctx, tx, o); err != nil {
		return domain.ServiceOrder{}, err
	}
	if err := m.Events.Append(ctx, tx, "order_transition", o.ListingID, "service_order", o.ID, callerID, events.EventPayload{"from": from, "to": to}); err != nil {
		return domain.ServiceOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceOrder{}, err
	}
	m.emit(o.ListingID, "order_transition", events.EventPayload{"order_id": o.ID, "from": from, "to": to})
	return o, nil
}

// AcceptOrder transitions delivered -> accepted: buyer-only, triggers the
// Salt payout, marks the listing completed, and increments its
// completed_count, all inside one transaction.
func (m Machine) AcceptOrder(ctx context.Context, orderID, callerID string) (domain.ServiceOrder, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	defer tx.Rollback()

	o, err := m.Repo.GetServiceOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	if !orderTransitions[o.Status][domain.OrderAccepted] {
		return domain.ServiceOrder{}, saltdigerr.InvalidState("service_order", o.Status, domain.OrderAccepted)
	}
	if o.BuyerID != callerID {
		return domain.ServiceOrder{}, saltdigerr.Forbidden("buyer", "accept order")
	}
	l, err := m.Repo.GetListingTx(ctx, tx, o.ListingID)
	if err != nil {
		return domain.ServiceOrder{}, err
	}

	from := o.Status
	o.Status = domain.OrderAccepted
	o.UpdatedAt = m.nowString()
	if err := m.Repo.UpdateServiceOrderTx(ctx, tx, o); err != nil {
		return domain.ServiceOrder{}, err
	}

	if l.Currency == domain.Salt {
		amount, perr := parseSaltAmount(o.Price)
		if perr != nil {
			return domain.ServiceOrder{}, perr
		}
		if _, err := m.Ledger.TransferTx(ctx, tx, "", o.SellerID, amount, domain.KindOrderPayout, "order "+o.ID+" accepted"); err != nil {
			return domain.ServiceOrder{}, err
		}
	}

	if err := m.transitionListingTx(ctx, tx, l, domain.ListingCompleted, callerID); err != nil {
		return domain.ServiceOrder{}, err
	}
	if err := m.Repo.IncrementListingCompletedCountTx(ctx, tx, l.ID, m.nowString()); err != nil {
		return domain.ServiceOrder{}, err
	}
	if err := m.Events.Append(ctx, tx, "order_transition", o.ListingID, "service_order", o.ID, callerID, events.EventPayload{"from": from, "to": domain.OrderAccepted}); err != nil {
		return domain.ServiceOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceOrder{}, err
	}
	m.emit(o.ListingID, "order_transition", events.EventPayload{"order_id": o.ID, "from": from, "to": domain.OrderAccepted})
	return o, nil
}

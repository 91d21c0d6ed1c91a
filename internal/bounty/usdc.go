package bounty

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"saltdig/internal/domain"
	"saltdig/internal/escrow"
	"saltdig/internal/events"
	"saltdig/internal/repo"
	"saltdig/internal/saltdigerr"
)

// usdcTransitions enumerates every legal USDC-record status edge; the ∅
// (none) starting state is handled by CreateUSDCBounty directly.
var usdcTransitions = map[string]map[string]bool{
	domain.USDCCreated: {
		domain.USDCClaimed:   true,
		domain.USDCCancelled: true,
	},
	domain.USDCClaimed: {
		domain.USDCSubmitted: true,
	},
	domain.USDCSubmitted: {
		domain.USDCApproved:     true,
		domain.USDCDisputed:     true,
		domain.USDCAutoReleased: true,
	},
}

const usdcDecimals = 6

// toBaseUnits converts a human decimal amount string into the contract's
// six-decimal integer base units.
func toBaseUnits(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil || d.Sign() <= 0 {
		return nil, saltdigerr.InvalidArgument("amount", "not a positive decimal")
	}
	scaled := d.Shift(usdcDecimals)
	if !scaled.IsInteger() {
		return nil, saltdigerr.InvalidArgument("amount", "exceeds six decimal precision")
	}
	return scaled.BigInt(), nil
}

func fromBaseUnits(v *big.Int) string {
	return decimal.NewFromBigInt(v, -usdcDecimals).String()
}

// stakeOf returns the worker's 10% collateral for a given bounty amount.
func stakeOf(amount *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(amount, big.NewInt(10)), big.NewInt(100))
}

// CreateUSDCBounty locks amount USDC on-chain for listingID and opens the
// shadow record. Poster-only.
func (m Machine) CreateUSDCBounty(ctx context.Context, listingID, callerID string, signer escrow.Signer, amount string, deadline int64) (domain.USDCTransactionRecord, error) {
	l, err := m.Repo.GetListing(ctx, listingID)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if l.PosterID != callerID {
		return domain.USDCTransactionRecord{}, saltdigerr.Forbidden("poster", "create bounty")
	}
	if l.Currency != domain.USDC {
		return domain.USDCTransactionRecord{}, saltdigerr.InvalidArgument("listing_id", "not a USDC listing")
	}
	if _, err := m.Repo.GetUSDCRecordByListing(ctx, listingID); err == nil {
		return domain.USDCTransactionRecord{}, saltdigerr.ErrConflict
	} else if err != repo.ErrNotFound {
		return domain.USDCTransactionRecord{}, err
	}

	base, err := toBaseUnits(amount)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	txHash, err := m.Gateway.CreateBounty(ctx, signer, listingID, base, deadline)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}

	hash := m.Gateway.ComputeBountyHash(listingID)
	u := domain.USDCTransactionRecord{
		ID:          uuid.New().String(),
		ListingID:   listingID,
		BountyHash:  fmt.Sprintf("0x%x", hash),
		PosterID:    callerID,
		Amount:      amount,
		WorkerStake: fromBaseUnits(stakeOf(base)),
		Status:      domain.USDCCreated,
		LastTxHash:  &txHash,
		CreatedAt:   m.nowString(),
		UpdatedAt:   m.nowString(),
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.InsertUSDCRecordTx(ctx, tx, u); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if err := m.Events.Append(ctx, tx, "escrow_transition", listingID, "usdc_record", u.ID, callerID, events.EventPayload{"to": domain.USDCCreated, "tx_hash": txHash}); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	return u, nil
}

// ClaimUSDCBounty claims an open bounty; non-poster with a wallet, stakes
// 10% collateral on-chain.
func (m Machine) ClaimUSDCBounty(ctx context.Context, listingID, callerID string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
	u, err := m.Repo.GetUSDCRecordByListing(ctx, listingID)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if callerID == u.PosterID {
		return domain.USDCTransactionRecord{}, saltdigerr.Forbidden("non-poster", "claim bounty")
	}
	if signer == nil {
		return domain.USDCTransactionRecord{}, saltdigerr.InvalidArgument("signer", "worker has no wallet configured")
	}
	return m.onChainTransition(ctx, u, domain.USDCClaimed, callerID, func(hash [32]byte) (string, error) {
		base, err := toBaseUnits(u.Amount)
		if err != nil {
			return "", err
		}
		return m.Gateway.ClaimBounty(ctx, signer, hash, stakeOf(base))
	}, func(rec *domain.USDCTransactionRecord) {
		rec.WorkerID = &callerID
	})
}

// SubmitUSDCBounty marks the bounty submitted; worker-only.
func (m Machine) SubmitUSDCBounty(ctx context.Context, listingID, callerID string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
	u, err := m.Repo.GetUSDCRecordByListing(ctx, listingID)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if u.WorkerID == nil || *u.WorkerID != callerID {
		return domain.USDCTransactionRecord{}, saltdigerr.Forbidden("worker", "submit bounty")
	}
	return m.onChainTransition(ctx, u, domain.USDCSubmitted, callerID, func(hash [32]byte) (string, error) {
		return m.Gateway.SubmitBounty(ctx, signer, hash)
	}, func(rec *domain.USDCTransactionRecord) {
		now := m.nowString()
		rec.SubmittedAt = &now
	})
}

// ApproveUSDCBounty releases the bounty to the worker; poster-only.
func (m Machine) ApproveUSDCBounty(ctx context.Context, listingID, callerID string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
	u, err := m.Repo.GetUSDCRecordByListing(ctx, listingID)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if u.PosterID != callerID {
		return domain.USDCTransactionRecord{}, saltdigerr.Forbidden("poster", "approve bounty")
	}
	return m.onChainTransitionTerminal(ctx, u, domain.USDCApproved, callerID, func(hash [32]byte) (string, error) {
		return m.Gateway.ApproveBounty(ctx, signer, hash)
	}, nil)
}

// DisputeUSDCBounty flags the bounty disputed; either party.
func (m Machine) DisputeUSDCBounty(ctx context.Context, listingID, callerID string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
	u, err := m.Repo.GetUSDCRecordByListing(ctx, listingID)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if callerID != u.PosterID && (u.WorkerID == nil || *u.WorkerID != callerID) {
		return domain.USDCTransactionRecord{}, saltdigerr.Forbidden("participant", "dispute bounty")
	}
	return m.onChainTransition(ctx, u, domain.USDCDisputed, callerID, func(hash [32]byte) (string, error) {
		return m.Gateway.DisputeBounty(ctx, signer, hash)
	}, nil)
}

// CancelUSDCBounty cancels an unclaimed bounty; poster-only.
func (m Machine) CancelUSDCBounty(ctx context.Context, listingID, callerID string, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
	u, err := m.Repo.GetUSDCRecordByListing(ctx, listingID)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if u.PosterID != callerID {
		return domain.USDCTransactionRecord{}, saltdigerr.Forbidden("poster", "cancel bounty")
	}
	return m.onChainTransitionTerminal(ctx, u, domain.USDCCancelled, callerID, func(hash [32]byte) (string, error) {
		return m.Gateway.CancelBounty(ctx, signer, hash)
	}, nil)
}

// AutoReleaseUSDCBounty is the reconciler's write path: anyone may call it,
// idempotent, and timeout-gated by the caller (component G).
func (m Machine) AutoReleaseUSDCBounty(ctx context.Context, u domain.USDCTransactionRecord, signer escrow.Signer) (domain.USDCTransactionRecord, error) {
	return m.onChainTransitionTerminal(ctx, u, domain.USDCAutoReleased, "reconciler", func(hash [32]byte) (string, error) {
		return m.Gateway.AutoRelease(ctx, signer, hash)
	}, nil)
}

// onChainTransition performs an on-chain call before touching the
// database: if the call fails the record is left at its previous status
// exactly as written and the failure is returned untouched.
func (m Machine) onChainTransition(ctx context.Context, u domain.USDCTransactionRecord, to, actorID string, call func(hash [32]byte) (string, error), mutate func(*domain.USDCTransactionRecord)) (domain.USDCTransactionRecord, error) {
	if !usdcTransitions[u.Status][to] {
		return domain.USDCTransactionRecord{}, saltdigerr.InvalidState("usdc_record", u.Status, to)
	}
	var hash [32]byte
	copy(hash[:], decodeBountyHash(u.BountyHash))
	txHash, err := call(hash)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	defer tx.Rollback()

	from := u.Status
	u.Status = to
	u.LastTxHash = &txHash
	u.UpdatedAt = m.nowString()
	if mutate != nil {
		mutate(&u)
	}
	if err := m.Repo.UpdateUSDCRecordTx(ctx, tx, u); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if err := m.Events.Append(ctx, tx, "escrow_transition", u.ListingID, "usdc_record", u.ID, actorID, events.EventPayload{"from": from, "to": to, "tx_hash": txHash}); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	m.emit(u.ListingID, "escrow_transition", events.EventPayload{"usdc_record_id": u.ID, "from": from, "to": to})
	return u, nil
}

// onChainTransitionTerminal is onChainTransition plus completing the
// parent listing when the bounty reaches a payout-bearing terminal state.
func (m Machine) onChainTransitionTerminal(ctx context.Context, u domain.USDCTransactionRecord, to, actorID string, call func(hash [32]byte) (string, error), mutate func(*domain.USDCTransactionRecord)) (domain.USDCTransactionRecord, error) {
	if !usdcTransitions[u.Status][to] {
		return domain.USDCTransactionRecord{}, saltdigerr.InvalidState("usdc_record", u.Status, to)
	}
	var hash [32]byte
	copy(hash[:], decodeBountyHash(u.BountyHash))
	txHash, err := call(hash)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	defer tx.Rollback()

	from := u.Status
	u.Status = to
	u.LastTxHash = &txHash
	u.UpdatedAt = m.nowString()
	if to == domain.USDCApproved || to == domain.USDCAutoReleased {
		now := m.nowString()
		u.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&u)
	}
	if err := m.Repo.UpdateUSDCRecordTx(ctx, tx, u); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if to == domain.USDCApproved || to == domain.USDCAutoReleased {
		l, err := m.Repo.GetListingTx(ctx, tx, u.ListingID)
		if err != nil {
			return domain.USDCTransactionRecord{}, err
		}
		if l.Status == domain.ListingActive || l.Status == domain.ListingFrozen {
			if err := m.transitionListingTx(ctx, tx, l, domain.ListingCompleted, actorID); err != nil {
				return domain.USDCTransactionRecord{}, err
			}
			if err := m.Repo.IncrementListingCompletedCountTx(ctx, tx, l.ID, m.nowString()); err != nil {
				return domain.USDCTransactionRecord{}, err
			}
		}
	}
	if to == domain.USDCCancelled {
		l, err := m.Repo.GetListingTx(ctx, tx, u.ListingID)
		if err != nil {
			return domain.USDCTransactionRecord{}, err
		}
		if l.Status != domain.ListingCancelled {
			if err := m.transitionListingTx(ctx, tx, l, domain.ListingCancelled, actorID); err != nil {
				return domain.USDCTransactionRecord{}, err
			}
		}
	}
	if err := m.Events.Append(ctx, tx, "escrow_transition", u.ListingID, "usdc_record", u.ID, actorID, events.EventPayload{"from": from, "to": to, "tx_hash": txHash}); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	m.emit(u.ListingID, "escrow_transition", events.EventPayload{"usdc_record_id": u.ID, "from": from, "to": to})
	return u, nil
}

// SyncUSDCStatus advances the shadow record to a status already observed
// on-chain, without issuing a new contract call. Drift correction must
// never re-invoke a mutating transition against a bounty whose on-chain
// state has already moved past the one that triggered the scan: the
// fixed-ABI contract would simply revert a second approve/dispute/cancel
// on an already-terminal bounty.
func (m Machine) SyncUSDCStatus(ctx context.Context, listingID, to, actorID string) (domain.USDCTransactionRecord, error) {
	u, err := m.Repo.GetUSDCRecordByListing(ctx, listingID)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if !usdcTransitions[u.Status][to] {
		return domain.USDCTransactionRecord{}, saltdigerr.InvalidState("usdc_record", u.Status, to)
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	defer tx.Rollback()

	from := u.Status
	u.Status = to
	u.UpdatedAt = m.nowString()
	if to == domain.USDCApproved || to == domain.USDCAutoReleased {
		now := m.nowString()
		u.CompletedAt = &now
	}
	if err := m.Repo.UpdateUSDCRecordTx(ctx, tx, u); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if to == domain.USDCApproved || to == domain.USDCAutoReleased {
		l, err := m.Repo.GetListingTx(ctx, tx, u.ListingID)
		if err != nil {
			return domain.USDCTransactionRecord{}, err
		}
		if l.Status == domain.ListingActive || l.Status == domain.ListingFrozen {
			if err := m.transitionListingTx(ctx, tx, l, domain.ListingCompleted, actorID); err != nil {
				return domain.USDCTransactionRecord{}, err
			}
			if err := m.Repo.IncrementListingCompletedCountTx(ctx, tx, l.ID, m.nowString()); err != nil {
				return domain.USDCTransactionRecord{}, err
			}
		}
	}
	if to == domain.USDCCancelled {
		l, err := m.Repo.GetListingTx(ctx, tx, u.ListingID)
		if err != nil {
			return domain.USDCTransactionRecord{}, err
		}
		if l.Status != domain.ListingCancelled {
			if err := m.transitionListingTx(ctx, tx, l, domain.ListingCancelled, actorID); err != nil {
				return domain.USDCTransactionRecord{}, err
			}
		}
	}
	if err := m.Events.Append(ctx, tx, "escrow_transition", u.ListingID, "usdc_record", u.ID, actorID, events.EventPayload{"from": from, "to": to, "drift_corrected": true}); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.USDCTransactionRecord{}, err
	}
	m.emit(u.ListingID, "escrow_transition", events.EventPayload{"usdc_record_id": u.ID, "from": from, "to": to, "drift_corrected": true})
	return u, nil
}

func decodeBountyHash(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	b, _ := hex.DecodeString(s)
	return b
}

// Package reconciler implements component G: a periodic job that finds
// submitted on-chain bounties past their auto-release timeout, corrects
// drift against the chain, and triggers release.
package reconciler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"saltdig/internal/bounty"
	"saltdig/internal/config"
	"saltdig/internal/domain"
	"saltdig/internal/escrow"
	"saltdig/internal/repo"
)

// Failure records one bounty's reconciliation error without aborting the
// rest of the batch.
type Failure struct {
	ListingID string
	Err       error
}

// Result is one reconciliation pass's outcome.
type Result struct {
	Scanned   int
	Released  int
	Corrected int
	Failures  []Failure
}

type Reconciler struct {
	Repo             repo.Repo
	Bounty           bounty.Machine
	Gateway          escrow.Gateway
	Signer           escrow.Signer
	AutoReleaseAfter time.Duration
	Now              func() time.Time
}

func New(r repo.Repo, bm bounty.Machine, gw escrow.Gateway, signer escrow.Signer, cfg *config.Config) Reconciler {
	after := 72 * time.Hour
	if cfg != nil && cfg.Reconciler.AutoReleaseSeconds > 0 {
		after = time.Duration(cfg.Reconciler.AutoReleaseSeconds) * time.Second
	}
	return Reconciler{
		Repo:             r,
		Bounty:           bm,
		Gateway:          gw,
		Signer:           signer,
		AutoReleaseAfter: after,
		Now:              time.Now,
	}
}

func (rc Reconciler) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now()
}

// Authorize compares the caller-supplied secret against the configured
// CRON_SECRET in constant time.
func Authorize(provided, configured string) bool {
	if len(provided) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// Run executes one reconciliation pass. Per-bounty failures are isolated
// and collected rather than aborting the batch; the loop is cancellable
// between bounties but never mid-call.
func (rc Reconciler) Run(ctx context.Context) Result {
	var result Result
	records, err := rc.Repo.ListUSDCRecordsByStatus(ctx, domain.USDCSubmitted)
	if err != nil {
		result.Failures = append(result.Failures, Failure{Err: err})
		return result
	}
	result.Scanned = len(records)

	for _, rec := range records {
		select {
		case <-ctx.Done():
			result.Failures = append(result.Failures, Failure{ListingID: rec.ListingID, Err: ctx.Err()})
			return result
		default:
		}

		if err := rc.reconcileOne(ctx, rec, &result); err != nil {
			result.Failures = append(result.Failures, Failure{ListingID: rec.ListingID, Err: err})
		}
	}
	return result
}

func (rc Reconciler) reconcileOne(ctx context.Context, rec domain.USDCTransactionRecord, result *Result) error {
	var hash [32]byte
	copy(hash[:], decodeHash(rec.BountyHash))

	onChain, err := rc.Gateway.GetBounty(ctx, hash)
	if err != nil {
		return err
	}

	if onChain.Status != escrow.StatusSubmitted {
		if err := rc.correctDrift(ctx, rec, onChain); err != nil {
			return err
		}
		result.Corrected++
		return nil
	}

	deadline := time.Unix(onChain.SubmittedAt, 0).Add(rc.AutoReleaseAfter)
	if rc.now().Before(deadline) {
		return nil
	}

	if _, err := rc.Bounty.AutoReleaseUSDCBounty(ctx, rec, rc.Signer); err != nil {
		return err
	}
	result.Released++
	return nil
}

// correctDrift advances the shadow record to match an on-chain status that
// no longer matches its own (e.g. observed via an out-of-band path). This
// is a database-only correction: the on-chain state has already moved, so
// re-issuing the write that produced it would just revert against the
// fixed-ABI contract.
func (rc Reconciler) correctDrift(ctx context.Context, rec domain.USDCTransactionRecord, onChain escrow.OnChainBounty) error {
	switch onChain.Status {
	case escrow.StatusApproved:
		_, err := rc.Bounty.SyncUSDCStatus(ctx, rec.ListingID, domain.USDCApproved, rec.PosterID)
		return err
	case escrow.StatusDisputed:
		_, err := rc.Bounty.SyncUSDCStatus(ctx, rec.ListingID, domain.USDCDisputed, rec.PosterID)
		return err
	case escrow.StatusCancelled:
		_, err := rc.Bounty.SyncUSDCStatus(ctx, rec.ListingID, domain.USDCCancelled, rec.PosterID)
		return err
	case escrow.StatusAutoReleased:
		_, err := rc.Bounty.SyncUSDCStatus(ctx, rec.ListingID, domain.USDCAutoReleased, rec.PosterID)
		return err
	default:
		return nil
	}
}

func decodeHash(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	b, _ := hex.DecodeString(s)
	return b
}

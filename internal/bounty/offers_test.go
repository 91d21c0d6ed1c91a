package bounty_test

import (
	"testing"

	"saltdig/internal/domain"
	"saltdig/internal/ratelimit"
	"saltdig/internal/saltdigerr"
)

func TestCreateOfferRejectsOverPredictionOfferPreset(t *testing.T) {
	env := newTestEnv(t)
	env.Machine.Limiter = ratelimit.New()
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "40", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}

	limit := env.Machine.Config.RateLimits["prediction_offer"].Limit
	for i := 0; i < limit; i++ {
		if _, err := env.Machine.CreateOffer(env.Ctx, l.ID, "worker", "offer text", "30"); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
	}
	if _, err := env.Machine.CreateOffer(env.Ctx, l.ID, "worker", "offer text", "30"); err != saltdigerr.ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestOfferAcceptPaysOutOnSaltListing(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "40", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}

	o, err := env.Machine.CreateOffer(env.Ctx, l.ID, "worker", "I can do this for less", "30")
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if o.Status != domain.OfferPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}

	// accepting pays the offer price from the offering agent to the poster
	if _, err := env.Machine.Ledger.Transfer(env.Ctx, "", "worker", 100, domain.KindIssuance, "seed"); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	o, err = env.Machine.RespondOffer(env.Ctx, o.ID, "poster", domain.OfferAccepted)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if o.Status != domain.OfferAccepted {
		t.Fatalf("status = %s, want accepted", o.Status)
	}

	bal, err := env.Machine.Ledger.Balance(env.Ctx, "worker")
	if err != nil || bal != 70 {
		t.Fatalf("worker balance = %d, %v; want 70", bal, err)
	}
	posterBal, err := env.Machine.Ledger.Balance(env.Ctx, "poster")
	if err != nil || posterBal != 30 {
		t.Fatalf("poster balance = %d, %v; want 30", posterBal, err)
	}

	listing, err := env.Machine.Repo.GetListing(env.Ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if listing.Status != domain.ListingCompleted {
		t.Fatalf("listing status = %s, want completed", listing.Status)
	}
	if listing.CompletedCount != 1 {
		t.Fatalf("completed_count = %d, want 1", listing.CompletedCount)
	}
}

func TestOfferAcceptOnUSDCListingDoesNotMoveFunds(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.USDC, "40.00", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}

	o, err := env.Machine.CreateOffer(env.Ctx, l.ID, "worker", "offer text", "30.00")
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	o, err = env.Machine.RespondOffer(env.Ctx, o.ID, "poster", domain.OfferAccepted)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if o.Status != domain.OfferAccepted {
		t.Fatalf("status = %s, want accepted", o.Status)
	}

	bal, err := env.Machine.Ledger.Balance(env.Ctx, "worker")
	if err != nil || bal != 0 {
		t.Fatalf("worker balance = %d, %v; want 0 for an advisory USDC offer", bal, err)
	}

	listing, err := env.Machine.Repo.GetListing(env.Ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if listing.Status != domain.ListingCompleted {
		t.Fatalf("listing status = %s, want completed", listing.Status)
	}
}

func TestOfferRejectLeavesListingActive(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "40", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	o, err := env.Machine.CreateOffer(env.Ctx, l.ID, "worker", "offer text", "30")
	if err != nil {
		t.Fatal(err)
	}
	o, err = env.Machine.RespondOffer(env.Ctx, o.ID, "poster", domain.OfferRejected)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if o.Status != domain.OfferRejected {
		t.Fatalf("status = %s, want rejected", o.Status)
	}
	listing, err := env.Machine.Repo.GetListing(env.Ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if listing.Status != domain.ListingActive {
		t.Fatalf("listing status = %s, want still active after a rejected offer", listing.Status)
	}
}

func TestPosterCannotOfferOnOwnListing(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "40", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.CreateOffer(env.Ctx, l.ID, "poster", "offer text", "30"); err == nil {
		t.Fatalf("expected error for poster offering on their own listing")
	}
}

func TestNonPosterCannotRespondToOffer(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "40", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	o, err := env.Machine.CreateOffer(env.Ctx, l.ID, "worker", "offer text", "30")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.RespondOffer(env.Ctx, o.ID, "worker", domain.OfferAccepted); err == nil {
		t.Fatalf("expected forbidden error for non-poster response")
	}
}

func TestRespondOfferRejectsInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "40", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	o, err := env.Machine.CreateOffer(env.Ctx, l.ID, "worker", "offer text", "30")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.RespondOffer(env.Ctx, o.ID, "poster", domain.OfferRejected); err != nil {
		t.Fatal(err)
	}
	// offer is now terminal; a second response must be rejected.
	if _, err := env.Machine.RespondOffer(env.Ctx, o.ID, "poster", domain.OfferAccepted); err == nil {
		t.Fatalf("expected invalid-state error responding to an already-terminal offer")
	}
}

package bounty_test

import (
	"context"
	"testing"
	"time"

	"saltdig/internal/bounty"
	"saltdig/internal/config"
	"saltdig/internal/db"
	"saltdig/internal/domain"
	"saltdig/internal/escrow"
	"saltdig/internal/ledger"
	"saltdig/internal/migrate"
)

type testEnv struct {
	Machine bounty.Machine
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	m := bounty.New(conn, cfg, escrow.Gateway{})
	fixed := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	m.Now = fixed
	m.Ledger = ledger.New(conn, cfg)
	m.Ledger.Now = fixed

	ctx := context.Background()
	for _, id := range []string{"poster", "worker", "buyer", "seller"} {
		if _, err := m.Ledger.RegisterAgent(ctx, id, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if _, err := m.Ledger.Transfer(ctx, "", "buyer", 1000, domain.KindTransfer, "test funding"); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	return testEnv{Machine: m, Ctx: ctx}
}

func TestListingLifecycleCancel(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "100", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if l.Status != domain.ListingActive {
		t.Fatalf("status = %s, want active", l.Status)
	}
	if err := env.Machine.CancelListing(env.Ctx, l.ID, "poster"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := env.Machine.Repo.GetListing(env.Ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ListingCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestCancelListingForbiddenForNonPoster(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "100", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Machine.CancelListing(env.Ctx, l.ID, "worker"); err == nil {
		t.Fatalf("expected forbidden error for non-poster cancel")
	}
}

func TestOrderLifecycleAcceptPaysOut(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "seller", "svc", "desc", domain.Salt, "50", "cat", domain.ModeService)
	if err != nil {
		t.Fatal(err)
	}

	o, err := env.Machine.CreateOrder(env.Ctx, l.ID, "buyer")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if o.Status != domain.OrderPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}

	o, err = env.Machine.StartOrder(env.Ctx, o.ID, "seller")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	o, err = env.Machine.DeliverOrder(env.Ctx, o.ID, "seller", "done, see attached")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if o.Status != domain.OrderDelivered {
		t.Fatalf("status = %s, want delivered", o.Status)
	}

	o, err = env.Machine.AcceptOrder(env.Ctx, o.ID, "buyer")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o.Status != domain.OrderAccepted {
		t.Fatalf("status = %s, want accepted", o.Status)
	}

	bal, err := env.Machine.Ledger.Balance(env.Ctx, "seller")
	if err != nil || bal != 50 {
		t.Fatalf("seller balance = %d, %v; want 50", bal, err)
	}
	buyerBal, err := env.Machine.Ledger.Balance(env.Ctx, "buyer")
	if err != nil || buyerBal != 950 {
		t.Fatalf("buyer balance = %d, %v; want 950", buyerBal, err)
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

func TestCreateOrderEscrowsBuyerFunds(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "seller", "svc", "desc", domain.Salt, "50", "cat", domain.ModeService)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.CreateOrder(env.Ctx, l.ID, "buyer"); err != nil {
		t.Fatalf("create order: %v", err)
	}
	bal, err := env.Machine.Ledger.Balance(env.Ctx, "buyer")
	if err != nil || bal != 950 {
		t.Fatalf("buyer balance = %d, %v; want 950 after escrow debit", bal, err)
	}
}

func TestCreateOrderRejectsInsufficientBuyerFunds(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "seller", "svc", "desc", domain.Salt, "5000", "cat", domain.ModeService)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.CreateOrder(env.Ctx, l.ID, "buyer"); err == nil {
		t.Fatalf("expected insufficient-funds error")
	}
}

func TestCancelOrderRefundsBuyerEscrow(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "seller", "svc", "desc", domain.Salt, "50", "cat", domain.ModeService)
	if err != nil {
		t.Fatal(err)
	}
	o, err := env.Machine.CreateOrder(env.Ctx, l.ID, "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.CancelOrder(env.Ctx, o.ID, "buyer"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	bal, err := env.Machine.Ledger.Balance(env.Ctx, "buyer")
	if err != nil || bal != 1000 {
		t.Fatalf("buyer balance = %d, %v; want 1000 after refund", bal, err)
	}
}

func TestCreateOrderRejectsSecondActiveOrder(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "seller", "svc", "desc", domain.Salt, "50", "cat", domain.ModeService)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.CreateOrder(env.Ctx, l.ID, "buyer"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.CreateOrder(env.Ctx, l.ID, "buyer"); err == nil {
		t.Fatalf("expected conflict on second active order")
	}
}

func TestDeliverOrderRequiresResponse(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "seller", "svc", "desc", domain.Salt, "50", "cat", domain.ModeService)
	if err != nil {
		t.Fatal(err)
	}
	o, err := env.Machine.CreateOrder(env.Ctx, l.ID, "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Machine.DeliverOrder(env.Ctx, o.ID, "seller", ""); err == nil {
		t.Fatalf("expected error for empty response")
	}
}

func TestInvalidOrderTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Machine.CreateListing(env.Ctx, "seller", "svc", "desc", domain.Salt, "50", "cat", domain.ModeService)
	if err != nil {
		t.Fatal(err)
	}
	o, err := env.Machine.CreateOrder(env.Ctx, l.ID, "buyer")
	if err != nil {
		t.Fatal(err)
	}
	// accepted is not reachable directly from pending.
	if _, err := env.Machine.AcceptOrder(env.Ctx, o.ID, "buyer"); err == nil {
		t.Fatalf("expected invalid-state error for pending -> accepted")
	}
}

package specloop_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"saltdig/internal/bounty"
	"saltdig/internal/config"
	"saltdig/internal/db"
	"saltdig/internal/domain"
	"saltdig/internal/escrow"
	"saltdig/internal/ledger"
	"saltdig/internal/migrate"
	"saltdig/internal/specloop"
)

type testEnv struct {
	Bounty   bounty.Machine
	SpecLoop specloop.Controller
	Ctx      context.Context
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
	fixed := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	bm := bounty.New(conn, cfg, escrow.Gateway{})
	bm.Now = fixed
	bm.Ledger = ledger.New(conn, cfg)
	bm.Ledger.Now = fixed

	sc := specloop.New(conn, cfg, bm)
	sc.Now = fixed
	sc.Ledger = ledger.New(conn, cfg)
	sc.Ledger.Now = fixed

	ctx := context.Background()
	for _, id := range []string{"poster"} {
		if _, err := bm.Ledger.RegisterAgent(ctx, id, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if _, err := bm.Ledger.Transfer(ctx, "", "poster", 1000, domain.KindIssuance, "seed"); err != nil {
		t.Fatalf("seed poster: %v", err)
	}
	return testEnv{Bounty: bm, SpecLoop: sc, Ctx: ctx}
}

func TestSpecDepositEntersClarifyingAndDebits(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Bounty.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "500", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}

	d, err := env.SpecLoop.CreateSpecDeposit(env.Ctx, l.ID, "poster", "100", domain.Salt)
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	if d.Status != domain.DepositActive {
		t.Fatalf("status = %s, want active", d.Status)
	}

	got, err := env.Bounty.Repo.GetListing(env.Ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ListingClarifying {
		t.Fatalf("listing status = %s, want clarifying", got.Status)
	}

	bal, err := env.Bounty.Ledger.Balance(env.Ctx, "poster")
	if err != nil || bal != 900 {
		t.Fatalf("poster balance = %d, %v; want 900", bal, err)
	}
}

func TestSpecDepositRejectsUSDC(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Bounty.CreateListing(env.Ctx, "poster", "title", "desc", domain.USDC, "500", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.SpecLoop.CreateSpecDeposit(env.Ctx, l.ID, "poster", "100", domain.USDC); err == nil {
		t.Fatalf("expected error for USDC spec deposit")
	}
}

func TestFreezeRefundsUnconsumedDeposit(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Bounty.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "500", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.SpecLoop.CreateSpecDeposit(env.Ctx, l.ID, "poster", "100", domain.Salt); err != nil {
		t.Fatal(err)
	}

	d, err := env.SpecLoop.Freeze(env.Ctx, l.ID, "poster")
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if d.Status != domain.DepositFrozen {
		t.Fatalf("status = %s, want frozen", d.Status)
	}

	bal, err := env.Bounty.Ledger.Balance(env.Ctx, "poster")
	if err != nil || bal != 1000 {
		t.Fatalf("poster balance = %d, %v; want 1000 after full refund", bal, err)
	}

	got, err := env.Bounty.Repo.GetListing(env.Ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ListingFrozen {
		t.Fatalf("listing status = %s, want frozen", got.Status)
	}
}

func TestChangeOrderPricedFromBountyGraph(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Bounty.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "500", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.SpecLoop.CreateSpecDeposit(env.Ctx, l.ID, "poster", "100", domain.Salt); err != nil {
		t.Fatal(err)
	}
	if _, err := env.SpecLoop.Freeze(env.Ctx, l.ID, "poster"); err != nil {
		t.Fatal(err)
	}

	graph := domain.BountyGraph{Nodes: []domain.DAGNode{
		{ID: "root", Cost: 100},
		{ID: "dep", Cost: 50, Depends: []string{"root"}},
	}}
	graphJSON, err := json.Marshal(graph)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Bounty.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Bounty.Repo.SetListingBountyGraphTx(env.Ctx, tx, l.ID, string(graphJSON), "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	co, err := env.SpecLoop.CreateChangeOrder(env.Ctx, l.ID, "poster", "widen scope", []string{"root"})
	if err != nil {
		t.Fatalf("create change order: %v", err)
	}
	if co.Status != domain.ChangeOrderPending {
		t.Fatalf("status = %s, want pending", co.Status)
	}
	if co.DeltaCost != "30" {
		t.Fatalf("delta_cost = %s, want 30 (20%% of 150)", co.DeltaCost)
	}

	approved, err := env.SpecLoop.ApproveChangeOrder(env.Ctx, co.ID, "poster")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.ChangeOrderApproved {
		t.Fatalf("status = %s, want approved", approved.Status)
	}
}

func TestCreateChangeOrderRejectsCyclicStoredGraph(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Bounty.CreateListing(env.Ctx, "poster", "title", "desc", domain.Salt, "500", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.SpecLoop.CreateSpecDeposit(env.Ctx, l.ID, "poster", "100", domain.Salt); err != nil {
		t.Fatal(err)
	}
	if _, err := env.SpecLoop.Freeze(env.Ctx, l.ID, "poster"); err != nil {
		t.Fatal(err)
	}

	// a malformed graph that cycles back on itself; a well-behaved caller
	// could never produce this through CalculateChangeImpact alone.
	graph := domain.BountyGraph{Nodes: []domain.DAGNode{
		{ID: "root", Cost: 100, Depends: []string{"dep"}},
		{ID: "dep", Cost: 50, Depends: []string{"root"}},
	}}
	graphJSON, err := json.Marshal(graph)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Bounty.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Bounty.Repo.SetListingBountyGraphTx(env.Ctx, tx, l.ID, string(graphJSON), "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, err := env.SpecLoop.CreateChangeOrder(env.Ctx, l.ID, "poster", "widen scope", []string{"root"}); err == nil {
		t.Fatalf("expected error for cyclic stored graph")
	}
}

package competition_test

import (
	"context"
	"testing"
	"time"

	"saltdig/internal/competition"
	"saltdig/internal/config"
	"saltdig/internal/db"
	"saltdig/internal/domain"
	"saltdig/internal/ledger"
	"saltdig/internal/migrate"
)

type testEnv struct {
	Ledger      ledger.Ledger
	Competition competition.Controller
	Ctx         context.Context
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

	l := ledger.New(conn, cfg)
	l.Now = fixed
	c := competition.New(conn, cfg)
	c.Now = fixed
	c.Ledger = l

	ctx := context.Background()
	for _, id := range []string{"poster", "alice", "bob"} {
		if _, err := l.RegisterAgent(ctx, id, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return testEnv{Ledger: l, Competition: c, Ctx: ctx}
}

func newListing(t *testing.T, env testEnv, price string) domain.Listing {
	t.Helper()
	tx, err := env.Competition.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	l := domain.Listing{
		ID:        "listing-" + price,
		PosterID:  "poster",
		Title:     "contest",
		Currency:  domain.Salt,
		Price:     price,
		Mode:      domain.ModeTrade,
		Status:    domain.ListingActive,
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-01-01T00:00:00Z",
	}
	if err := env.Competition.Repo.InsertListingTx(env.Ctx, tx, l); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return l
}

type fakeEvaluator struct {
	scores map[string]float64
	fail   map[string]bool
}

func (f fakeEvaluator) Evaluate(ctx context.Context, method, listingID string, artifacts []domain.Artifact) (competition.EvalResult, error) {
	key := artifacts[0].URL
	if f.fail[key] {
		return competition.EvalResult{Success: false}, nil
	}
	return competition.EvalResult{Success: true, Score: f.scores[key]}, nil
}

func TestCompetitionWinnerTakeAll(t *testing.T) {
	env := newTestEnv(t)
	l := newListing(t, env, "100")

	comp, err := env.Competition.CreateCompetition(env.Ctx, l.ID, domain.EvalHarness, domain.DistWinnerTakeAll, 1, competition.PrizeConfig{}, nil)
	if err != nil {
		t.Fatalf("create competition: %v", err)
	}

	aliceEntry, err := env.Competition.Submit(env.Ctx, comp.ID, "alice", []domain.Artifact{{Type: "link", URL: "alice-entry"}})
	if err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	bobEntry, err := env.Competition.Submit(env.Ctx, comp.ID, "bob", []domain.Artifact{{Type: "link", URL: "bob-entry"}})
	if err != nil {
		t.Fatalf("submit bob: %v", err)
	}

	evaluator := fakeEvaluator{scores: map[string]float64{"alice-entry": 90, "bob-entry": 60}}
	if _, err := env.Competition.Evaluate(env.Ctx, aliceEntry.ID, l.ID, evaluator, domain.EvalHarness); err != nil {
		t.Fatalf("evaluate alice: %v", err)
	}
	if _, err := env.Competition.Evaluate(env.Ctx, bobEntry.ID, l.ID, evaluator, domain.EvalHarness); err != nil {
		t.Fatalf("evaluate bob: %v", err)
	}

	finalized, err := env.Competition.Finalize(env.Ctx, comp.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finalized.Status != domain.CompetitionFinalized {
		t.Fatalf("status = %s, want finalized", finalized.Status)
	}
	if finalized.WinnerID == nil || *finalized.WinnerID != "alice" {
		t.Fatalf("winner = %v, want alice", finalized.WinnerID)
	}

	bal, err := env.Ledger.Balance(env.Ctx, "alice")
	if err != nil || bal != 100 {
		t.Fatalf("alice balance = %d, %v; want 100", bal, err)
	}
	bobBal, err := env.Ledger.Balance(env.Ctx, "bob")
	if err != nil || bobBal != 0 {
		t.Fatalf("bob balance = %d, %v; want 0 (winner-take-all)", bobBal, err)
	}
}

func TestCompetitionTop3SplitsByDefaultPercentages(t *testing.T) {
	env := newTestEnv(t)
	l := newListing(t, env, "100")

	comp, err := env.Competition.CreateCompetition(env.Ctx, l.ID, domain.EvalHarness, domain.DistTop3, 1, competition.PrizeConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	aliceEntry, err := env.Competition.Submit(env.Ctx, comp.ID, "alice", []domain.Artifact{{Type: "link", URL: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	bobEntry, err := env.Competition.Submit(env.Ctx, comp.ID, "bob", []domain.Artifact{{Type: "link", URL: "b"}})
	if err != nil {
		t.Fatal(err)
	}

	evaluator := fakeEvaluator{scores: map[string]float64{"a": 90, "b": 70}}
	if _, err := env.Competition.Evaluate(env.Ctx, aliceEntry.ID, l.ID, evaluator, domain.EvalHarness); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Competition.Evaluate(env.Ctx, bobEntry.ID, l.ID, evaluator, domain.EvalHarness); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Competition.Finalize(env.Ctx, comp.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	aliceBal, err := env.Ledger.Balance(env.Ctx, "alice")
	if err != nil || aliceBal != 50 {
		t.Fatalf("alice balance = %d, %v; want 50 (50%% of 100)", aliceBal, err)
	}
	bobBal, err := env.Ledger.Balance(env.Ctx, "bob")
	if err != nil || bobBal != 30 {
		t.Fatalf("bob balance = %d, %v; want 30 (30%% of 100)", bobBal, err)
	}
}

func TestCompetitionSubmitRejectsOverCap(t *testing.T) {
	env := newTestEnv(t)
	l := newListing(t, env, "100")
	comp, err := env.Competition.CreateCompetition(env.Ctx, l.ID, domain.EvalHarness, domain.DistWinnerTakeAll, 1, competition.PrizeConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Competition.Submit(env.Ctx, comp.ID, "alice", []domain.Artifact{{Type: "link", URL: "first"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Competition.Submit(env.Ctx, comp.ID, "alice", []domain.Artifact{{Type: "link", URL: "second"}}); err == nil {
		t.Fatalf("expected error for exceeding max_submissions_per_agent")
	}
}

func TestCompetitionDisqualifiesFailedEvaluation(t *testing.T) {
	env := newTestEnv(t)
	l := newListing(t, env, "100")
	comp, err := env.Competition.CreateCompetition(env.Ctx, l.ID, domain.EvalHarness, domain.DistWinnerTakeAll, 1, competition.PrizeConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := env.Competition.Submit(env.Ctx, comp.ID, "alice", []domain.Artifact{{Type: "link", URL: "bad"}})
	if err != nil {
		t.Fatal(err)
	}
	evaluator := fakeEvaluator{fail: map[string]bool{"bad": true}}
	got, err := env.Competition.Evaluate(env.Ctx, entry.ID, l.ID, evaluator, domain.EvalHarness)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Status != domain.EntryDisqualified {
		t.Fatalf("status = %s, want disqualified", got.Status)
	}
}

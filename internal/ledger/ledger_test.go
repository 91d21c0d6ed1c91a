package ledger_test

import (
	"context"
	"testing"
	"time"

	"saltdig/internal/config"
	"saltdig/internal/db"
	"saltdig/internal/domain"
	"saltdig/internal/ledger"
	"saltdig/internal/migrate"
	"saltdig/internal/ratelimit"
	"saltdig/internal/saltdigerr"
)

type testEnv struct {
	Ledger ledger.Ledger
	Ctx    context.Context
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
	l := ledger.New(conn, cfg)
	l.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Ledger: l, Ctx: context.Background()}
}

func mustRegister(t *testing.T, env testEnv, id string) domain.Agent {
	t.Helper()
	a, err := env.Ledger.RegisterAgent(env.Ctx, id, id)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return a
}

func TestTransferMovesBalance(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "alice")
	mustRegister(t, env, "bob")

	if _, err := env.Ledger.Transfer(env.Ctx, "", "alice", 500, domain.KindIssuance, "seed"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.Ledger.Transfer(env.Ctx, "alice", "bob", 200, domain.KindTransfer, "payment"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	aliceBal, err := env.Ledger.Balance(env.Ctx, "alice")
	if err != nil || aliceBal != 300 {
		t.Fatalf("alice balance = %d, %v; want 300", aliceBal, err)
	}
	bobBal, err := env.Ledger.Balance(env.Ctx, "bob")
	if err != nil || bobBal != 200 {
		t.Fatalf("bob balance = %d, %v; want 200", bobBal, err)
	}
}

func TestTransferRejectsInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "alice")
	mustRegister(t, env, "bob")

	_, err := env.Ledger.Transfer(env.Ctx, "alice", "bob", 100, domain.KindTransfer, "overdraw")
	if err != saltdigerr.ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "alice")

	if _, err := env.Ledger.Transfer(env.Ctx, "", "alice", 0, domain.KindIssuance, "noop"); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := env.Ledger.Transfer(env.Ctx, "", "alice", -5, domain.KindIssuance, "noop"); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestTransferRejectsSelfTransfer(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "alice")
	if _, err := env.Ledger.Transfer(env.Ctx, "alice", "alice", 10, domain.KindTransfer, "self"); err == nil {
		t.Fatalf("expected error for self-transfer")
	}
}

func TestTransferRejectsOverMaxTransfer(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "alice")
	max := env.Ledger.Config.Ledger.MaxTransfer
	if _, err := env.Ledger.Transfer(env.Ctx, "", "alice", max+1, domain.KindIssuance, "too big"); err == nil {
		t.Fatalf("expected error for amount exceeding max transfer")
	}
}

func TestRegisterAgentRejectsOverRegisterPreset(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.Limiter = ratelimit.New()
	limit := env.Ledger.Config.RateLimits["register"].Limit
	for i := 0; i < limit; i++ {
		if _, err := env.Ledger.RegisterAgent(env.Ctx, "agent-"+string(rune('a'+i)), "name"); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if _, err := env.Ledger.RegisterAgent(env.Ctx, "one-too-many", "name"); err != saltdigerr.ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestHistoryOrderedDescending(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "alice")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		env.Ledger.Now = func() time.Time { return at }
		if _, err := env.Ledger.Transfer(env.Ctx, "", "alice", 10, domain.KindIssuance, "seed"); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	entries, err := env.Ledger.History(env.Ctx, "alice", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].CreatedAt != "2026-01-01T00:02:00Z" || entries[2].CreatedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("history not newest first: first %s, last %s", entries[0].CreatedAt, entries[2].CreatedAt)
	}
}

func TestRichListOrdersByBalanceDescending(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "alice")
	mustRegister(t, env, "bob")
	if _, err := env.Ledger.Transfer(env.Ctx, "", "alice", 50, domain.KindIssuance, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ledger.Transfer(env.Ctx, "", "bob", 500, domain.KindIssuance, "seed"); err != nil {
		t.Fatal(err)
	}
	rich, err := env.Ledger.RichList(env.Ctx, 10)
	if err != nil {
		t.Fatalf("rich list: %v", err)
	}
	if len(rich) < 2 || rich[0].ID != "bob" {
		t.Fatalf("expected bob first, got %+v", rich)
	}
}

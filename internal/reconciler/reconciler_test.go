package reconciler_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"saltdig/internal/bounty"
	"saltdig/internal/config"
	"saltdig/internal/db"
	"saltdig/internal/domain"
	"saltdig/internal/escrow"
	"saltdig/internal/ledger"
	"saltdig/internal/migrate"
	"saltdig/internal/reconciler"
	"saltdig/internal/repo"
)

type fakeReconcilerClient struct {
	status      escrow.Status
	submittedAt int64
}

func (f *fakeReconcilerClient) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	out := make([]byte, 288)
	// submittedAt lives at head slot 5, status at slot 6, and the
	// bountyId tail offset at slot 7; a zero-length string tail is
	// enough for these tests.
	big.NewInt(f.submittedAt).FillBytes(out[5*32 : 6*32])
	out[6*32+31] = byte(f.status)
	big.NewInt(8 * 32).FillBytes(out[6*32+32 : 7*32+32])
	return out, nil
}
func (f *fakeReconcilerClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return 1, nil
}
func (f *fakeReconcilerClient) SendRawTransaction(ctx context.Context, rawTx []byte) (string, error) {
	return "0xtx", nil
}
func (f *fakeReconcilerClient) WaitForReceipt(ctx context.Context, txHash string) error { return nil }
func (f *fakeReconcilerClient) ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeReconcilerClient) ERC20Approve(ctx context.Context, signer escrow.Signer, token, spender string, amount *big.Int) (string, error) {
	return "0xapprove", nil
}

type fakeReconcilerSigner struct{}

func (fakeReconcilerSigner) Address() string { return "0xreconciler" }
func (fakeReconcilerSigner) SignTransaction(ctx context.Context, to string, data []byte, nonce, gasLimit uint64) ([]byte, error) {
	return []byte("signed"), nil
}

func newReconcilerEnv(t *testing.T, status escrow.Status, autoReleaseAfter time.Duration, now time.Time) (reconciler.Reconciler, bounty.Machine, context.Context) {
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
	client := &fakeReconcilerClient{status: status, submittedAt: now.Unix()}
	gw := escrow.New(client, "0xcontract", "0xusdc", time.Second)
	m := bounty.New(conn, cfg, gw)
	fixed := func() time.Time { return now }
	m.Now = fixed
	m.Ledger = ledger.New(conn, cfg)
	m.Ledger.Now = fixed

	ctx := context.Background()
	for _, id := range []string{"poster", "worker"} {
		if _, err := m.Ledger.RegisterAgent(ctx, id, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	rc := reconciler.New(repo.Repo{DB: conn}, m, gw, fakeReconcilerSigner{}, cfg)
	rc.AutoReleaseAfter = autoReleaseAfter
	rc.Now = fixed
	return rc, m, ctx
}

func submittedListing(t *testing.T, ctx context.Context, m bounty.Machine) domain.Listing {
	t.Helper()
	l, err := m.CreateListing(ctx, "poster", "title", "desc", domain.USDC, "10.00", "cat", domain.ModeTrade)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	signer := fakeReconcilerSigner{}
	if _, err := m.CreateUSDCBounty(ctx, l.ID, "poster", signer, "10.00", 1800000000); err != nil {
		t.Fatalf("create usdc bounty: %v", err)
	}
	if _, err := m.ClaimUSDCBounty(ctx, l.ID, "worker", signer); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.SubmitUSDCBounty(ctx, l.ID, "worker", signer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return l
}

func TestReconcilerReleasesPastTimeout(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rc, m, ctx := newReconcilerEnv(t, escrow.StatusSubmitted, time.Hour, start)
	submittedListing(t, ctx, m)

	// advance time past the auto-release deadline
	rc.Now = func() time.Time { return start.Add(2 * time.Hour) }

	result := rc.Run(ctx)
	if result.Scanned != 1 {
		t.Fatalf("scanned = %d, want 1", result.Scanned)
	}
	if result.Released != 1 {
		t.Fatalf("released = %d, want 1; failures: %v", result.Released, result.Failures)
	}
}

func TestReconcilerSkipsBeforeTimeout(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rc, m, ctx := newReconcilerEnv(t, escrow.StatusSubmitted, time.Hour, start)
	submittedListing(t, ctx, m)

	result := rc.Run(ctx)
	if result.Released != 0 {
		t.Fatalf("released = %d, want 0 before the deadline", result.Released)
	}
	if result.Corrected != 0 {
		t.Fatalf("corrected = %d, want 0", result.Corrected)
	}
}

func TestReconcilerCorrectsDriftToApproved(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rc, m, ctx := newReconcilerEnv(t, escrow.StatusApproved, time.Hour, start)
	l := submittedListing(t, ctx, m)

	result := rc.Run(ctx)
	if result.Corrected != 1 {
		t.Fatalf("corrected = %d, want 1; failures: %v", result.Corrected, result.Failures)
	}

	rec, err := m.Repo.GetUSDCRecordByListing(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.USDCApproved {
		t.Fatalf("status = %s, want approved after drift correction", rec.Status)
	}
}

func TestAuthorizeRejectsMismatchedSecret(t *testing.T) {
	if reconciler.Authorize("wrong", "configured-secret") {
		t.Fatalf("expected mismatched secrets to fail authorization")
	}
	if !reconciler.Authorize("configured-secret", "configured-secret") {
		t.Fatalf("expected matching secrets to authorize")
	}
}

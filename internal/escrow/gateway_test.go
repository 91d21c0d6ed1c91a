package escrow_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"saltdig/internal/escrow"
	"saltdig/internal/saltdigerr"
)

// fakeChainClient implements escrow.ChainClient entirely in memory so
// gateway tests never touch a real JSON-RPC endpoint.
type fakeChainClient struct {
	callReturn    []byte
	callErr       error
	nonce         uint64
	sentRawTxs    [][]byte
	txHash        string
	allowance     *big.Int
	approveCalled bool
	receiptErr    error
}

func (f *fakeChainClient) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	return f.callReturn, f.callErr
}

func (f *fakeChainClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChainClient) SendRawTransaction(ctx context.Context, rawTx []byte) (string, error) {
	f.sentRawTxs = append(f.sentRawTxs, rawTx)
	return f.txHash, nil
}

func (f *fakeChainClient) WaitForReceipt(ctx context.Context, txHash string) error {
	return f.receiptErr
}

func (f *fakeChainClient) ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	if f.allowance == nil {
		return big.NewInt(0), nil
	}
	return f.allowance, nil
}

func (f *fakeChainClient) ERC20Approve(ctx context.Context, signer escrow.Signer, token, spender string, amount *big.Int) (string, error) {
	f.approveCalled = true
	return "0xapprove", nil
}

type fakeSigner struct {
	address string
}

func (s fakeSigner) Address() string { return s.address }

func (s fakeSigner) SignTransaction(ctx context.Context, to string, data []byte, nonce uint64, gasLimit uint64) ([]byte, error) {
	return append([]byte("signed:"), data...), nil
}

func word(v int64) []byte {
	var out [32]byte
	big.NewInt(v).FillBytes(out[:])
	return out[:]
}

func addressWord(addr string) []byte {
	var out [32]byte
	copy(out[12:], []byte(addr)[:20])
	return out[:]
}

// encodeBountiesReturn builds a minimal bounties(bytes32) return tuple:
// poster, worker, amount, stake, deadline, submittedAt, status, then the
// dynamic bountyId tail, matching the gateway's decode order.
func encodeBountiesReturn(amount, stake, deadline, submittedAt, status int64, bountyID string) []byte {
	out := make([]byte, 0, 256)
	out = append(out, addressWord("01234567890123456789")...)
	out = append(out, addressWord("98765432109876543210")...)
	out = append(out, word(amount)...)
	out = append(out, word(stake)...)
	out = append(out, word(deadline)...)
	out = append(out, word(submittedAt)...)
	out = append(out, word(status)...)
	out = append(out, word(8*32)...) // offset to the dynamic tail
	idBytes := []byte(bountyID)
	out = append(out, word(int64(len(idBytes)))...)
	padded := make([]byte, ((len(idBytes)+31)/32)*32)
	copy(padded, idBytes)
	out = append(out, padded...)
	return out
}

func TestComputeBountyHashIsDeterministic(t *testing.T) {
	gw := escrow.New(&fakeChainClient{}, "0xcontract", "0xusdc", time.Second)
	a := gw.ComputeBountyHash("listing-1")
	b := gw.ComputeBountyHash("listing-1")
	if a != b {
		t.Fatalf("ComputeBountyHash not deterministic: %x != %x", a, b)
	}
	c := gw.ComputeBountyHash("listing-2")
	if a == c {
		t.Fatalf("different listing ids hashed to the same value")
	}
}

func TestGetBountyDecodesAllFields(t *testing.T) {
	client := &fakeChainClient{
		callReturn: encodeBountiesReturn(5_000_000, 500_000, 1800000000, 1700000000, int64(escrow.StatusSubmitted), "listing-42"),
	}
	gw := escrow.New(client, "0xcontract", "0xusdc", time.Second)

	got, err := gw.GetBounty(context.Background(), gw.ComputeBountyHash("listing-42"))
	if err != nil {
		t.Fatalf("GetBounty: %v", err)
	}
	if got.Status != escrow.StatusSubmitted {
		t.Fatalf("status = %v, want Submitted", got.Status)
	}
	if got.StatusLabel != "Submitted" {
		t.Fatalf("status label = %s, want Submitted", got.StatusLabel)
	}
	if got.Amount != "5.000000" {
		t.Fatalf("amount = %s, want 5.000000", got.Amount)
	}
	if got.WorkerStake != "0.500000" {
		t.Fatalf("stake = %s, want 0.500000", got.WorkerStake)
	}
	if got.BountyID != "listing-42" {
		t.Fatalf("bounty id = %s, want listing-42", got.BountyID)
	}
	if got.Deadline != 1800000000 || got.SubmittedAt != 1700000000 {
		t.Fatalf("deadline/submittedAt mismatch: %+v", got)
	}
}

func TestGetBountyWrapsRpcFailure(t *testing.T) {
	client := &fakeChainClient{callErr: context.DeadlineExceeded}
	gw := escrow.New(client, "0xcontract", "0xusdc", time.Second)
	_, err := gw.GetBounty(context.Background(), [32]byte{})
	if err == nil {
		t.Fatalf("expected error when the chain call fails")
	}
	if !saltdigerr.Retryable(err) {
		t.Fatalf("err = %v, want a wrapped EscrowRpcFailure", err)
	}
}

func TestCreateBountyRaisesAllowanceBeforeSending(t *testing.T) {
	client := &fakeChainClient{allowance: big.NewInt(0), txHash: "0xcreate"}
	gw := escrow.New(client, "0xcontract", "0xusdc", time.Second)
	signer := fakeSigner{address: "0xsigner"}

	txHash, err := gw.CreateBounty(context.Background(), signer, "listing-1", big.NewInt(10_000_000), 1800000000)
	if err != nil {
		t.Fatalf("CreateBounty: %v", err)
	}
	if txHash != "0xcreate" {
		t.Fatalf("tx hash = %s, want 0xcreate", txHash)
	}
	if !client.approveCalled {
		t.Fatalf("expected ERC20Approve to be called when allowance is insufficient")
	}
	if len(client.sentRawTxs) != 1 {
		t.Fatalf("expected exactly one raw transaction sent, got %d", len(client.sentRawTxs))
	}
}

func TestCreateBountySkipsApprovalWhenAllowanceSufficient(t *testing.T) {
	client := &fakeChainClient{allowance: big.NewInt(100_000_000), txHash: "0xcreate"}
	gw := escrow.New(client, "0xcontract", "0xusdc", time.Second)
	signer := fakeSigner{address: "0xsigner"}

	if _, err := gw.CreateBounty(context.Background(), signer, "listing-1", big.NewInt(10_000_000), 1800000000); err != nil {
		t.Fatalf("CreateBounty: %v", err)
	}
	if client.approveCalled {
		t.Fatalf("approve should not be called when allowance already covers the amount")
	}
}

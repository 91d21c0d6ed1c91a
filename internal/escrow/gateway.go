// Package escrow is the typed wrapper over the fixed on-chain escrow ABI:
// component B. It owns no state; it is a pure translator between Saltdig's
// domain calls and the contract's wire signature, delegating signing and
// transport to injected collaborators.
package escrow

import (
	"context"
	"math/big"
	"time"

	"saltdig/internal/saltdigerr"
)

// Status mirrors the contract's wire-order status enum.
type Status uint8

const (
	StatusOpen         Status = 0
	StatusClaimed      Status = 1
	StatusSubmitted    Status = 2
	StatusApproved     Status = 3
	StatusDisputed     Status = 4
	StatusCancelled    Status = 5
	StatusAutoReleased Status = 6
)

func (s Status) Label() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusClaimed:
		return "Claimed"
	case StatusSubmitted:
		return "Submitted"
	case StatusApproved:
		return "Approved"
	case StatusDisputed:
		return "Disputed"
	case StatusCancelled:
		return "Cancelled"
	case StatusAutoReleased:
		return "AutoReleased"
	default:
		return "Unknown"
	}
}

// OnChainBounty is the decoded return of bounties(bytes32).
type OnChainBounty struct {
	Poster       string
	Worker       string
	Amount       string // human-readable six-decimal
	WorkerStake  string
	Deadline     int64
	SubmittedAt  int64
	Status       Status
	StatusLabel  string
	BountyID     string
}

// usdcDecimals is fixed by §6: USDC uses six decimals on the escrow chain.
const usdcDecimals = 6

// Gateway wraps the fixed escrow ABI. ContractAddress, USDCAddress, and
// Client are supplied from config/environment (ESCROW_CONTRACT_ADDRESS,
// BASE_RPC_URL); Client may be an *HTTPChainClient or a test fake.
type Gateway struct {
	Client          ChainClient
	ContractAddress string
	USDCAddress     string
	Timeout         time.Duration
}

func New(client ChainClient, contractAddress, usdcAddress string, timeout time.Duration) Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return Gateway{Client: client, ContractAddress: contractAddress, USDCAddress: usdcAddress, Timeout: timeout}
}

func (g Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.Timeout)
}

// ComputeBountyHash hashes the listing id with keccak256, deterministically
// and without a chain round-trip; it MUST match the on-chain computeHash.
func (g Gateway) ComputeBountyHash(listingID string) [32]byte {
	return Keccak256([]byte(listingID))
}

// GetBounty reads a bounty's on-chain state.
func (g Gateway) GetBounty(ctx context.Context, hash [32]byte) (OnChainBounty, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	data := encodeHashCall("bounties(bytes32)", hash)
	out, err := g.Client.Call(ctx, g.ContractAddress, data)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	poster, err := decodeAddressAt(out, 0)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	worker, err := decodeAddressAt(out, 1)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	amount, err := decodeUint256At(out, 2)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	stake, err := decodeUint256At(out, 3)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	deadline, err := decodeUint256At(out, 4)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	submittedAt, err := decodeUint256At(out, 5)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	statusWord, err := decodeUint256At(out, 6)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	bountyID, err := decodeStringAt(out, bountiesReturnSlots)
	if err != nil {
		return OnChainBounty{}, wrapRpc("getBounty", err)
	}
	status := Status(statusWord.Uint64())
	return OnChainBounty{
		Poster:      poster,
		Worker:      worker,
		Amount:      humanizeAmount(amount),
		WorkerStake: humanizeAmount(stake),
		Deadline:    deadline.Int64(),
		SubmittedAt: submittedAt.Int64(),
		Status:      status,
		StatusLabel: status.Label(),
		BountyID:    bountyID,
	}, nil
}

// CreateBounty locks amount USDC for listingID, raising the signer's
// allowance to the contract first if necessary.
func (g Gateway) CreateBounty(ctx context.Context, signer Signer, listingID string, amount *big.Int, deadline int64) (string, error) {
	if err := g.ensureAllowance(ctx, signer, amount); err != nil {
		return "", err
	}
	return g.sendCall(ctx, "createBounty", signer, encodeCreateBounty(listingID, amount, big.NewInt(deadline)))
}

// ClaimBounty claims an open bounty, staking the worker's 10% collateral;
// that stake is also an allowance-gated USDC movement.
func (g Gateway) ClaimBounty(ctx context.Context, signer Signer, hash [32]byte, stake *big.Int) (string, error) {
	if err := g.ensureAllowance(ctx, signer, stake); err != nil {
		return "", err
	}
	return g.sendCall(ctx, "claimBounty", signer, encodeHashCall("claimBounty(bytes32)", hash))
}

func (g Gateway) SubmitBounty(ctx context.Context, signer Signer, hash [32]byte) (string, error) {
	return g.sendCall(ctx, "submitBounty", signer, encodeHashCall("submitBounty(bytes32)", hash))
}

func (g Gateway) ApproveBounty(ctx context.Context, signer Signer, hash [32]byte) (string, error) {
	return g.sendCall(ctx, "approveBounty", signer, encodeHashCall("approveBounty(bytes32)", hash))
}

func (g Gateway) DisputeBounty(ctx context.Context, signer Signer, hash [32]byte) (string, error) {
	return g.sendCall(ctx, "disputeBounty", signer, encodeHashCall("disputeBounty(bytes32)", hash))
}

func (g Gateway) CancelBounty(ctx context.Context, signer Signer, hash [32]byte) (string, error) {
	return g.sendCall(ctx, "cancelBounty", signer, encodeHashCall("cancelBounty(bytes32)", hash))
}

func (g Gateway) AutoRelease(ctx context.Context, signer Signer, hash [32]byte) (string, error) {
	return g.sendCall(ctx, "autoRelease", signer, encodeHashCall("autoRelease(bytes32)", hash))
}

func (g Gateway) ensureAllowance(ctx context.Context, signer Signer, amount *big.Int) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	current, err := g.Client.ERC20Allowance(ctx, g.USDCAddress, signer.Address(), g.ContractAddress)
	if err != nil {
		return wrapRpc("allowance", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	txHash, err := g.Client.ERC20Approve(ctx, signer, g.USDCAddress, g.ContractAddress, maxUint256)
	if err != nil {
		return wrapRpc("approve", err)
	}
	if err := g.Client.WaitForReceipt(ctx, txHash); err != nil {
		return wrapRpc("approve", err)
	}
	return nil
}

func (g Gateway) sendCall(ctx context.Context, op string, signer Signer, data []byte) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	nonce, err := g.Client.PendingNonce(ctx, signer.Address())
	if err != nil {
		return "", wrapRpc(op, err)
	}
	rawTx, err := signer.SignTransaction(ctx, g.ContractAddress, data, nonce, 200000)
	if err != nil {
		return "", wrapRpc(op, err)
	}
	txHash, err := g.Client.SendRawTransaction(ctx, rawTx)
	if err != nil {
		return "", wrapRpc(op, err)
	}
	if err := g.Client.WaitForReceipt(ctx, txHash); err != nil {
		return "", wrapRpc(op, err)
	}
	return txHash, nil
}

func wrapRpc(op string, err error) error {
	if saltdigerr.Retryable(err) {
		return err
	}
	return saltdigerr.EscrowRpcFailure(op, err)
}

func humanizeAmount(wei *big.Int) string {
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(usdcDecimals), nil)
	whole := new(big.Int)
	rem := new(big.Int)
	whole.DivMod(wei, divisor, rem)
	return formatFixed(whole, rem, usdcDecimals)
}

func formatFixed(whole, rem *big.Int, decimals int) string {
	fracStr := rem.String()
	for len(fracStr) < decimals {
		fracStr = "0" + fracStr
	}
	return whole.String() + "." + fracStr
}

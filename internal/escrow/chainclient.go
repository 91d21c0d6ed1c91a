package escrow

import (
	"context"
	"math/big"
)

// Signer produces a signed, broadcast-ready transaction for a call against
// the escrow (or ERC-20) contract. The core does not define key custody or
// the signing algorithm; HOSTED_ENCRYPTION_KEY-backed key storage and the
// secp256k1 signature itself are external collaborators injected here.
type Signer interface {
	Address() string
	SignTransaction(ctx context.Context, to string, data []byte, nonce uint64, gasLimit uint64) ([]byte, error)
}

// ChainClient is the wire-level collaborator for the EVM L2 the escrow
// contract is deployed on. The gateway never talks JSON-RPC directly; it
// composes calls through this interface so tests can substitute a fake.
type ChainClient interface {
	Call(ctx context.Context, to string, data []byte) ([]byte, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (txHash string, err error)
	WaitForReceipt(ctx context.Context, txHash string) error
	ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	ERC20Approve(ctx context.Context, signer Signer, token, spender string, amount *big.Int) (txHash string, err error)
}

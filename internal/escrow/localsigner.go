package escrow

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// LocalSigner signs with a key held in process memory, for CLI and
// reconciler use against a devnet or test fake. Production custody
// (HOSTED_ENCRYPTION_KEY-backed, secp256k1) is an external collaborator per
// the Signer interface's own contract; no such library exists anywhere in
// the retrieved pack, so this stands in using only the stdlib P256 curve
// (Ethereum's secp256k1 is not one of the curves crypto/elliptic exposes).
// Addresses produced here are NOT valid Ethereum addresses; they identify
// the key within this process only.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewLocalSigner derives a signer from a hex-encoded scalar, as read from
// PLATFORM_WALLET_KEY or an agent's configured wallet key.
func NewLocalSigner(hexKey string) (LocalSigner, error) {
	raw, err := hex.DecodeString(trimHexPrefix(hexKey))
	if err != nil {
		return LocalSigner{}, fmt.Errorf("invalid signer key: %w", err)
	}
	curve := elliptic.P256()
	key := new(ecdsa.PrivateKey)
	key.PublicKey.Curve = curve
	key.D = new(big.Int).SetBytes(raw)
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)
	addr := Keccak256(elliptic.Marshal(curve, key.PublicKey.X, key.PublicKey.Y))
	return LocalSigner{key: key, address: fmt.Sprintf("0x%x", addr[12:])}, nil
}

// GenerateLocalSigner creates a fresh random signer, for dev workflows that
// have no wallet key configured yet.
func GenerateLocalSigner() (LocalSigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return LocalSigner{}, err
	}
	addr := Keccak256(elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y))
	return LocalSigner{key: key, address: fmt.Sprintf("0x%x", addr[12:])}, nil
}

func (s LocalSigner) Address() string { return s.address }

// SignTransaction produces a stand-in "signed transaction": the ECDSA
// signature over keccak256(to || data || nonce || gasLimit), concatenated
// with the fields it covers. The signature draws on crypto/rand, so two
// calls with the same inputs return different bytes. The fake chain client in tests
// and a local devnet fake both only need the bytes to round-trip through
// SendRawTransaction; no real L2 will accept this payload.
func (s LocalSigner) SignTransaction(ctx context.Context, to string, data []byte, nonce, gasLimit uint64) ([]byte, error) {
	payload := append([]byte(to), data...)
	nonceBytes := encodeUint256(new(big.Int).SetUint64(nonce))
	gasLimitBytes := encodeUint256(new(big.Int).SetUint64(gasLimit))
	payload = append(payload, nonceBytes[:]...)
	payload = append(payload, gasLimitBytes[:]...)
	digest := Keccak256(payload)
	r, sVal, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+64)
	out = append(out, payload...)
	out = append(out, r.Bytes()...)
	out = append(out, sVal.Bytes()...)
	return out, nil
}

package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes data with the exact algorithm the escrow contract's
// computeHash and every Solidity event selector use; it is NOT the NIST
// SHA3-256 standard, which golang.org/x/crypto/sha3 only exposes via the
// legacy constructor.
func Keccak256(data []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// selector returns the first four bytes of keccak256(signature), the
// function selector Solidity prefixes every call's data with.
func selector(signature string) []byte {
	h := Keccak256([]byte(signature))
	return h[:4]
}

func encodeUint256(v *big.Int) [32]byte {
	var out [32]byte
	v.FillBytes(out[:])
	return out
}

func encodeBytes32(b [32]byte) [32]byte { return b }

// encodeString returns the ABI tail encoding of a dynamic string: a
// 32-byte length word followed by the UTF-8 bytes, right-padded to a
// multiple of 32 bytes.
func encodeString(s string) []byte {
	data := []byte(s)
	length := big.NewInt(int64(len(data)))
	out := make([]byte, 32)
	length.FillBytes(out)
	out = append(out, data...)
	if pad := (32 - len(data)%32) % 32; pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

// encodeCreateBounty ABI-encodes createBounty(string,uint256,uint256).
func encodeCreateBounty(bountyID string, amount, deadline *big.Int) []byte {
	data := selector("createBounty(string,uint256,uint256)")
	head := make([]byte, 0, 96)
	offset := encodeUint256(big.NewInt(96)) // 3 head slots precede the tail
	head = append(head, offset[:]...)
	amt := encodeUint256(amount)
	head = append(head, amt[:]...)
	dl := encodeUint256(deadline)
	head = append(head, dl[:]...)
	tail := encodeString(bountyID)
	data = append(data, head...)
	data = append(data, tail...)
	return data
}

// encodeHashCall ABI-encodes any function of signature `name(bytes32)`.
func encodeHashCall(signature string, hash [32]byte) []byte {
	data := selector(signature)
	enc := encodeBytes32(hash)
	return append(data, enc[:]...)
}

// encodeComputeHash ABI-encodes computeHash(string).
func encodeComputeHash(id string) []byte {
	data := selector("computeHash(string)")
	offset := encodeUint256(big.NewInt(32))
	data = append(data, offset[:]...)
	data = append(data, encodeString(id)...)
	return data
}

// decodeBytes32 reads a bytes32 return value.
func decodeBytes32(out []byte) ([32]byte, error) {
	var b [32]byte
	if len(out) < 32 {
		return b, fmt.Errorf("short return data: %d bytes", len(out))
	}
	copy(b[:], out[:32])
	return b, nil
}

// decodeUint256At reads the uint256 word at the given 32-byte slot index.
func decodeUint256At(out []byte, slot int) (*big.Int, error) {
	start := slot * 32
	if len(out) < start+32 {
		return nil, fmt.Errorf("short return data for slot %d", slot)
	}
	return new(big.Int).SetBytes(out[start : start+32]), nil
}

// decodeAddressAt reads the address (right-aligned in its 32-byte slot) at
// the given slot index, returning the canonical 0x-prefixed lowercase form.
func decodeAddressAt(out []byte, slot int) (string, error) {
	start := slot * 32
	if len(out) < start+32 {
		return "", fmt.Errorf("short return data for slot %d", slot)
	}
	return fmt.Sprintf("0x%x", out[start+12:start+32]), nil
}

// decodeStringAt reads a dynamic string whose offset lives at the given
// head slot index.
func decodeStringAt(out []byte, headSlot int) (string, error) {
	offset, err := decodeUint256At(out, headSlot)
	if err != nil {
		return "", err
	}
	pos := int(offset.Int64())
	if len(out) < pos+32 {
		return "", fmt.Errorf("short return data for string length")
	}
	length := binary.BigEndian.Uint64(out[pos+24 : pos+32])
	start := pos + 32
	if len(out) < start+int(length) {
		return "", fmt.Errorf("short return data for string body")
	}
	return string(out[start : start+int(length)]), nil
}

// bountiesReturnSlots is the number of fixed 32-byte head slots in
// bounties(bytes32)'s return tuple before the dynamic bountyId tail.
const bountiesReturnSlots = 7

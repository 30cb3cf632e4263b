package canon

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// CIDPrefix is the scheme prefix for content identifiers.
const CIDPrefix = "b3:"

// CIDFromBytes computes the content identifier of raw bytes directly,
// without canonicalization. Used for knock_cid, which per invariant I4 is
// the CID of the raw inbound envelope bytes, not of its canonical form.
func CIDFromBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return CIDPrefix + hex.EncodeToString(sum[:])
}

// CIDFromValue computes the CID of a canonical Value: cid(v) = b3(NRF-1(v)).
func CIDFromValue(v Value) (string, error) {
	data, err := Encode(v)
	if err != nil {
		return "", err
	}
	return CIDFromBytes(data), nil
}

// CID canonicalizes and hashes in one step, enforcing invariant I1:
// cid(v) = cid(ρ(v)).
func CID(v interface{}) (string, error) {
	cv, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return CIDFromValue(cv)
}

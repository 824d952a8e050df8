// Package cidutil derives content identifiers.
//
// BuildCID names declaration payloads the way the registry does: a base58btc
// sha2-256 multihash over the canonical JSON bytes. The CIDv1 raw helpers
// key the evidence archive.
package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/canonical"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// BuildCID canonically encodes payload and returns the base58btc encoding
// of 0x12 0x20 || sha256(bytes).
func BuildCID(payload any) (string, error) {
	b, err := canonical.Encode(payload)
	if err != nil {
		return "", err
	}
	return BuildCIDFromCanonical(b)
}

// BuildCIDFromCanonical is BuildCID for bytes that are already canonical.
func BuildCIDFromCanonical(b []byte) (string, error) {
	sum, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		return "", errs.Wrap(errs.KindEncoding, "build cid", "multihash failed", err)
	}
	return sum.B58String(), nil
}

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	id, err := CIDv1RawSHA256CID(data)
	if err != nil {
		// sha2-256 with default length cannot fail.
		return ""
	}
	return id.String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

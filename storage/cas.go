// Package storage defines the content-addressed store that keeps the
// evidence of every submission: envelopes, raw time-stamp requests and
// responses, and the index tying them together.
//
// Objects are keyed by CIDv1 (raw codec, sha2-256) computed from the bytes
// written, so anyone holding a CID can check what a backend returns.
package storage

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/cidutil"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidCID  = errors.New("storage: invalid cid")
	ErrCIDMismatch = errors.New("storage: cid mismatch")
	ErrImmutable   = errors.New("storage: object already stored with different bytes")
	ErrNoBackends  = errors.New("storage: no backends configured")
)

// CAS is an evidence store. Implementations must be safe for concurrent
// use.
//
// Put is idempotent and returns Sum(data). An object, once stored, never
// changes. Get returns ErrNotFound for an absent CID and ErrInvalidCID for
// cid.Undef. Has reports absence as (false, nil); the error is reserved for
// a backend that could not answer.
type CAS interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) (bool, error)
}

// Sum returns the CID data is stored under.
func Sum(data []byte) (cid.Cid, error) {
	return cidutil.CIDv1RawSHA256CID(data)
}

// Check returns ErrCIDMismatch unless data hashes to id.
func Check(id cid.Cid, data []byte) error {
	got, err := Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return ErrCIDMismatch
	}
	return nil
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

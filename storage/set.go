package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"
)

// Backend is a CAS under the name it was configured with.
type Backend struct {
	Name string
	CAS  CAS
}

// WritePolicy selects which backends of a Set receive writes.
type WritePolicy int

const (
	// WriteFirst writes to the first backend only.
	WriteFirst WritePolicy = iota
	// WriteAll writes to every backend concurrently and fails unless each
	// one acknowledges the expected CID.
	WriteAll
)

func (p WritePolicy) String() string {
	switch p {
	case WriteFirst:
		return "first"
	case WriteAll:
		return "all"
	default:
		return fmt.Sprintf("WritePolicy(%d)", int(p))
	}
}

func (p WritePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText accepts "first", "all" or an empty string for WriteFirst.
func (p *WritePolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "first":
		*p = WriteFirst
	case "all":
		*p = WriteAll
	default:
		return fmt.Errorf("storage: unknown write policy %q", b)
	}
	return nil
}

// Set combines backends into one CAS. Reads try the backends in order, so
// an object held by any of them is found even while another is down.
type Set struct {
	Backends []Backend
	Policy   WritePolicy
}

var _ CAS = (*Set)(nil)

func (s *Set) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if s.Policy == WriteAll {
		id, _, err := s.Replicate(ctx, data)
		return id, err
	}
	if len(s.Backends) == 0 {
		return cid.Undef, ErrNoBackends
	}
	b := s.Backends[0]
	id, err := b.CAS.Put(ctx, data)
	if err != nil {
		return cid.Undef, fmt.Errorf("storage: backend %q: %w", b.Name, err)
	}
	return id, nil
}

// Replicate writes data to every backend at once and returns the expected
// CID with the CID each backend acknowledged. Backends that failed are
// missing from the map.
func (s *Set) Replicate(ctx context.Context, data []byte) (cid.Cid, map[string]cid.Cid, error) {
	want, err := Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	if len(s.Backends) == 0 {
		return cid.Undef, nil, ErrNoBackends
	}

	acks := make([]cid.Cid, len(s.Backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range s.Backends {
		g.Go(func() error {
			got, err := b.CAS.Put(gctx, data)
			if err != nil {
				return fmt.Errorf("storage: backend %q: %w", b.Name, err)
			}
			acks[i] = got
			if !got.Equals(want) {
				return fmt.Errorf("storage: backend %q acknowledged %s: %w", b.Name, got, ErrCIDMismatch)
			}
			return nil
		})
	}
	err = g.Wait()

	per := make(map[string]cid.Cid, len(s.Backends))
	for i, b := range s.Backends {
		if acks[i].Defined() {
			per[b.Name] = acks[i]
		}
	}
	if err != nil {
		return cid.Undef, per, err
	}
	return want, per, nil
}

func (s *Set) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	var failures []error
	for _, b := range s.Backends {
		data, err := b.CAS.Get(ctx, id)
		if err == nil {
			return data, nil
		}
		if !IsNotFound(err) {
			failures = append(failures, fmt.Errorf("storage: backend %q: %w", b.Name, err))
		}
	}
	if len(failures) > 0 {
		return nil, errors.Join(failures...)
	}
	return nil, ErrNotFound
}

func (s *Set) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	var failures []error
	for _, b := range s.Backends {
		ok, err := b.CAS.Has(ctx, id)
		if err != nil {
			failures = append(failures, fmt.Errorf("storage: backend %q: %w", b.Name, err))
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(failures...)
}

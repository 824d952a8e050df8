// Package itemlock serialises work on a single source item across
// goroutines (Local) or processes (Redis).
package itemlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// Locker hands out exclusive, non-blocking per-item locks. Acquire on an
// item that is already held fails with errs.KindConflict.
type Locker interface {
	Acquire(ctx context.Context, sourceItemID int64) (Lock, error)
}

// Lock is a held item lock.
type Lock interface {
	Release(ctx context.Context) error
}

func held(sourceItemID int64) error {
	return errs.New(errs.KindConflict, "acquire item lock",
		fmt.Sprintf("source item %d is being processed elsewhere", sourceItemID))
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

var _ Locker = (*Local)(nil)

// NewLocal returns an empty in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[int64]struct{})}
}

func (l *Local) Acquire(ctx context.Context, sourceItemID int64) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[sourceItemID]; ok {
		return nil, held(sourceItemID)
	}
	l.held[sourceItemID] = struct{}{}
	return &localLock{owner: l, id: sourceItemID}, nil
}

type localLock struct {
	owner *Local
	id    int64
	once  sync.Once
}

func (k *localLock) Release(context.Context) error {
	k.once.Do(func() {
		k.owner.mu.Lock()
		delete(k.owner.held, k.id)
		k.owner.mu.Unlock()
	})
	return nil
}

package journal

import (
	"context"
	"slices"
	"sync"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// Memory is an in-process Journal. It is safe for concurrent use and is
// meant for dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	records []*Record
	byItem  map[int64]*Record
	tags    map[string]struct{}
	nextID  int64
	closed  bool
	opts    options
}

// NewMemory returns an empty in-memory journal.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		byItem: make(map[int64]*Record),
		tags:   make(map[string]struct{}),
		opts:   buildOptions(opts),
	}
}

func (m *Memory) checkOpen(op string) error {
	if m.closed {
		return errs.Unavailable(op, errClosed)
	}
	return nil
}

func (m *Memory) FindBySourceItem(ctx context.Context, sourceItemID int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("find by source item"); err != nil {
		return nil, err
	}
	return m.byItem[sourceItemID].Clone(), nil
}

func (m *Memory) FindByContentHash(ctx context.Context, contentHash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("find by content hash"); err != nil {
		return nil, err
	}
	var first *Record
	for _, r := range m.records {
		if r.ContentHash != contentHash {
			continue
		}
		if r.Fingerprint != nil {
			return r.Clone(), nil
		}
		if first == nil {
			first = r
		}
	}
	return first.Clone(), nil
}

func (m *Memory) Create(ctx context.Context, tags []string, sourceItemID, sourceRevisionID int64, contentHash string) (*Record, error) {
	tags, err := validateCreate(tags, contentHash)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("create declaration"); err != nil {
		return nil, err
	}
	if _, ok := m.byItem[sourceItemID]; ok {
		return nil, conflict(sourceItemID, nil)
	}
	m.nextID++
	ts := m.opts.now()
	r := &Record{
		ID:               m.nextID,
		SourceItemID:     sourceItemID,
		SourceRevisionID: sourceRevisionID,
		ContentHash:      contentHash,
		Tags:             tags,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	for _, t := range tags {
		m.tags[t] = struct{}{}
	}
	m.records = append(m.records, r)
	m.byItem[sourceItemID] = r
	return r.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, rec *Record, patch Patch) (*Record, error) {
	if rec == nil {
		return nil, nilRecord()
	}
	if err := patch.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("update declaration"); err != nil {
		return nil, err
	}
	stored, ok := m.byItem[rec.SourceItemID]
	if !ok || stored.ID != rec.ID {
		return nil, errs.Newf(errs.KindInternal, "update declaration", "record %d does not exist", rec.ID)
	}
	patch.apply(stored, m.opts.now())
	for _, t := range stored.Tags {
		m.tags[t] = struct{}{}
	}
	return stored.Clone(), nil
}

func (m *Memory) ListByTag(ctx context.Context, tag string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("list declarations"); err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range m.records {
		if tag != "" && !r.HasTag(tag) {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) TagExists(ctx context.Context, label string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("tag exists"); err != nil {
		return false, err
	}
	_, ok := m.tags[label]
	return ok, nil
}

func (m *Memory) ListTags(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("list tags"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.tags))
	for t := range m.tags {
		out = append(out, t)
	}
	slices.Sort(out)
	return out, nil
}

// Close marks the journal unavailable; later calls fail with
// errs.KindJournalUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

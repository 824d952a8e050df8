// Package journal records the per-item state of declarations so batch runs
// can resume, skip registered items and reuse fingerprints.
//
// A record moves through NEW (absent), FINGERPRINT_PENDING, FINGERPRINTED
// and REGISTERED. Records are never deleted. Source item ids are unique;
// creating a second record for the same item fails with errs.KindConflict.
//
// Stores whose underlying connection is no longer trustworthy report
// errs.KindJournalUnavailable, which callers must treat as fatal for the
// whole run.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// Journal is a persistent store of declaration records.
type Journal interface {
	// FindBySourceItem returns nil, nil when no record exists.
	FindBySourceItem(ctx context.Context, sourceItemID int64) (*Record, error)
	// FindByContentHash prefers a record that already has a fingerprint.
	FindByContentHash(ctx context.Context, contentHash string) (*Record, error)
	Create(ctx context.Context, tags []string, sourceItemID, sourceRevisionID int64, contentHash string) (*Record, error)
	// Update applies patch to rec and always refreshes UpdatedAt.
	Update(ctx context.Context, rec *Record, patch Patch) (*Record, error)
	// ListByTag returns records in creation order. An empty tag lists all
	// records; limit 0 means no limit.
	ListByTag(ctx context.Context, tag string, limit int) ([]*Record, error)
	TagExists(ctx context.Context, label string) (bool, error)
	// ListTags returns all labels, sorted.
	ListTags(ctx context.Context) ([]string, error)
	Close() error
}

// Open connects to the journal named by rawURL. Supported schemes are
// postgres, postgresql, sqlite, sqlite3 and memory. SQLite URLs follow the
// SQLAlchemy convention: sqlite:///relative.db and sqlite:////abs/path.db.
func Open(ctx context.Context, rawURL string, opts ...Option) (Journal, error) {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, errs.Newf(errs.KindConfig, "open journal", "journal URL %q has no scheme", rawURL)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return OpenPostgres(ctx, rawURL, opts...)
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, sqlitePath(rest), opts...)
	case "memory", "mem":
		return NewMemory(opts...), nil
	default:
		return nil, errs.Newf(errs.KindConfig, "open journal", "unsupported journal scheme %q", scheme)
	}
}

func sqlitePath(rest string) string {
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		rest = rest[:q]
	}
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" || rest == ":memory:" {
		return ":memory:"
	}
	if unescaped, err := url.PathUnescape(rest); err == nil {
		return unescaped
	}
	return rest
}

// Option configures a store.
type Option func(*options)

type options struct {
	clock  func() time.Time
	logger *slog.Logger
}

// WithClock sets the time source for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	o.logger = o.logger.With(slog.String("component", "journal"))
	return o
}

// now is truncated to microseconds so the value survives a round trip
// through postgres.
func (o options) now() time.Time {
	return o.clock().UTC().Truncate(time.Microsecond)
}

func checkLen(field, value string, limit int) error {
	if len(value) > limit {
		return errs.Newf(errs.KindInternal, "journal", "%s %q exceeds %d characters", field, value, limit)
	}
	return nil
}

// normalizeTags trims, drops empties and duplicates, and sorts labels.
func normalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > MaxTagLen {
			return nil, errs.Newf(errs.KindInternal, "journal", "tag %q exceeds %d characters", t, MaxTagLen)
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func mergeTags(have, add []string) []string {
	if len(add) == 0 {
		return have
	}
	merged := append(slices.Clone(have), add...)
	slices.Sort(merged)
	return slices.Compact(merged)
}

func validateCreate(tags []string, contentHash string) ([]string, error) {
	if err := checkLen("content hash", contentHash, MaxContentHashLen); err != nil {
		return nil, err
	}
	return normalizeTags(tags)
}

func conflict(sourceItemID int64, cause error) error {
	return errs.Wrap(errs.KindConflict, "create declaration",
		fmt.Sprintf("a record for source item %d already exists", sourceItemID), cause)
}

func nilRecord() error {
	return errs.New(errs.KindInternal, "update declaration", "nil record")
}

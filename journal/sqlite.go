package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

var errClosed = errors.New("journal is closed")

// tagSeparator is char(31), the group_concat separator for labels.
const tagSeparator = "\x1f"

const sqliteRecordColumns = `d.id, d.source_item_id, d.source_revision_id, COALESCE(d.content_hash, ''),
	d.fingerprint, d.file_size, d.width, d.height, d.download_seconds, d.fingerprint_seconds,
	d.registered_cid, d.supersedes_cid, d.created_at, d.updated_at,
	COALESCE((SELECT group_concat(t.label, char(31))
		FROM tag_association ta JOIN tag t ON t.id = ta.tag_id
		WHERE ta.declaration_id = d.id), '')`

// SQLite is a Journal stored in a single SQLite file.
type SQLite struct {
	db     *sql.DB
	opts   options
	closed atomic.Bool
}

var _ Journal = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates
// the schema. path ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errs.Unavailable("open journal", err)
	}
	// One connection serialises writers and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, sqliteError("open journal", err)
	}
	if err := migrateSQLite(db, o.logger); err != nil {
		db.Close()
		return nil, errs.Unavailable("migrate journal", err)
	}
	o.logger.Info("journal connected",
		slog.String("backend", "sqlite"),
		slog.String("path", path))
	return &SQLite{db: db, opts: o}, nil
}

func (s *SQLite) checkOpen(op string) error {
	if s.closed.Load() {
		return errs.Unavailable(op, errClosed)
	}
	return nil
}

func (s *SQLite) FindBySourceItem(ctx context.Context, sourceItemID int64) (*Record, error) {
	if err := s.checkOpen("find by source item"); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM declaration d WHERE d.source_item_id = ?`, sourceItemID)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteError("find by source item", err)
	}
	return r, nil
}

func (s *SQLite) FindByContentHash(ctx context.Context, contentHash string) (*Record, error) {
	if err := s.checkOpen("find by content hash"); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM declaration d
		WHERE d.content_hash = ?
		ORDER BY d.fingerprint IS NULL, d.id
		LIMIT 1`, contentHash)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteError("find by content hash", err)
	}
	return r, nil
}

func (s *SQLite) Create(ctx context.Context, tags []string, sourceItemID, sourceRevisionID int64, contentHash string) (*Record, error) {
	tags, err := validateCreate(tags, contentHash)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpen("create declaration"); err != nil {
		return nil, err
	}
	ts := s.opts.now()
	r := &Record{
		SourceItemID:     sourceItemID,
		SourceRevisionID: sourceRevisionID,
		ContentHash:      contentHash,
		Tags:             tags,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO declaration
			(created_at, updated_at, source_item_id, source_revision_id, content_hash)
			VALUES (?, ?, ?, ?, ?)`,
			formatTime(ts), formatTime(ts), sourceItemID, sourceRevisionID, contentHash)
		if err != nil {
			return err
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return sqliteAttachTags(ctx, tx, r.ID, tags)
	})
	if isSQLiteUniqueViolation(err) {
		return nil, conflict(sourceItemID, err)
	}
	if err != nil {
		return nil, sqliteError("create declaration", err)
	}
	return r, nil
}

func (s *SQLite) Update(ctx context.Context, rec *Record, patch Patch) (*Record, error) {
	if rec == nil {
		return nil, nilRecord()
	}
	if err := patch.validate(); err != nil {
		return nil, err
	}
	if err := s.checkOpen("update declaration"); err != nil {
		return nil, err
	}
	next := rec.Clone()
	patch.apply(next, s.opts.now())
	added, _ := normalizeTags(patch.AddTags)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE declaration SET
			updated_at = ?, source_revision_id = ?, content_hash = ?,
			fingerprint = ?, file_size = ?, width = ?, height = ?,
			download_seconds = ?, fingerprint_seconds = ?, registered_cid = ?,
			supersedes_cid = ?
			WHERE id = ?`,
			formatTime(next.UpdatedAt), next.SourceRevisionID, next.ContentHash,
			next.Fingerprint, next.FileSize, next.Width, next.Height,
			next.DownloadDuration, next.FingerprintDuration, next.RegisteredCID,
			next.SupersedesCID, next.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errs.Newf(errs.KindInternal, "update declaration", "record %d does not exist", next.ID)
		}
		return sqliteAttachTags(ctx, tx, next.ID, added)
	})
	if err != nil {
		return nil, sqliteError("update declaration", err)
	}
	return next, nil
}

func (s *SQLite) ListByTag(ctx context.Context, tag string, limit int) ([]*Record, error) {
	if err := s.checkOpen("list declarations"); err != nil {
		return nil, err
	}
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT ` + sqliteRecordColumns + ` FROM declaration d`)
	if tag != "" {
		args = append(args, tag)
		query.WriteString(` WHERE EXISTS (SELECT 1 FROM tag_association ta JOIN tag t ON t.id = ta.tag_id
			WHERE ta.declaration_id = d.id AND t.label = ?)`)
	}
	query.WriteString(` ORDER BY d.id`)
	if limit > 0 {
		args = append(args, limit)
		query.WriteString(` LIMIT ?`)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, sqliteError("list declarations", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, sqliteError("list declarations", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("list declarations", err)
	}
	return out, nil
}

func (s *SQLite) TagExists(ctx context.Context, label string) (bool, error) {
	if err := s.checkOpen("tag exists"); err != nil {
		return false, err
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tag WHERE label = ?)`, label).Scan(&exists)
	if err != nil {
		return false, sqliteError("tag exists", err)
	}
	return exists, nil
}

func (s *SQLite) ListTags(ctx context.Context) ([]string, error) {
	if err := s.checkOpen("list tags"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT label FROM tag ORDER BY label`)
	if err != nil {
		return nil, sqliteError("list tags", err)
	}
	defer rows.Close()
	labels := []string{}
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, sqliteError("list tags", err)
		}
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("list tags", err)
	}
	return labels, nil
}

// Close closes the database. Later calls fail with
// errs.KindJournalUnavailable.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func sqliteAttachTags(ctx context.Context, tx *sql.Tx, declarationID int64, tags []string) error {
	for _, label := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tag (label) VALUES (?) ON CONFLICT (label) DO NOTHING`, label); err != nil {
			return err
		}
		var tagID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM tag WHERE label = ?`, label).Scan(&tagID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tag_association (declaration_id, tag_id)
			VALUES (?, ?)`, declarationID, tagID); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*Record, error) {
	var (
		r                Record
		created, updated string
		tags             string
	)
	err := row.Scan(
		&r.ID, &r.SourceItemID, &r.SourceRevisionID, &r.ContentHash,
		&r.Fingerprint, &r.FileSize, &r.Width, &r.Height, &r.DownloadDuration, &r.FingerprintDuration,
		&r.RegisteredCID, &r.SupersedesCID, &created, &updated, &tags,
	)
	if err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if tags != "" {
		r.Tags = strings.Split(tags, tagSeparator)
		slices.Sort(r.Tags)
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	return errors.As(err, &sqErr) &&
		(sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// sqliteError maps a damaged or unreachable database file to
// errs.KindJournalUnavailable and wraps everything else with op.
func sqliteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errs.As(err); ok {
		return err
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return errs.Unavailable(op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errs.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

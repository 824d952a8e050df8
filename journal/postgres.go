package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgRecordColumns = `d.id, d.source_item_id, d.source_revision_id, COALESCE(d.content_hash, ''),
	d.fingerprint, d.file_size, d.width, d.height, d.download_seconds, d.fingerprint_seconds,
	d.registered_cid, d.supersedes_cid, d.created_at, d.updated_at,
	COALESCE((SELECT array_agg(t.label ORDER BY t.label)
		FROM tag_association ta JOIN tag t ON t.id = ta.tag_id
		WHERE ta.declaration_id = d.id), '{}')`

// Postgres is a Journal backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	opts options
}

var _ Journal = (*Postgres)(nil)

// OpenPostgres connects, pings and migrates the schema.
func OpenPostgres(ctx context.Context, rawURL string, opts ...Option) (*Postgres, error) {
	o := buildOptions(opts)
	poolCfg, err := pgxpool.ParseConfig(rawURL)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "open journal", "invalid postgres URL", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.Unavailable("open journal", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Unavailable("open journal", err)
	}
	if err := migratePostgres(rawURL, o.logger); err != nil {
		pool.Close()
		return nil, errs.Unavailable("migrate journal", err)
	}
	o.logger.Info("journal connected",
		slog.String("backend", "postgres"),
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database))
	return &Postgres{pool: pool, opts: o}, nil
}

// NewPostgres wraps an existing, already migrated pool.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	return &Postgres{pool: pool, opts: buildOptions(opts)}
}

func (p *Postgres) FindBySourceItem(ctx context.Context, sourceItemID int64) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgRecordColumns+` FROM declaration d WHERE d.source_item_id = $1`, sourceItemID)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("find by source item", err)
	}
	return r, nil
}

func (p *Postgres) FindByContentHash(ctx context.Context, contentHash string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgRecordColumns+` FROM declaration d
		WHERE d.content_hash = $1
		ORDER BY d.fingerprint IS NULL, d.id
		LIMIT 1`, contentHash)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("find by content hash", err)
	}
	return r, nil
}

func (p *Postgres) Create(ctx context.Context, tags []string, sourceItemID, sourceRevisionID int64, contentHash string) (*Record, error) {
	tags, err := validateCreate(tags, contentHash)
	if err != nil {
		return nil, err
	}
	ts := p.opts.now()
	r := &Record{
		SourceItemID:     sourceItemID,
		SourceRevisionID: sourceRevisionID,
		ContentHash:      contentHash,
		Tags:             tags,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO declaration
			(created_at, updated_at, source_item_id, source_revision_id, content_hash)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			ts, ts, sourceItemID, sourceRevisionID, contentHash).Scan(&r.ID)
		if err != nil {
			return err
		}
		return pgAttachTags(ctx, tx, r.ID, tags)
	})
	if isUniqueViolation(err) {
		return nil, conflict(sourceItemID, err)
	}
	if err != nil {
		return nil, pgError("create declaration", err)
	}
	return r, nil
}

func (p *Postgres) Update(ctx context.Context, rec *Record, patch Patch) (*Record, error) {
	if rec == nil {
		return nil, nilRecord()
	}
	if err := patch.validate(); err != nil {
		return nil, err
	}
	next := rec.Clone()
	patch.apply(next, p.opts.now())
	added, _ := normalizeTags(patch.AddTags)

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE declaration SET
			updated_at = $2, source_revision_id = $3, content_hash = $4,
			fingerprint = $5, file_size = $6, width = $7, height = $8,
			download_seconds = $9, fingerprint_seconds = $10, registered_cid = $11,
			supersedes_cid = $12
			WHERE id = $1`,
			next.ID, next.UpdatedAt, next.SourceRevisionID, next.ContentHash,
			next.Fingerprint, next.FileSize, next.Width, next.Height,
			next.DownloadDuration, next.FingerprintDuration, next.RegisteredCID,
			next.SupersedesCID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.Newf(errs.KindInternal, "update declaration", "record %d does not exist", next.ID)
		}
		return pgAttachTags(ctx, tx, next.ID, added)
	})
	if err != nil {
		return nil, pgError("update declaration", err)
	}
	return next, nil
}

func (p *Postgres) ListByTag(ctx context.Context, tag string, limit int) ([]*Record, error) {
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT ` + pgRecordColumns + ` FROM declaration d`)
	if tag != "" {
		args = append(args, tag)
		query.WriteString(` WHERE EXISTS (SELECT 1 FROM tag_association ta JOIN tag t ON t.id = ta.tag_id
			WHERE ta.declaration_id = d.id AND t.label = $1)`)
	}
	query.WriteString(` ORDER BY d.id`)
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&query, ` LIMIT $%d`, len(args))
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, pgError("list declarations", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, pgError("list declarations", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("list declarations", err)
	}
	return out, nil
}

func (p *Postgres) TagExists(ctx context.Context, label string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tag WHERE label = $1)`, label).Scan(&exists)
	if err != nil {
		return false, pgError("tag exists", err)
	}
	return exists, nil
}

func (p *Postgres) ListTags(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT label FROM tag ORDER BY label`)
	if err != nil {
		return nil, pgError("list tags", err)
	}
	labels, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pgError("list tags", err)
	}
	return labels, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// inTx runs fn in one transaction, committed on success.
func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func pgAttachTags(ctx context.Context, db DBTX, declarationID int64, tags []string) error {
	for _, label := range tags {
		var tagID int32
		err := db.QueryRow(ctx, `INSERT INTO tag (label) VALUES ($1)
			ON CONFLICT (label) DO UPDATE SET label = EXCLUDED.label
			RETURNING id`, label).Scan(&tagID)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, `INSERT INTO tag_association (declaration_id, tag_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, declarationID, tagID); err != nil {
			return err
		}
	}
	return nil
}

func scanPgRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(
		&r.ID, &r.SourceItemID, &r.SourceRevisionID, &r.ContentHash,
		&r.Fingerprint, &r.FileSize, &r.Width, &r.Height, &r.DownloadDuration, &r.FingerprintDuration,
		&r.RegisteredCID, &r.SupersedesCID, &r.CreatedAt, &r.UpdatedAt, &r.Tags,
	)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// brokenSQLStates are server conditions after which the session cannot be
// trusted: connection exceptions (class 08), a failed transaction and
// server shutdown.
var brokenSQLStates = map[string]bool{
	"25P02": true, // in_failed_sql_transaction
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// pgError maps broken-connection failures to errs.KindJournalUnavailable and
// wraps everything else with op.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errs.As(err); ok {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || brokenSQLStates[pgErr.Code] {
			return errs.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, puddle.ErrClosedPool),
		errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF):
		return errs.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

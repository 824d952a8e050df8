package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/commons"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/declaration"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/journal"
)

// processItem takes one file as far as the run options allow and returns
// its outcome.
func (r *Runner) processItem(ctx context.Context, logger *slog.Logger, title, batchTag string) (string, error) {
	logger.Info("processing file")
	f, err := r.source.File(ctx, title)
	if err != nil {
		return "", err
	}
	logger = logger.With(slog.Int64("page_id", f.PageID))

	lock, err := r.locker.Acquire(ctx, f.PageID)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("could not release item lock", slog.Any("error", err))
		}
	}()

	rec, mode, err := r.record(ctx, logger, f, batchTag)
	if err != nil {
		return "", err
	}
	if mode == recordDone {
		return OutcomeSkipped, nil
	}

	rec, err = r.ensureFingerprint(ctx, logger, f, rec, mode)
	if err != nil {
		return "", err
	}
	if r.opts.FingerprintOnly {
		return OutcomeFingerprinted, nil
	}
	return r.declare(ctx, logger, f, rec)
}

// recordMode says how the rest of an item may treat its record.
type recordMode int

const (
	// recordLive records are written back to the journal.
	recordLive recordMode = iota
	// recordDone records need no further work.
	recordDone
	// recordPreview records are in-memory copies a dry run must not store.
	recordPreview
)

// record finds or creates the journal record for f and brings it up to
// date with the file's latest revision.
func (r *Runner) record(ctx context.Context, logger *slog.Logger, f *commons.File, batchTag string) (*journal.Record, recordMode, error) {
	rec, err := r.journal.FindBySourceItem(ctx, f.PageID)
	if err != nil {
		return nil, recordLive, err
	}
	if rec == nil {
		tags := append(slices.Clone(r.opts.Tags), batchTag)
		rec, err = r.journal.Create(ctx, tags, f.PageID, f.RevisionID, f.SHA1)
		if err != nil {
			return nil, recordLive, err
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "record created", rec.LogAttrs()...)
		return rec, recordLive, nil
	}

	logger.Info("page already has a record", slog.Int64("record_id", rec.ID), slog.String("state", rec.State().String()))
	changed := rec.ContentHash != f.SHA1
	revised := rec.SourceRevisionID != f.RevisionID
	patch := journal.Patch{}
	switch {
	case rec.RegisteredCID != nil && (!r.opts.Update || !changed):
		logger.Info("skipping registered record", slog.String("registered_cid", *rec.RegisteredCID))
		if changed || !revised {
			return rec, recordDone, nil
		}
		// Same content under a newer revision.
		_, err := r.journal.Update(ctx, rec, journal.Patch{SourceRevisionID: &f.RevisionID})
		return rec, recordDone, err
	case rec.RegisteredCID != nil:
		logger.Info("content changed since registration, declaring again",
			slog.String("supersedes", *rec.RegisteredCID),
			slog.String("old_hash", rec.ContentHash),
			slog.String("new_hash", f.SHA1))
		patch = journal.Patch{Supersede: true, ClearFingerprint: true, SourceRevisionID: &f.RevisionID, ContentHash: &f.SHA1}
		if r.opts.Dry {
			return patch.Preview(rec), recordPreview, nil
		}
	case changed:
		// The stored fingerprint, if any, belongs to the old content.
		logger.Info("content changed before registration", slog.String("old_hash", rec.ContentHash), slog.String("new_hash", f.SHA1))
		patch = journal.Patch{ClearFingerprint: true, SourceRevisionID: &f.RevisionID, ContentHash: &f.SHA1}
	case revised:
		patch.SourceRevisionID = &f.RevisionID
	default:
		return rec, recordLive, nil
	}
	rec, err = r.journal.Update(ctx, rec, patch)
	return rec, recordLive, err
}

// save writes patch to the journal, or only to the copy when rec is a
// preview.
func (r *Runner) save(ctx context.Context, rec *journal.Record, patch journal.Patch, mode recordMode) (*journal.Record, error) {
	if mode == recordPreview {
		return patch.Preview(rec), nil
	}
	return r.journal.Update(ctx, rec, patch)
}

// ensureFingerprint stores a fingerprint on rec, reusing one computed for
// identical content when the journal has it.
func (r *Runner) ensureFingerprint(ctx context.Context, logger *slog.Logger, f *commons.File, rec *journal.Record, mode recordMode) (*journal.Record, error) {
	if rec.Fingerprint != nil {
		return rec, nil
	}
	match, err := r.journal.FindByContentHash(ctx, rec.ContentHash)
	if err != nil {
		return nil, err
	}
	if match != nil && match.ID != rec.ID && match.Fingerprint != nil {
		logger.Info("reusing fingerprint of record with the same content", slog.Int64("match_id", match.ID))
		return r.save(ctx, rec, journal.Patch{Fingerprint: match.Fingerprint}, mode)
	}

	dir, err := os.MkdirTemp(r.opts.WorkDir, "commons-supplier-*")
	if err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	defer os.RemoveAll(dir)

	start := r.now()
	path, err := r.source.Download(ctx, f, dir)
	if err != nil {
		return nil, err
	}
	downloaded := r.now().Sub(start)
	r.metrics.Download(downloaded)
	size := f.Size
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	logger.Info("generating fingerprint")
	start = r.now()
	iscc, err := r.fingerprint.Generate(ctx, path)
	if err != nil {
		return nil, err
	}
	generated := r.now().Sub(start)
	r.metrics.Fingerprint(generated)

	patch := journal.Patch{
		Fingerprint:         &iscc,
		FileSize:            &size,
		DownloadDuration:    journal.Ptr(downloaded.Seconds()),
		FingerprintDuration: journal.Ptr(generated.Seconds()),
	}
	if f.Width > 0 && f.Height > 0 {
		patch.Width = journal.Ptr(f.Width)
		patch.Height = journal.Ptr(f.Height)
	}
	return r.save(ctx, rec, patch, mode)
}

// declare collects the metadata, submits the declaration and stores the
// registry CID.
func (r *Runner) declare(ctx context.Context, logger *slog.Logger, f *commons.File, rec *journal.Record) (string, error) {
	location, err := f.Location()
	if err != nil {
		return "", err
	}
	name, err := r.source.Name(ctx, f)
	if err != nil {
		return "", err
	}
	rights, err := r.source.RightsStatement(ctx, f)
	if err != nil {
		return "", err
	}
	in := declaration.Input{
		Name:            name,
		Fingerprint:     *rec.Fingerprint,
		Location:        location,
		RightsStatement: rights,
	}
	if rec.SupersedesCID != nil {
		in.Supersedes = *rec.SupersedesCID
	}
	if r.opts.Thumbnails {
		thumb, err := r.source.Thumbnail(ctx, f)
		switch {
		case err != nil:
			logger.Warn("declaring without thumbnail", slog.Any("error", err))
		case thumb != "":
			in.Extra = map[string]any{"thumbnail": thumb}
		}
	}

	logger.Info("making declaration", slog.String("name", name), slog.String("rights", rights))
	res, err := r.submitter.Submit(ctx, in)
	if err != nil {
		return "", err
	}

	outcome := OutcomeRegistered
	switch {
	case r.opts.Dry:
		outcome = OutcomeDry
	case res.CID == "":
		logger.Warn("registry accepted the declaration without a CID; it will be submitted again",
			slog.String("declaration_id", res.DeclarationID))
		outcome = OutcomeSubmitted
	default:
		if _, err := r.journal.Update(ctx, rec, journal.Patch{RegisteredCID: &res.CID}); err != nil {
			return "", fmt.Errorf("store registered cid %s: %w", res.CID, err)
		}
		logger.Info("declaration registered", slog.String("cid", res.CID), slog.String("declaration_id", res.DeclarationID))
	}

	if r.archive != nil {
		if _, err := r.archive.Store(ctx, f.PageID, res); err != nil {
			logger.Warn("could not archive evidence", slog.Any("error", err))
		}
	}
	return outcome, nil
}

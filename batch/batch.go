// Package batch drives declarations for a list of Commons files: it looks
// each file up, records it in the journal, fingerprints it once, submits
// the declaration and stores the registry CID, so an interrupted run can be
// started again and only does the remaining work.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/commons"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/declaration"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/fingerprint"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/itemlock"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/journal"
)

// Item outcomes, used for metrics and the run summary.
const (
	OutcomeRegistered    = "registered"
	OutcomeSubmitted     = "submitted"
	OutcomeDry           = "dry"
	OutcomeSkipped       = "skipped"
	OutcomeFingerprinted = "fingerprinted"
	OutcomeFailed        = "failed"
)

// Source is the media repository the work list names files in.
// *commons.Client implements it.
type Source interface {
	File(ctx context.Context, title string) (*commons.File, error)
	Titles(ctx context.Context, pageIDs []int64) ([]string, error)
	Download(ctx context.Context, f *commons.File, dir string) (string, error)
	Name(ctx context.Context, f *commons.File) (string, error)
	RightsStatement(ctx context.Context, f *commons.File) (string, error)
	Thumbnail(ctx context.Context, f *commons.File) (string, error)
}

// Submitter sends one declaration. *declaration.Submitter implements it.
type Submitter interface {
	Submit(ctx context.Context, in declaration.Input) (*declaration.Result, error)
}

// Archiver keeps the evidence of a submission. *evidence.Archive
// implements it.
type Archiver interface {
	Store(ctx context.Context, sourceItemID int64, res *declaration.Result) (cid.Cid, error)
}

// Recorder receives per-item measurements. *metrics.Run implements it.
type Recorder interface {
	Item(outcome string, d time.Duration)
	Download(d time.Duration)
	Fingerprint(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Item(string, time.Duration) {}
func (nopRecorder) Download(time.Duration)     {}
func (nopRecorder) Fingerprint(time.Duration)  {}

// Options are the per-run switches of the declare command.
type Options struct {
	// Tags are attached to records created by this run, next to the
	// batch tag of the work list.
	Tags []string
	// FingerprintOnly stops every item after its fingerprint is stored.
	FingerprintOnly bool
	// Update re-declares registered items whose content changed, naming
	// the old registration as superseded.
	Update bool
	// Dry builds and signs declarations without sending them. No CID is
	// stored.
	Dry         bool
	QuitOnError bool
	// Limit stops the run after this many declarations; 0 means no limit.
	Limit int
	// Sample processes a random subset of this size; 0 means all.
	Sample int
	// Thumbnails adds a base64 thumbnail to the public metadata.
	Thumbnails bool
	// WorkDir holds downloads while they are fingerprinted. Defaults to
	// the system temp dir.
	WorkDir string
}

// Runner processes work lists. It is not safe for concurrent use; run
// several processes against a shared journal and itemlock.Redis instead.
type Runner struct {
	journal     journal.Journal
	source      Source
	fingerprint fingerprint.Generator
	submitter   Submitter
	opts        Options

	locker  itemlock.Locker
	archive Archiver
	metrics Recorder
	out     io.Writer
	logger  *slog.Logger
	now     func() time.Time
	rand    *rand.Rand
}

type Option func(*Runner)

func WithLocker(l itemlock.Locker) Option   { return func(r *Runner) { r.locker = l } }
func WithArchive(a Archiver) Option         { return func(r *Runner) { r.archive = a } }
func WithRecorder(m Recorder) Option        { return func(r *Runner) { r.metrics = m } }
func WithOutput(w io.Writer) Option         { return func(r *Runner) { r.out = w } }
func WithLogger(l *slog.Logger) Option      { return func(r *Runner) { r.logger = l } }
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }
func WithRand(rnd *rand.Rand) Option        { return func(r *Runner) { r.rand = rnd } }

// New returns a Runner. sub may be nil in fingerprint-only mode.
func New(j journal.Journal, src Source, fp fingerprint.Generator, sub Submitter, opts Options, options ...Option) (*Runner, error) {
	if j == nil || src == nil || fp == nil {
		return nil, errs.New(errs.KindConfig, "new runner", "journal, source and fingerprint generator are required")
	}
	if sub == nil && !opts.FingerprintOnly {
		return nil, errs.New(errs.KindConfig, "new runner", "submitter is required unless only fingerprinting")
	}
	if opts.Limit < 0 || opts.Sample < 0 {
		return nil, errs.New(errs.KindConfig, "new runner", "limit and sample must not be negative")
	}
	r := &Runner{
		journal:     j,
		source:      src,
		fingerprint: fp,
		submitter:   sub,
		opts:        opts,
		locker:      itemlock.NewLocal(),
		metrics:     nopRecorder{},
		out:         io.Discard,
		now:         time.Now,
	}
	for _, o := range options {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.rand == nil {
		r.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if r.opts.WorkDir == "" {
		r.opts.WorkDir = os.TempDir()
	}
	return r, nil
}

// Summary is the outcome of a run.
type Summary struct {
	RunID     string
	Total     int
	Processed int
	// Added counts items that reached the registry (or would have, in a
	// dry run).
	Added    int
	Skipped  int
	Failed   []string
	HitLimit bool
	Elapsed  time.Duration
}

// Run processes wl in order. Item errors are logged, listed in the summary
// and, with QuitOnError, stop the run. A fatal error (journal unavailable)
// or a canceled ctx stops the run and is returned.
func (r *Runner) Run(ctx context.Context, wl *WorkList) (*Summary, error) {
	runID := uuid.NewString()
	logger := r.logger.With(slog.String("run_id", runID), slog.String("batch", wl.BatchTag))
	start := r.now()
	sum := &Summary{RunID: runID}

	titles := r.sample(wl.Titles)
	sum.Total = len(titles)
	r.printf("START: %s\n", start.Format(time.RFC3339))
	r.printf("Processing %d files.\n", len(titles))
	logger.Info("run started", slog.Int("files", len(titles)), slog.Bool("dry", r.opts.Dry),
		slog.Bool("fingerprint_only", r.opts.FingerprintOnly), slog.Bool("update", r.opts.Update))

	var runErr error
	for i, title := range titles {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		progress := fmt.Sprintf("%d/%d", i+1, len(titles))
		if r.opts.Limit > 0 {
			progress += fmt.Sprintf(" [%d/%d]", sum.Added+1, r.opts.Limit)
		}
		r.printf("%s: %s\n", progress, title)

		itemStart := r.now()
		outcome, err := r.processItem(ctx, logger.With(slog.String("title", title)), title, wl.BatchTag)
		elapsed := r.now().Sub(itemStart)
		sum.Processed++
		if err != nil {
			outcome = OutcomeFailed
		}
		r.metrics.Item(outcome, elapsed)

		switch outcome {
		case OutcomeRegistered, OutcomeSubmitted, OutcomeDry:
			sum.Added++
		case OutcomeSkipped:
			sum.Skipped++
		}

		stop := false
		if err != nil {
			logger.Error("error while processing file", slog.String("title", title), slog.Any("error", err),
				slog.String("kind", string(errs.KindOf(err))))
			r.printf("ERROR\n")
			sum.Failed = append(sum.Failed, title)
			switch {
			case errs.IsFatal(err):
				runErr = err
				stop = true
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				runErr = ctx.Err()
				stop = runErr != nil
			case r.opts.QuitOnError:
				stop = true
			}
		}
		r.printf("File time: %.0f\n", elapsed.Seconds())
		if stop {
			break
		}
		if r.opts.Limit > 0 && sum.Added == r.opts.Limit {
			sum.HitLimit = true
			r.printf("Hit limit for declarations made: %d.\n", r.opts.Limit)
			break
		}
	}

	sum.Elapsed = r.now().Sub(start)
	r.printf("Total time: %.0f\n", sum.Elapsed.Seconds())
	if len(sum.Failed) > 0 {
		r.printf("Some requests failed. See log for details:\n")
		for _, title := range sum.Failed {
			r.printf("%s\n", title)
		}
	}
	r.printf("DONE: %s\n", r.now().Format(time.RFC3339))
	logger.Info("run finished",
		slog.Int("processed", sum.Processed),
		slog.Int("added", sum.Added),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", len(sum.Failed)),
		slog.Duration("elapsed", sum.Elapsed))
	return sum, runErr
}

// sample returns a random subset of titles in work list order.
func (r *Runner) sample(titles []string) []string {
	n := r.opts.Sample
	if n <= 0 || n >= len(titles) {
		return titles
	}
	picked := r.rand.Perm(len(titles))[:n]
	slices.Sort(picked)
	out := make([]string, 0, n)
	for _, i := range picked {
		out = append(out, titles[i])
	}
	return out
}

func (r *Runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

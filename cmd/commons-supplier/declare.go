package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/batch"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/commons"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/config"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/declaration"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/fingerprint"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/itemlock"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/journal"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/jws"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/keys"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/metrics"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/tracing"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/tsp"
)

func cmdDeclare(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("declare", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var opts batch.Options
	var verbose, quitOnError bool
	var rateLimit string
	var limit int
	var tags stringList

	fs.BoolVar(&opts.Dry, "dry", false, "Build and sign declarations without sending them")
	fs.BoolVar(&opts.Dry, "d", false, "Shorthand for --dry")
	fs.BoolVar(&verbose, "verbose", false, "Log at debug level")
	fs.BoolVar(&verbose, "v", false, "Shorthand for --verbose")
	fs.BoolVar(&opts.FingerprintOnly, "iscc", false, "Only compute and store fingerprints")
	fs.BoolVar(&opts.FingerprintOnly, "i", false, "Shorthand for --iscc")
	fs.BoolVar(&quitOnError, "quit-on-error", false, "Stop at the first failed item")
	fs.BoolVar(&quitOnError, "q", false, "Shorthand for --quit-on-error")
	fs.Var(&tags, "tag", "Tag attached to created records (repeatable)")
	fs.Var(&tags, "t", "Shorthand for --tag")
	fs.StringVar(&rateLimit, "rate-limit", "", "Minimum seconds between registry requests")
	fs.StringVar(&rateLimit, "r", "", "Shorthand for --rate-limit")
	fs.IntVar(&limit, "limit", 0, "Stop after this many declarations")
	fs.IntVar(&limit, "l", 0, "Shorthand for --limit")
	fs.IntVar(&opts.Sample, "sample", 0, "Process a random subset of this size")
	fs.IntVar(&opts.Sample, "s", 0, "Shorthand for --sample")
	fs.BoolVar(&opts.Update, "update", false, "Declare registered files again when their content changed")
	fs.BoolVar(&opts.Update, "u", false, "Shorthand for --update")
	fs.BoolVar(&opts.Thumbnails, "thumbnails", false, "Add a base64 thumbnail to the public metadata")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: commons-supplier declare [flags] <work-list-file | tag>")
		return 2
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, ok := loadConfig(errOut)
	if !ok {
		return 2
	}
	if set["limit"] || set["l"] {
		cfg.Limit = limit
	}
	if rateLimit != "" {
		d, err := config.ParseSeconds(rateLimit)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --rate-limit: %v\n", err)
			return 2
		}
		cfg.RateLimit = d
	}
	if verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	if err := cfg.Validate(opts.Dry || opts.FingerprintOnly); err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}
	opts.Tags = tags
	opts.Limit = cfg.Limit
	opts.QuitOnError = cfg.QuitOnError || quitOnError

	logger := config.SetupLogger(errOut, cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.OpenFile(cfg.TracesFile, declaration.Product, config.Version)
	if err != nil {
		fmt.Fprintf(errOut, "tracing: %v\n", err)
		return 2
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("could not flush traces", slog.Any("error", err))
		}
	}()

	j, err := journal.Open(ctx, cfg.JournalURL, journal.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(errOut, "journal: %v\n", err)
		return exitCode(err)
	}
	defer j.Close()

	m := metrics.New()
	runnerOpts := []batch.Option{
		batch.WithOutput(out),
		batch.WithLogger(logger),
		batch.WithRecorder(m),
	}

	var sub batch.Submitter
	if !opts.FingerprintOnly {
		s, err := newSubmitter(cfg, opts.Dry, logger, m, tp)
		if err != nil {
			fmt.Fprintf(errOut, "submitter: %v\n", err)
			return exitCode(err)
		}
		sub = s
	}

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(errOut, "invalid REDIS_URL: %v\n", err)
			return 2
		}
		client := redis.NewClient(ropts)
		defer client.Close()
		runnerOpts = append(runnerOpts, batch.WithLocker(itemlock.NewRedis(client, itemlock.DefaultTTL)))
	}

	if cfg.EvidenceConfig != "" {
		archive, closeArchive, err := openArchive(cfg.EvidenceConfig, logger)
		if err != nil {
			fmt.Fprintf(errOut, "evidence: %v\n", err)
			return exitCode(err)
		}
		defer closeArchive()
		runnerOpts = append(runnerOpts, batch.WithArchive(archive))
	}

	src := commons.NewClient(cfg.CommonsAPIURL, config.UserAgent(), cfg.HTTPTimeout, logger)
	fp := fingerprint.NewCommand(cfg.FingerprintCommand, 0, logger)
	runner, err := batch.New(j, src, fp, sub, opts, runnerOpts...)
	if err != nil {
		fmt.Fprintf(errOut, "declare: %v\n", err)
		return exitCode(err)
	}

	wl, err := batch.LoadWorkList(ctx, fs.Arg(0), j, src)
	if err != nil {
		fmt.Fprintf(errOut, "work list: %v\n", err)
		return exitCode(err)
	}

	sum, err := runner.Run(ctx, wl)
	if cfg.MetricsFile != "" {
		m.Finish(time.Now())
		if werr := m.WriteTextfile(cfg.MetricsFile); werr != nil {
			logger.Warn("could not write metrics", slog.Any("error", werr))
		}
	}
	if err != nil {
		fmt.Fprintf(errOut, "declare: run stopped: %v\n", err)
		return 1
	}
	if len(sum.Failed) > 0 {
		return 1
	}
	return 0
}

// newSubmitter loads the member credential and signing key named by cfg.
func newSubmitter(cfg *config.Config, dry bool, logger *slog.Logger, m *metrics.Run, tp trace.TracerProvider) (*declaration.Submitter, error) {
	cred, err := keys.LoadCredential(cfg.MemberCredentialsFile)
	if err != nil {
		return nil, err
	}
	priv, err := keys.LoadPrivateKey(cfg.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	var pub = &priv.PublicKey
	if cfg.PublicKeyFile != "" {
		if pub, err = keys.LoadPublicKey(cfg.PublicKeyFile); err != nil {
			return nil, err
		}
	}
	signer, err := jws.NewSigner(priv, pub)
	if err != nil {
		return nil, err
	}

	var tsa declaration.Timestamper
	if !dry {
		c := tsp.NewClient(cfg.TSAURL, cfg.HTTPTimeout, logger)
		c.UserAgent = config.UserAgent()
		c.Tracer = tp.Tracer(tsp.TracerName)
		tsa = c
	}
	return declaration.New(declaration.Options{
		Endpoint:    cfg.APIEndpoint,
		APIKey:      cfg.APIKey,
		UserAgent:   config.UserAgent(),
		DeclarerID:  cfg.DeclarerID,
		SchemaURL:   cfg.SchemaURL,
		ContextURL:  cfg.ContextURL,
		MinInterval: cfg.RateLimit,
		Dry:         dry,
	}, cred, signer, tsa,
		declaration.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		declaration.WithLogger(logger),
		declaration.WithRecorder(m),
		declaration.WithTracerProvider(tp),
	)
}

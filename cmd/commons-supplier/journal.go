package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/config"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/journal"
)

func cmdJournal(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: commons-supplier journal <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: list, tags")
		return 2
	}
	switch args[0] {
	case "list":
		return cmdJournalList(args[1:], out, errOut)
	case "tags":
		return cmdJournalTags(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown journal subcommand: %s\n", args[0])
		return 2
	}
}

// openJournal opens DECLARATION_JOURNAL_URL for a read-only command.
func openJournal(ctx context.Context, errOut io.Writer) (journal.Journal, int) {
	cfg, ok := loadConfig(errOut)
	if !ok {
		return nil, 2
	}
	if cfg.JournalURL == "" {
		fmt.Fprintln(errOut, "DECLARATION_JOURNAL_URL is not set")
		return nil, 2
	}
	logger := config.SetupLogger(errOut, cfg.LogLevel, cfg.LogFormat)
	j, err := journal.Open(ctx, cfg.JournalURL, journal.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(errOut, "journal: %v\n", err)
		return nil, exitCode(err)
	}
	return j, 0
}

func cmdJournalList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("journal list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var tag string
	var limit int
	var asJSON bool
	fs.StringVar(&tag, "tag", "", "Only records carrying this tag")
	fs.IntVar(&limit, "limit", 0, "Maximum number of records (0 = all)")
	fs.BoolVar(&asJSON, "json", false, "Print one JSON object per record")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if limit < 0 {
		fmt.Fprintln(errOut, "--limit must not be negative")
		return 2
	}

	ctx := context.Background()
	j, code := openJournal(ctx, errOut)
	if j == nil {
		return code
	}
	defer j.Close()

	recs, err := j.ListByTag(ctx, tag, limit)
	if err != nil {
		fmt.Fprintf(errOut, "list: %v\n", err)
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(out)
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				fmt.Fprintf(errOut, "write: %v\n", err)
				return 1
			}
		}
		return 0
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPAGE\tREVISION\tSTATE\tCID\tTAGS")
	for _, rec := range recs {
		registered := "-"
		if rec.RegisteredCID != nil {
			registered = *rec.RegisteredCID
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n", rec.ID, rec.SourceItemID, rec.SourceRevisionID,
			rec.State(), registered, strings.Join(rec.Tags, ","))
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(errOut, "write: %v\n", err)
		return 1
	}
	return 0
}

func cmdJournalTags(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("journal tags", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	j, code := openJournal(ctx, errOut)
	if j == nil {
		return code
	}
	defer j.Close()

	tags, err := j.ListTags(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "tags: %v\n", err)
		return 1
	}
	for _, t := range tags {
		_, _ = fmt.Fprintln(out, t)
	}
	return 0
}

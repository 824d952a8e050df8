package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/config"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/evidence"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/casconfig"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/casregistry"

	_ "github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/grpccas"
	_ "github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/localfs"
)

// openArchive opens the evidence archive described by the JSON file at path.
func openArchive(path string, logger *slog.Logger) (*evidence.Archive, func(), error) {
	cc, err := casconfig.LoadFile(path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindConfig, "open evidence archive", path, err)
	}
	cas, closeFn, err := cc.Open(casregistry.UsageCLI)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindConfig, "open evidence archive", path, err)
	}
	closeQuietly := func() {
		if err := closeFn(); err != nil {
			logger.Warn("could not close evidence archive", slog.Any("error", err))
		}
	}
	return evidence.NewArchive(cas, logger), closeQuietly, nil
}

// archiveFromEnv opens the archive named by EVIDENCE_CONFIG.
func archiveFromEnv(errOut io.Writer) (*evidence.Archive, func(), int) {
	cfg, ok := loadConfig(errOut)
	if !ok {
		return nil, nil, 2
	}
	if cfg.EvidenceConfig == "" {
		fmt.Fprintln(errOut, "EVIDENCE_CONFIG is not set")
		return nil, nil, 2
	}
	logger := config.SetupLogger(errOut, cfg.LogLevel, cfg.LogFormat)
	archive, closeFn, err := openArchive(cfg.EvidenceConfig, logger)
	if err != nil {
		fmt.Fprintf(errOut, "evidence: %v\n", err)
		return nil, nil, exitCode(err)
	}
	return archive, closeFn, 0
}

func cmdEvidence(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: commons-supplier evidence <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: show, export, import")
		return 2
	}
	switch args[0] {
	case "show":
		return cmdEvidenceShow(args[1:], out, errOut)
	case "export":
		return cmdEvidenceExport(args[1:], out, errOut)
	case "import":
		return cmdEvidenceImport(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown evidence subcommand: %s\n", args[0])
		return 2
	}
}

func cmdEvidenceShow(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("evidence show", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: commons-supplier evidence show <CID>")
		return 2
	}
	id, err := cid.Decode(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "invalid CID: %v\n", err)
		return 2
	}
	archive, closeFn, code := archiveFromEnv(errOut)
	if archive == nil {
		return code
	}
	defer closeFn()

	idx, _, err := archive.Load(context.Background(), id)
	if err != nil {
		fmt.Fprintf(errOut, "load evidence: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(idx); err != nil {
		fmt.Fprintf(errOut, "write: %v\n", err)
		return 1
	}
	return 0
}

func cmdEvidenceExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("evidence export", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var outPath string
	fs.StringVar(&outPath, "o", "", "Write the bundle to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: commons-supplier evidence export [-o <file.tar>] <CID>")
		return 2
	}
	id, err := cid.Decode(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "invalid CID: %v\n", err)
		return 2
	}
	archive, closeFn, code := archiveFromEnv(errOut)
	if archive == nil {
		return code
	}
	defer closeFn()

	if outPath == "" {
		if err := archive.Export(context.Background(), out, id); err != nil {
			fmt.Fprintf(errOut, "export evidence: %v\n", err)
			return 1
		}
		return 0
	}
	f, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(errOut, "create %s: %v\n", outPath, err)
		return 1
	}
	err = archive.Export(context.Background(), f, id)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(outPath)
		fmt.Fprintf(errOut, "export evidence: %v\n", err)
		return 1
	}
	return 0
}

func cmdEvidenceImport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("evidence import", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: commons-supplier evidence import <file.tar>")
		return 2
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "open bundle: %v\n", err)
		return 1
	}
	defer f.Close()
	archive, closeFn, code := archiveFromEnv(errOut)
	if archive == nil {
		return code
	}
	defer closeFn()

	id, err := archive.Import(context.Background(), f)
	if err != nil {
		fmt.Fprintf(errOut, "import evidence: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, id)
	return 0
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/config"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "declare":
		return cmdDeclare(args[1:], out, errOut)
	case "verify":
		return cmdVerify(args[1:], out, errOut)
	case "cid":
		return cmdCID(args[1:], out, errOut)
	case "key":
		return cmdKey(args[1:], out, errOut)
	case "journal":
		return cmdJournal(args[1:], out, errOut)
	case "evidence":
		return cmdEvidence(args[1:], out, errOut)
	case "version":
		_, _ = fmt.Fprintln(out, config.UserAgent())
		return 0
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "commons-supplier: declare Wikimedia Commons files to the CommonsDB registry")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  commons-supplier declare [-d] [-v] [-i] [-q] [-u] [-t <tag> ...] [-r <seconds>] [-l <n>] [-s <n>] <work-list-file | tag>")
	fmt.Fprintln(w, "  commons-supplier verify [--jwks <file>] [--json] (<envelope.json> | --cid <CID>)")
	fmt.Fprintln(w, "  commons-supplier cid <file.json>")
	fmt.Fprintln(w, "  commons-supplier key init --name <name> [--dir <dir>] [--force]")
	fmt.Fprintln(w, "  commons-supplier key export (--name <name> [--dir <dir>] | --file <public.pem>) [--jwk]")
	fmt.Fprintln(w, "  commons-supplier key list [--dir <dir>]")
	fmt.Fprintln(w, "  commons-supplier journal list [--tag <tag>] [--limit <n>]")
	fmt.Fprintln(w, "  commons-supplier journal tags")
	fmt.Fprintln(w, "  commons-supplier evidence show <CID>")
	fmt.Fprintln(w, "  commons-supplier evidence export [-o <file.tar>] <CID>")
	fmt.Fprintln(w, "  commons-supplier evidence import <file.tar>")
	fmt.Fprintln(w, "  commons-supplier version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - settings come from the environment (API_ENDPOINT, API_KEY, DECLARATION_JOURNAL_URL, ...); flags override them")
	fmt.Fprintln(w, "  - a work list is a file with one file title per line, or an existing journal tag")
	fmt.Fprintln(w, "  - --dry builds and signs declarations without contacting the registry or the TSA")
	fmt.Fprintln(w, "  - evidence commands read the archive named by EVIDENCE_CONFIG")
	fmt.Fprintln(w, "  - exit status is 0 for a clean run, 1 when any item failed, 2 for usage or configuration errors")
}

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// exitCode maps configuration problems to 2 and everything else to 1.
func exitCode(err error) int {
	if errs.IsKind(err, errs.KindConfig) {
		return 2
	}
	return 1
}

// loadConfig reads the environment, printing any problem to errOut.
func loadConfig(errOut io.Writer) (*config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return nil, false
	}
	return cfg, true
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/canonical"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/cidutil"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/declaration"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/jws"
)

func cmdVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var archiveCID string
	var jwksPath string
	var asJSON bool
	fs.StringVar(&archiveCID, "cid", "", "Evidence index CID to load from EVIDENCE_CONFIG")
	fs.StringVar(&jwksPath, "jwks", "", "Verify against this JWK Set instead of the embedded keys")
	fs.BoolVar(&asJSON, "json", false, "Print the report as JSON")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 || (archiveCID != "") == (fs.NArg() == 1) {
		fmt.Fprintln(errOut, "usage: commons-supplier verify [--jwks <file>] [--json] (<envelope.json> | --cid <CID>)")
		return 2
	}

	verify := declaration.TokenVerifier(jws.Verify)
	if jwksPath != "" {
		b, err := os.ReadFile(jwksPath)
		if err != nil {
			fmt.Fprintf(errOut, "read --jwks: %v\n", err)
			return 1
		}
		pinned, err := jws.NewSetVerifier(b)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --jwks: %v\n", err)
			return 2
		}
		verify = pinned.Verify
	}

	var env *declaration.Envelope
	if archiveCID != "" {
		id, err := cid.Decode(archiveCID)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --cid: %v\n", err)
			return 2
		}
		archive, closeFn, code := archiveFromEnv(errOut)
		if archive == nil {
			return code
		}
		defer closeFn()
		if _, env, err = archive.Load(context.Background(), id); err != nil {
			fmt.Fprintf(errOut, "load evidence: %v\n", err)
			return 1
		}
	} else {
		b, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "read envelope: %v\n", err)
			return 1
		}
		env = &declaration.Envelope{}
		if err := json.Unmarshal(b, env); err != nil {
			fmt.Fprintf(errOut, "invalid envelope: %v\n", err)
			return 1
		}
	}

	report := declaration.VerifyEnvelope(env, verify)
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(struct {
			OK bool `json:"ok"`
			*declaration.Report
		}{report.OK(), report})
	} else {
		printReport(out, report)
	}
	if !report.OK() {
		return 1
	}
	return 0
}

func printReport(w io.Writer, r *declaration.Report) {
	fmt.Fprintf(w, "declaration id: %s\n", r.DeclarationID)
	for _, c := range r.Checks {
		status := "ok"
		switch {
		case c.Skipped:
			status = "skip"
		case !c.OK:
			status = "FAIL"
		}
		if c.Detail == "" {
			fmt.Fprintf(w, "%-4s %s\n", status, c.Name)
			continue
		}
		fmt.Fprintf(w, "%-4s %s: %s\n", status, c.Name, c.Detail)
	}
	if r.OK() {
		fmt.Fprintln(w, "OK")
		return
	}
	fmt.Fprintln(w, "INVALID")
}

func cmdCID(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("cid", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: commons-supplier cid <file.json>")
		return 2
	}
	b, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", fs.Arg(0), err)
		return 1
	}
	canon, err := canonical.EncodeJSON(b)
	if err != nil {
		fmt.Fprintf(errOut, "invalid JSON: %v\n", err)
		return 1
	}
	id, err := cidutil.BuildCIDFromCanonical(canon)
	if err != nil {
		fmt.Fprintf(errOut, "cid: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, id)
	return 0
}

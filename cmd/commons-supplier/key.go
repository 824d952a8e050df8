package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/keys"
)

type subcommand struct {
	name  string
	usage string
	run   func(args []string, out io.Writer, errOut io.Writer) int
}

var keyCommands = []subcommand{
	{"init", "key init --name <name> [--dir <dir>] [--force]", cmdKeyInit},
	{"export", "key export (--name <name> [--dir <dir>] | --file <public.pem>) [--jwk]", cmdKeyExport},
	{"list", "key list [--dir <dir>]", cmdKeyList},
}

func cmdKey(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) > 0 {
		for _, c := range keyCommands {
			if c.name == args[0] {
				return c.run(args[1:], out, errOut)
			}
		}
	}
	w, code := errOut, 2
	switch {
	case len(args) == 0:
	case args[0] == "help" || args[0] == "-h" || args[0] == "--help":
		w, code = out, 0
	default:
		fmt.Fprintf(errOut, "unknown key subcommand: %s\n\n", args[0])
	}
	fmt.Fprintln(w, "Manage the P-256 keys declarations are signed with.")
	fmt.Fprintln(w, "\nUsage:")
	for _, c := range keyCommands {
		fmt.Fprintln(w, "  commons-supplier "+c.usage)
	}
	fmt.Fprintln(w, "\nKeys are kept under ~/.commonsdb/keys/<name> unless --dir is given.")
	return code
}

// keyStoreFlags adds --dir and --name to fs.
func keyStoreFlags(fs *flag.FlagSet) (dir, name *string) {
	dir = fs.String("dir", "", "Key store directory")
	name = fs.String("name", "", "Key name")
	return dir, name
}

func cmdKeyInit(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key init", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir, name := keyStoreFlags(fs)
	force := fs.Bool("force", false, "Replace an existing key of the same name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	store, err := keys.OpenStore(*dir)
	if err == nil {
		_, err = store.Files(*name)
	}
	if err != nil {
		fmt.Fprintf(errOut, "key init: %v\n", err)
		return 2
	}

	priv, err := keys.GenerateP256(rand.Reader)
	if err != nil {
		fmt.Fprintf(errOut, "key init: %v\n", err)
		return 1
	}
	kid, err := keys.KeyID(&priv.PublicKey)
	if err != nil {
		fmt.Fprintf(errOut, "key init: %v\n", err)
		return 1
	}
	files, err := store.Save(*name, priv, *force)
	if err != nil {
		fmt.Fprintf(errOut, "key init: %v (use --force to replace it)\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created key: %s\nPrivate key: %s\nPublic key: %s\n", kid, files.Private, files.Public)
	return 0
}

func cmdKeyExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key export", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir, name := keyStoreFlags(fs)
	file := fs.String("file", "", "Public key PEM file")
	single := fs.Bool("jwk", false, "Print a single JWK instead of a JWK Set")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*name == "") == (*file == "") {
		fmt.Fprintln(errOut, "key export: exactly one of --name or --file is required")
		return 2
	}

	path := *file
	if path == "" {
		store, err := keys.OpenStore(*dir)
		var files keys.KeyFiles
		if err == nil {
			files, err = store.Files(*name)
		}
		if err != nil {
			fmt.Fprintf(errOut, "key export: %v\n", err)
			return 2
		}
		path = files.Public
	}
	pub, err := keys.LoadPublicKey(path)
	if err != nil {
		fmt.Fprintf(errOut, "key export: %v\n", err)
		return 1
	}

	var doc []byte
	if *single {
		var jwk any
		if jwk, err = keys.PublicJWK(pub); err == nil {
			doc, err = json.MarshalIndent(jwk, "", "  ")
		}
	} else {
		doc, err = keys.JWKS(pub)
	}
	if err != nil {
		fmt.Fprintf(errOut, "key export: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(out, "%s\n", doc)
	return 0
}

func cmdKeyList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir := fs.String("dir", "", "Key store directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	store, err := keys.OpenStore(*dir)
	if err != nil {
		fmt.Fprintf(errOut, "key list: %v\n", err)
		return 1
	}
	entries, err := store.List()
	if err != nil {
		fmt.Fprintf(errOut, "key list: %v\n", err)
		return 1
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\n", e.Name, e.KeyID)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/bundle"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/localfs"
)

func newStore(t *testing.T) *localfs.CAS {
	t.Helper()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return cas
}

func put(t *testing.T, cas storage.CAS, s string) cid.Cid {
	t.Helper()
	id, err := cas.Put(context.Background(), []byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func entries(t *testing.T, b []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	tr := tar.NewReader(bytes.NewReader(b))
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[h.Name] = string(raw)
	}
}

func TestExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	cas := newStore(t)
	tsq, tsr := put(t, cas, "tsq"), put(t, cas, "tsr")
	labels := map[string]cid.Cid{"public.tsq": tsq, "public.tsr": tsr}

	var a, b bytes.Buffer
	if err := bundle.Export(ctx, &a, cas, []cid.Cid{tsr, tsq}, labels); err != nil {
		t.Fatal(err)
	}
	if err := bundle.Export(ctx, &b, cas, []cid.Cid{tsq, tsr, tsq}, labels); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatalf("expected deterministic bundle bytes")
	}

	got := entries(t, a.Bytes())
	if len(got) != 3 || got["blocks/"+tsq.String()] != "tsq" {
		t.Fatalf("unexpected entries %v", got)
	}
	if !strings.Contains(got["manifest.json"], `"public.tsq":"`+tsq.String()+`"`) {
		t.Fatalf("manifest does not carry labels: %s", got["manifest.json"])
	}
}

func TestImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	id := put(t, src, "envelope")

	var buf bytes.Buffer
	if err := bundle.Export(ctx, &buf, src, []cid.Cid{id}, map[string]cid.Cid{"envelope": id}); err != nil {
		t.Fatal(err)
	}

	dst := newStore(t)
	m, err := bundle.Import(ctx, bytes.NewReader(buf.Bytes()), dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Blocks) != 1 {
		t.Fatalf("imported %d blocks, want 1", len(m.Blocks))
	}
	if label, ok := m.Label("envelope"); !ok || !label.Equals(id) {
		t.Fatalf("Label(envelope) = %s, %v", label, ok)
	}
	got, err := dst.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "envelope" {
		t.Fatalf("payload mismatch")
	}
}

func TestExportErrors(t *testing.T) {
	ctx := context.Background()
	cas := newStore(t)
	missing, err := storage.Sum([]byte("never stored"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bundle.Export(ctx, io.Discard, cas, []cid.Cid{missing}, nil); !storage.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	stored := put(t, cas, "stored")
	if err := bundle.Export(ctx, io.Discard, cas, []cid.Cid{stored}, map[string]cid.Cid{"index": missing}); err == nil {
		t.Fatalf("expected error for a label outside the bundle")
	}
}

func TestImportRejects(t *testing.T) {
	good, err := storage.Sum([]byte("good"))
	if err != nil {
		t.Fatal(err)
	}
	other, err := storage.Sum([]byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	manifest := `{"blocks":[{"cid":"` + good.String() + `","size":4}],"version":1}`

	tests := []struct {
		name    string
		entries []entry
		want    error
	}{
		{name: "cid mismatch", entries: []entry{{"blocks/" + other.String(), "good"}}, want: storage.ErrCIDMismatch},
		{name: "bad cid", entries: []entry{{"blocks/not-a-cid", "good"}}, want: storage.ErrInvalidCID},
		{name: "traversal", entries: []entry{{"blocks/../../etc/passwd", "good"}}},
		{name: "unknown entry", entries: []entry{{"notes.txt", "good"}}},
		{name: "no manifest", entries: []entry{{"blocks/" + good.String(), "good"}}},
		{name: "unlisted block", entries: []entry{{"blocks/" + good.String(), "good"}, {"manifest.json", `{"blocks":[],"version":1}`}}},
		{name: "missing block", entries: []entry{{"manifest.json", manifest}}},
		{name: "future version", entries: []entry{{"blocks/" + good.String(), "good"}, {"manifest.json", strings.Replace(manifest, `"version":1`, `"version":2`, 1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bundle.Import(context.Background(), bytes.NewReader(makeTar(t, tt.entries)), newStore(t))
			if err == nil {
				t.Fatalf("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
		})
	}

	ok := makeTar(t, []entry{{"./blocks/" + good.String(), "good"}, {"manifest.json", manifest}})
	if _, err := bundle.Import(context.Background(), bytes.NewReader(ok), newStore(t)); err != nil {
		t.Fatalf("hand-made bundle: %v", err)
	}
}

type entry struct{ name, content string }

func makeTar(t *testing.T, es []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range es {
		if err := tw.WriteHeader(&tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(e.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

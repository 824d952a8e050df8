package evidence

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/declaration"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/internal/fakeregistry"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/jws"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/keys"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/bundle"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/localfs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/tsp"
)

const testCredential = `{"credentialSubject":{"id":"did:key:z6MkSupplier"},"proof":{"jwt":"eyJhbGciOiJFZERTQSJ9.e30.c2ln"}}`

func submit(t *testing.T, dry bool) *declaration.Result {
	t.Helper()
	fake := fakeregistry.New(t)
	fake.Respond(fakeregistry.Response{Status: http.StatusCreated, Body: map[string]any{"cidV1": "abc123"}})
	cred, err := keys.ParseCredential([]byte(testCredential))
	require.NoError(t, err)
	priv, err := keys.GenerateP256(rand.Reader)
	require.NoError(t, err)
	signer, err := jws.NewSigner(priv, nil)
	require.NoError(t, err)

	s, err := declaration.New(declaration.Options{Endpoint: fake.URL(), APIKey: "k", Dry: dry}, cred, signer,
		tsp.NewClient(fake.TSAURL(), 5*time.Second, nil), declaration.WithHTTPClient(fake.Client()))
	require.NoError(t, err)
	res, err := s.Submit(context.Background(), declaration.Input{
		Name:            "Mona Lisa",
		Fingerprint:     "ISCC:KEC2ZEZDLPNCUP7S",
		Location:        "https://commons.wikimedia.org/w/index.php?curid=42",
		RightsStatement: "https://creativecommons.org/publicdomain/mark/1.0/",
	})
	require.NoError(t, err)
	return res
}

func newArchive(t *testing.T) (*Archive, *localfs.CAS) {
	t.Helper()
	cas, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	return NewArchive(cas, nil), cas
}

func TestStoreAndLoad(t *testing.T) {
	ctx := context.Background()
	res := submit(t, false)
	a, cas := newArchive(t)

	id, err := a.Store(ctx, 42, res)
	require.NoError(t, err)

	idx, env, err := a.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(42), idx.SourceItemID)
	assert.Equal(t, "abc123", idx.RegistryCID)
	assert.Equal(t, res.DeclarationID, idx.DeclarationID)
	assert.Equal(t, res.PayloadCID, idx.PayloadCID)
	assert.False(t, idx.Dry)
	require.Len(t, idx.Stamps, 2)
	assert.Equal(t, "public", idx.Stamps[0].Signature)
	assert.Equal(t, "registry", idx.Stamps[1].Signature)

	for _, s := range idx.Stamps {
		tsqID, err := cid.Decode(s.TSQ)
		require.NoError(t, err)
		ok, err := cas.Has(ctx, tsqID)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	report := declaration.VerifyEnvelope(env, jws.Verify)
	assert.True(t, report.OK(), "%+v", report.Checks)
}

func TestStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	res := submit(t, false)
	a, _ := newArchive(t)

	first, err := a.Store(ctx, 42, res)
	require.NoError(t, err)
	second, err := a.Store(ctx, 42, res)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}

func TestStoreDry(t *testing.T) {
	ctx := context.Background()
	res := submit(t, true)
	a, _ := newArchive(t)

	id, err := a.Store(ctx, 7, res)
	require.NoError(t, err)
	idx, _, err := a.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, idx.Dry)
	assert.Empty(t, idx.Stamps)
	assert.Empty(t, idx.RegistryCID)
}

func TestStoreRejectsEmptyResult(t *testing.T) {
	a, _ := newArchive(t)
	_, err := a.Store(context.Background(), 1, &declaration.Result{})
	assert.True(t, errs.IsKind(err, errs.KindInternal), "got %v", err)
}

func TestLoadRejectsNonIndex(t *testing.T) {
	ctx := context.Background()
	a, cas := newArchive(t)
	id, err := cas.Put(ctx, []byte(`{"version":9}`))
	require.NoError(t, err)
	_, _, err = a.Load(ctx, id)
	assert.True(t, errs.IsKind(err, errs.KindEncoding), "got %v", err)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	res := submit(t, false)
	a, _ := newArchive(t)
	id, err := a.Store(ctx, 42, res)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.Export(ctx, &buf, id))

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	var blocks int
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if h.Name != "manifest.json" {
			blocks++
		}
	}
	// index, envelope, two requests and the fake TSA's single canned response
	assert.Equal(t, 5, blocks)

	other, _ := newArchive(t)
	got, err := other.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.True(t, got.Equals(id))
	idx, env, err := other.Load(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, res.DeclarationID, idx.DeclarationID)
	assert.True(t, declaration.VerifyEnvelope(env, jws.Verify).OK())
}

func TestImportRejectsForeignBundle(t *testing.T) {
	ctx := context.Background()
	src, cas := newArchive(t)
	id, err := cas.Put(ctx, []byte("not evidence"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, bundle.Export(ctx, &buf, cas, []cid.Cid{id}, nil))
	_, err = src.Import(ctx, &buf)
	assert.True(t, errs.IsKind(err, errs.KindEncoding), "got %v", err)
}

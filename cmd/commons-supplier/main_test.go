package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/internal/fakeregistry"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/jws"
)

const fileQuery = `{"query":{"pages":[{"pageid":42,"ns":6,"title":"File:Mona Lisa.jpg",
	"revisions":[{"revid":1001}],
	"imageinfo":[{"sha1":"da39a3ee5e6b4b0d3255bfef95601890afd80709","size":11,"width":640,"height":480,
	"url":"%[1]s/files/mona.jpg","descriptionshorturl":"https://commons.wikimedia.org/w/index.php?curid=42"}]}]}}`

const publicDomainSDC = `{"entities":{"M42":{"id":"M42","statements":{"P6216":[{"mainsnak":{"datavalue":{"value":{"entity-type":"item","id":"Q19652"}}}}]}}}}`

func newFakeWiki(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/mona.jpg" {
			_, _ = w.Write([]byte("image-bytes"))
			return
		}
		q := r.URL.Query()
		switch q.Get("action") {
		case "query":
			switch {
			case q.Get("titles") == "File:Mona Lisa.jpg":
				fmt.Fprintf(w, fileQuery, srv.URL)
			case q.Get("pageids") == "42":
				_, _ = w.Write([]byte(`{"query":{"pages":[{"pageid":42,"ns":6,"title":"File:Mona Lisa.jpg"}]}}`))
			default:
				fmt.Fprintf(w, `{"query":{"pages":[{"ns":6,"title":%q,"missing":true}]}}`, q.Get("titles"))
			}
		case "wbgetentities":
			if q.Get("ids") == "M42" {
				_, _ = w.Write([]byte(publicDomainSDC))
				return
			}
			fmt.Fprintf(w, `{"entities":{%q:{"id":%q,"missing":""}}}`, q.Get("ids"), q.Get("ids"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type env struct {
	dir      string
	registry *fakeregistry.Server
	metrics  string
	traces   string
}

// setupEnv points every setting at temp files and fake services.
func setupEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{dir: dir, registry: fakeregistry.New(t), metrics: filepath.Join(dir, "supplier.prom"), traces: filepath.Join(dir, "spans.jsonl")}

	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"key", "init", "--dir", filepath.Join(dir, "keys"), "--name", "supplier"}, &out, &errOut), errOut.String())

	cred := filepath.Join(dir, "credential.json")
	require.NoError(t, os.WriteFile(cred, []byte(`{"credentialSubject":{"id":"did:key:z6MkSupplier"},"proof":{"jwt":"eyJhbGciOiJFZERTQSJ9.e30.c2ln"}}`), 0o600))

	script := filepath.Join(dir, "iscc.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho computing >&2\necho ISCC:KEC2ZEZDLPNCUP7S\n"), 0o700))

	evidenceConfig := filepath.Join(dir, "evidence.json")
	require.NoError(t, os.WriteFile(evidenceConfig,
		[]byte(fmt.Sprintf(`{"backends":[{"name":"localfs","config":{"dir":%q}}]}`, filepath.Join(dir, "evidence"))), 0o600))

	wiki := newFakeWiki(t)
	t.Setenv("API_ENDPOINT", e.registry.URL())
	t.Setenv("API_KEY", "test-key")
	t.Setenv("TSA_URL", e.registry.TSAURL())
	t.Setenv("MEMBER_CREDENTIALS_FILE", cred)
	t.Setenv("PRIVATE_KEY_FILE", filepath.Join(dir, "keys", "supplier", "private.pem"))
	t.Setenv("PUBLIC_KEY_FILE", filepath.Join(dir, "keys", "supplier", "public.pem"))
	t.Setenv("DECLARATION_JOURNAL_URL", "sqlite:///"+filepath.Join(dir, "journal.db"))
	t.Setenv("COMMONS_API_URL", wiki.URL+"/w/api.php")
	t.Setenv("FINGERPRINT_COMMAND", script)
	t.Setenv("EVIDENCE_CONFIG", evidenceConfig)
	t.Setenv("METRICS_FILE", e.metrics)
	t.Setenv("TRACES_FILE", e.traces)
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LIMIT", "")
	t.Setenv("RATE_LIMIT", "")
	t.Setenv("QUIT_ON_ERROR", "")
	return e
}

func (e *env) workList(t *testing.T, name string, titles ...string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(titles, "\n")+"\n"), 0o600))
	return path
}

// logValue returns attr of the first JSON log line with message msg.
func logValue(t *testing.T, logs, msg, attr string) string {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(logs))
	for sc.Scan() {
		var line map[string]any
		if json.Unmarshal(sc.Bytes(), &line) != nil || line["msg"] != msg {
			continue
		}
		v, _ := line[attr].(string)
		return v
	}
	t.Fatalf("no %q log line in:\n%s", msg, logs)
	return ""
}

func TestRun_Usage(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, run(nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "Usage:")

	errOut.Reset()
	assert.Equal(t, 2, run([]string{"frobnicate"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "unknown command: frobnicate")

	assert.Equal(t, 0, run([]string{"help"}, &out, &errOut))
	assert.Contains(t, out.String(), "commons-supplier declare")
}

func TestCID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"b\": 2,\n \"a\": 1}"), 0o600))

	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"cid", path}, &out, &errOut), errOut.String())
	assert.Equal(t, "QmSrmEc5VfnNKpex35VKc7t2RYKyFxonuPMj4iiN7QjAaz\n", out.String())

	assert.Equal(t, 2, run([]string{"cid"}, &out, &errOut))
	assert.Equal(t, 1, run([]string{"cid", filepath.Join(t.TempDir(), "missing.json")}, &out, &errOut))
}

func TestKeyCommands(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer

	require.Equal(t, 0, run([]string{"key", "init", "--dir", dir, "--name", "supplier"}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "Created key: ")
	info, err := os.Stat(filepath.Join(dir, "supplier", "private.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	errOut.Reset()
	assert.Equal(t, 1, run([]string{"key", "init", "--dir", dir, "--name", "supplier"}, &out, &errOut), "existing keys are kept")
	assert.Equal(t, 0, run([]string{"key", "init", "--dir", dir, "--name", "supplier", "--force"}, &out, &errOut), errOut.String())
	assert.Equal(t, 2, run([]string{"key", "init", "--dir", dir, "--name", "bad/name"}, &out, &errOut))

	out.Reset()
	require.Equal(t, 0, run([]string{"key", "export", "--dir", dir, "--name", "supplier"}, &out, &errOut), errOut.String())
	_, err = jws.NewSetVerifier(out.Bytes())
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"alg": "ES256"`)

	out.Reset()
	require.Equal(t, 0, run([]string{"key", "export", "--file", filepath.Join(dir, "supplier", "public.pem"), "--jwk"}, &out, &errOut))
	var jwk map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &jwk))
	assert.Equal(t, "P-256", jwk["crv"])
	assert.Equal(t, 2, run([]string{"key", "export"}, &out, &errOut))

	out.Reset()
	require.Equal(t, 0, run([]string{"key", "list", "--dir", dir}, &out, &errOut))
	assert.Regexp(t, `^supplier  \S+\n$`, out.String())

	out.Reset()
	assert.Equal(t, 0, run([]string{"key", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "commons-supplier key list")
	assert.Equal(t, 2, run([]string{"key", "rotate"}, &out, &errOut))
}

func TestDeclare_EndToEnd(t *testing.T) {
	e := setupEnv(t)
	e.registry.Respond(fakeregistry.Response{Status: http.StatusCreated, Body: map[string]any{"cidV1": "abc123"}})
	list := e.workList(t, "paintings.txt", "File:Mona Lisa.jpg")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"declare", "-t", "pilot", list}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "Processing 1 files.\n1/1: File:Mona Lisa.jpg\n")
	assert.Contains(t, out.String(), "DONE: ")
	require.Len(t, e.registry.Declarations(), 1)
	assert.Len(t, e.registry.TSARequests(), 2)

	prom, err := os.ReadFile(e.metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `items_total{outcome="registered"} 1`)

	spans, err := os.ReadFile(e.traces)
	require.NoError(t, err)
	assert.Contains(t, string(spans), `"Name":"declaration.submit"`)
	assert.Equal(t, 2, strings.Count(string(spans), `"Name":"tsp.timestamp"`))

	evidenceCID := logValue(t, errOut.String(), "evidence archived", "evidence_cid")
	require.NotEmpty(t, evidenceCID)

	out.Reset()
	require.Equal(t, 0, run([]string{"journal", "list", "--tag", "batch:paintings"}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "abc123")
	assert.Contains(t, out.String(), "REGISTERED")
	assert.Contains(t, out.String(), "batch:paintings,pilot")

	out.Reset()
	require.Equal(t, 0, run([]string{"journal", "tags"}, &out, &errOut))
	assert.Equal(t, "batch:paintings\npilot\n", out.String())

	out.Reset()
	require.Equal(t, 0, run([]string{"verify", "--cid", evidenceCID}, &out, &errOut), out.String())
	assert.Contains(t, out.String(), "ok   public timestamp: granted")
	assert.True(t, strings.HasSuffix(out.String(), "OK\n"))

	out.Reset()
	require.Equal(t, 0, run([]string{"evidence", "show", evidenceCID}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), `"registryCid": "abc123"`)

	bundle := filepath.Join(e.dir, "evidence.tar")
	require.Equal(t, 0, run([]string{"evidence", "export", "-o", bundle, evidenceCID}, &out, &errOut), errOut.String())
	info, err := os.Stat(bundle)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// The bundle restores into an empty archive under the same CID.
	restored := filepath.Join(e.dir, "restored.json")
	require.NoError(t, os.WriteFile(restored,
		[]byte(fmt.Sprintf(`{"backends":[{"name":"localfs","config":{"dir":%q}}]}`, filepath.Join(e.dir, "restored"))), 0o600))
	t.Setenv("EVIDENCE_CONFIG", restored)
	out.Reset()
	require.Equal(t, 0, run([]string{"evidence", "import", bundle}, &out, &errOut), errOut.String())
	assert.Equal(t, evidenceCID+"\n", out.String())
	out.Reset()
	require.Equal(t, 0, run([]string{"verify", "--cid", evidenceCID}, &out, &errOut), out.String())

	// Re-running the list, or the tag it created, does no new work.
	out.Reset()
	require.Equal(t, 0, run([]string{"declare", list}, &out, &errOut), errOut.String())
	require.Equal(t, 0, run([]string{"declare", "batch:paintings"}, &out, &errOut), errOut.String())
	assert.Len(t, e.registry.Declarations(), 1)
	assert.Len(t, e.registry.TSARequests(), 2)
}

func TestDeclare_DryRunNeedsNoRegistry(t *testing.T) {
	e := setupEnv(t)
	t.Setenv("API_ENDPOINT", "")
	t.Setenv("API_KEY", "")
	list := e.workList(t, "dry.txt", "File:Mona Lisa.jpg")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"declare", "--dry", list}, &out, &errOut), errOut.String())
	assert.Empty(t, e.registry.Declarations())
	assert.Empty(t, e.registry.TSARequests())

	out.Reset()
	require.Equal(t, 0, run([]string{"journal", "list", "--json"}, &out, &errOut))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "ISCC:KEC2ZEZDLPNCUP7S", rec["Fingerprint"])
	assert.Nil(t, rec["RegisteredCID"])
}

func TestDeclare_ItemErrorsExitOne(t *testing.T) {
	e := setupEnv(t)
	list := e.workList(t, "mixed.txt", "File:Missing.jpg", "File:Mona Lisa.jpg")

	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"declare", list}, &out, &errOut))
	assert.Contains(t, out.String(), "1/2: File:Missing.jpg\nERROR\n")
	assert.Contains(t, out.String(), "Some requests failed. See log for details:\nFile:Missing.jpg\n")
	assert.Len(t, e.registry.Declarations(), 1)

	out.Reset()
	assert.Equal(t, 1, run([]string{"declare", "-q", list}, &out, &errOut))
	assert.NotContains(t, out.String(), "2/2")
}

func TestDeclare_UsageAndConfigErrors(t *testing.T) {
	e := setupEnv(t)
	var out, errOut bytes.Buffer

	assert.Equal(t, 2, run([]string{"declare"}, &out, &errOut))
	assert.Equal(t, 2, run([]string{"declare", "--no-such-flag", "x"}, &out, &errOut))
	assert.Equal(t, 2, run([]string{"declare", "-r", "soon", e.workList(t, "a.txt", "File:A.jpg")}, &out, &errOut))
	assert.Equal(t, 2, run([]string{"declare", "no-such-list-or-tag"}, &out, &errOut))

	errOut.Reset()
	t.Setenv("API_KEY", "")
	assert.Equal(t, 2, run([]string{"declare", e.workList(t, "b.txt", "File:A.jpg")}, &out, &errOut))
	assert.Contains(t, errOut.String(), "API_KEY")

	t.Setenv("LIMIT", "many")
	assert.Equal(t, 2, run([]string{"declare", e.workList(t, "c.txt", "File:A.jpg")}, &out, &errOut))
}

func TestVerify_Usage(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, run([]string{"verify"}, &out, &errOut))
	assert.Equal(t, 2, run([]string{"verify", "--cid", "x", "envelope.json"}, &out, &errOut))
	assert.Equal(t, 1, run([]string{"verify", filepath.Join(t.TempDir(), "missing.json")}, &out, &errOut))
}
